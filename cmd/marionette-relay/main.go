// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Marionette-relay is the session relay: it accepts WebSocket
// connections from hosts and agents, binds them to sessions, and
// routes envelopes between them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/marionette-sh/marionette/lib/version"
	"github.com/marionette-sh/marionette/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var listen string
	var auditDir string
	var showVersion bool

	pflag.StringVar(&configPath, "config", "", "path to YAML config file")
	pflag.StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	pflag.StringVar(&auditDir, "audit-dir", "", "audit trail directory (overrides config)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("marionette-relay %s\n", version.Info())
		return nil
	}

	config := &relay.FileConfig{Listen: ":8080"}
	if configPath != "" {
		loaded, err := relay.LoadConfig(configPath)
		if err != nil {
			return err
		}
		config = loaded
	}
	if listen != "" {
		config.Listen = listen
	}
	if auditDir != "" {
		config.AuditDir = auditDir
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(config.LogLevel),
	}))
	slog.SetDefault(logger)

	var audit relay.AuditSink = relay.NopAuditSink{}
	if config.AuditDir != "" {
		sink, err := relay.NewFileAuditSink(config.AuditDir)
		if err != nil {
			return err
		}
		defer sink.Close()
		audit = sink
		logger.Info("audit trail enabled", "dir", config.AuditDir)
	}

	broker := relay.NewBroker(relay.BrokerConfig{Audit: audit, Logger: logger})

	mux := http.NewServeMux()
	mux.Handle("/ws", relay.NewServer(relay.ServerConfig{Broker: broker, Logger: logger}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{
		Addr:              config.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", config.Listen)
		errs <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
