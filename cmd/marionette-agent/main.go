// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

// Marionette-agent joins a relay session as an autonomous agent and
// drives the host application through its workflow until the session
// ends.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/marionette-sh/marionette/agent"
	"github.com/marionette-sh/marionette/lib/reasoning"
	"github.com/marionette-sh/marionette/lib/version"
	"github.com/marionette-sh/marionette/lib/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var relayURL string
	var sessionID string
	var agentName string
	var showVersion bool

	pflag.StringVar(&configPath, "config", "", "path to YAML config file")
	pflag.StringVar(&relayURL, "relay-url", "", "relay WebSocket endpoint (overrides config)")
	pflag.StringVar(&sessionID, "session", "", "session to join (overrides config)")
	pflag.StringVar(&agentName, "name", "", "agent display name (overrides config)")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("marionette-agent %s\n", version.Info())
		return nil
	}

	config := &agent.FileConfig{AgentName: "marionette"}
	if configPath != "" {
		loaded, err := agent.LoadConfig(configPath)
		if err != nil {
			return err
		}
		config = loaded
	}
	if relayURL != "" {
		config.RelayURL = relayURL
	}
	if sessionID != "" {
		config.SessionID = sessionID
	}
	if agentName != "" {
		config.AgentName = agentName
	}
	if config.RelayURL == "" {
		return fmt.Errorf("--relay-url or a config file with relayUrl is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(config.LogLevel),
	}))
	slog.SetDefault(logger)

	descriptor := workflow.Booking()
	if config.WorkflowPath != "" {
		loaded, err := workflow.ReadFile(config.WorkflowPath)
		if err != nil {
			return err
		}
		descriptor = loaded
	}

	var proposer reasoning.Proposer
	if config.Reasoning.Model != "" {
		p, err := reasoning.NewOpenAIProposer(reasoning.OpenAIConfig{
			APIKey:  config.Reasoning.APIKey,
			BaseURL: config.Reasoning.BaseURL,
			Model:   config.Reasoning.Model,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		proposer = p
		logger.Info("reasoning enabled", "model", config.Reasoning.Model)
	} else {
		logger.Info("reasoning disabled, using fallback rules only")
	}

	a, err := agent.New(agent.Config{
		RelayURL:       config.RelayURL,
		SessionID:      config.SessionID,
		AgentName:      config.AgentName,
		Workflow:       descriptor,
		Proposer:       proposer,
		Logger:         logger,
		RetryDelay:     config.RetryDelayDuration(),
		RequestTimeout: config.RequestTimeoutDuration(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting",
		"relay", config.RelayURL, "session", config.SessionID, "name", config.AgentName)
	return a.Run(ctx)
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
