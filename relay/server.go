// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/marionette-sh/marionette/protocol"
)

// ServerConfig holds configuration for creating a Server.
type ServerConfig struct {
	// Broker routes every envelope. Required.
	Broker *Broker

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// Server accepts WebSocket connections and pumps their envelopes into
// the broker. It implements http.Handler so the caller chooses the
// mux, address, and TLS posture.
type Server struct {
	broker   *Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a Server backed by the given broker.
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		broker: config.Broker,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's read pump
// until the peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Warn("websocket upgrade failed",
			"remote", r.RemoteAddr, "error", err)
		return
	}

	socket := &websocketSocket{ws: ws}
	connection := s.broker.NewConnection(socket)
	s.logger.Info("connection accepted",
		"connection", connection.ID, "remote", r.RemoteAddr)

	defer s.broker.Disconnect(connection)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			s.logger.Info("connection closed",
				"connection", connection.ID, "error", err)
			return
		}
		if messageType != websocket.TextMessage {
			socket.WriteEnvelope(protocol.NewError("",
				protocol.CodeInvalidMessage, "only text frames are accepted"))
			continue
		}
		var envelope protocol.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			socket.WriteEnvelope(protocol.NewError("",
				protocol.CodeInvalidMessage, "envelope is not valid JSON"))
			continue
		}
		if envelope.Type == "" {
			socket.WriteEnvelope(protocol.NewError(envelope.ID,
				protocol.CodeInvalidMessage, "envelope has no type"))
			continue
		}
		s.broker.Dispatch(connection, envelope)
	}
}

// websocketSocket adapts a gorilla connection to the Socket interface.
// gorilla permits one concurrent writer, so writes are serialized here;
// the broker may write from routing while the server writes parse
// errors from the pump.
type websocketSocket struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

var _ Socket = (*websocketSocket)(nil)

func (s *websocketSocket) WriteEnvelope(envelope protocol.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteJSON(envelope)
}

func (s *websocketSocket) Close() error {
	return s.ws.Close()
}
