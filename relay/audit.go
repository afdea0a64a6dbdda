// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/marionette-sh/marionette/lib/codec"
)

// Audit event kinds.
const (
	auditEventJoin  = "join"
	auditEventLeave = "leave"
	auditEventRoute = "route"
)

// AuditRecord is one entry in a session's audit trail. Index is a
// per-session monotonic counter so a reader can detect gaps.
type AuditRecord struct {
	SessionID    string    `cbor:"sessionId"`
	Index        uint64    `cbor:"index"`
	Timestamp    time.Time `cbor:"timestamp"`
	Event        string    `cbor:"event"`
	ConnectionID string    `cbor:"connectionId"`
	Role         string    `cbor:"role"`
	MessageType  string    `cbor:"messageType,omitempty"`
	Envelope     any       `cbor:"envelope,omitempty"`
}

// AuditSink receives the relay's audit trail. Implementations must be
// safe for concurrent use; the broker calls Append under its own lock
// but other producers may exist.
type AuditSink interface {
	Append(record AuditRecord) error
	Close() error
}

// NopAuditSink discards all records.
type NopAuditSink struct{}

func (NopAuditSink) Append(AuditRecord) error { return nil }
func (NopAuditSink) Close() error             { return nil }

var _ AuditSink = NopAuditSink{}

// FileAuditSink writes audit records as a zstd-compressed stream of
// CBOR values, one file per session, under a base directory. Files are
// created lazily on the first record for a session and stay open until
// Close.
type FileAuditSink struct {
	dir string

	mu       sync.Mutex
	closed   bool
	sessions map[string]*auditStream
}

type auditStream struct {
	file       *os.File
	compressor *zstd.Encoder
	encoder    *codec.Encoder
}

// NewFileAuditSink creates a sink rooted at dir, creating the directory
// if needed.
func NewFileAuditSink(dir string) (*FileAuditSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("relay: creating audit directory: %w", err)
	}
	return &FileAuditSink{
		dir:      dir,
		sessions: make(map[string]*auditStream),
	}, nil
}

var _ AuditSink = (*FileAuditSink)(nil)

// Append encodes one record onto its session's stream.
func (s *FileAuditSink) Append(record AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("relay: audit sink is closed")
	}
	stream, err := s.stream(record.SessionID)
	if err != nil {
		return err
	}
	if err := stream.encoder.Encode(record); err != nil {
		return fmt.Errorf("relay: encoding audit record: %w", err)
	}
	return nil
}

// Close flushes and closes every open session stream. The first error
// is returned but all streams are closed regardless.
func (s *FileAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for id, stream := range s.sessions {
		if err := stream.compressor.Close(); err != nil && first == nil {
			first = fmt.Errorf("relay: closing audit stream %s: %w", id, err)
		}
		if err := stream.file.Close(); err != nil && first == nil {
			first = fmt.Errorf("relay: closing audit file %s: %w", id, err)
		}
	}
	s.sessions = nil
	return first
}

// auditFileName derives a safe file name from a session ID. Session
// IDs are client-supplied on join, so anything that could act as a
// path component separator is replaced before the ID reaches the
// filesystem.
func auditFileName(sessionID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		}
		return '_'
	}, sessionID)
	if safe == "" {
		safe = "unnamed"
	}
	return safe + ".audit.zst"
}

// stream returns the open stream for a session, creating it on first
// use. Must be called with s.mu held.
func (s *FileAuditSink) stream(sessionID string) (*auditStream, error) {
	if stream, ok := s.sessions[sessionID]; ok {
		return stream, nil
	}
	path := filepath.Join(s.dir, auditFileName(sessionID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("relay: opening audit file: %w", err)
	}
	compressor, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("relay: creating audit compressor: %w", err)
	}
	stream := &auditStream{
		file:       file,
		compressor: compressor,
		encoder:    codec.NewEncoder(compressor),
	}
	s.sessions[sessionID] = stream
	return stream, nil
}

// ReadAuditFile decodes every record from a single session audit file.
// Intended for tooling and tests, not the hot path.
func ReadAuditFile(path string) ([]AuditRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("relay: opening audit file: %w", err)
	}
	defer file.Close()
	decompressor, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("relay: creating audit decompressor: %w", err)
	}
	defer decompressor.Close()
	decoder := codec.NewDecoder(decompressor)
	var records []AuditRecord
	for {
		var record AuditRecord
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return records, fmt.Errorf("relay: decoding audit record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}
