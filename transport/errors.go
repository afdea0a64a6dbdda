// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/marionette-sh/marionette/protocol"
)

// TransportError covers socket-level failures: dial, read, write, and
// the connection closing while requests are pending.
type TransportError struct {
	// Op is the operation that failed: "dial", "read", "write",
	// "closed".
	Op string

	// Err is the underlying cause, if any.
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s", e.Op)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError is returned when a request's reply did not arrive within
// its deadline. The request may still be processed by the remote side —
// the caller only knows the reply is late, not lost.
type TimeoutError struct {
	// MessageType is the request's envelope type.
	MessageType string

	// Timeout is the deadline that elapsed.
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transport: %s request timed out after %s", e.MessageType, e.Timeout)
}

// RemoteError is an error envelope answering a specific request. The
// remote's code and message are carried verbatim.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: remote error %s: %s", e.Code, e.Message)
}

// IsSessionNotActive reports whether err is a remote SESSION_NOT_ACTIVE
// rejection. The control loop treats this as "host not there yet" —
// an expected waiting condition, not a fault.
func IsSessionNotActive(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Code == protocol.CodeSessionNotActive
}
