// File: api/errors.go
// Package api defines the shared error taxonomy for socketd.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import (
	"errors"
	"fmt"
)

// Sentinel errors used across the library. Connection-scoped errors close at
// most one connection; ErrConfiguration is fatal before the server runs.
var (
	ErrProtocol          = errors.New("protocol error")
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrBackpressured     = errors.New("write buffer full")
	ErrUnknownClient     = errors.New("unknown client")
	ErrMessageTooBig     = errors.New("message exceeds size limit")
	ErrTimeout           = errors.New("connection timed out")
	ErrConfiguration     = errors.New("invalid configuration")
	ErrRouterFrozen      = errors.New("router is frozen")
	ErrNotSupported      = errors.New("operation not supported")
	ErrServerClosed      = errors.New("server closed")
)

// WebSocket close codes the core emits.
const (
	CloseNormal          uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	ClosePolicyViolation uint16 = 1008
	CloseMessageTooBig   uint16 = 1009
	CloseAbnormal        uint16 = 1006 // bookkeeping only, never sent on the wire
)

// CloseError carries the WebSocket close code a connection must be torn down
// with. It wraps one of the sentinel errors above.
type CloseError struct {
	Code   uint16
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("close %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("close %d (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// NewCloseError builds a CloseError for the given code and cause.
func NewCloseError(code uint16, reason string, err error) *CloseError {
	return &CloseError{Code: code, Reason: reason, Err: err}
}

// CloseCode extracts the close code from err, or fallback when err does not
// carry one.
func CloseCode(err error, fallback uint16) uint16 {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return fallback
}
