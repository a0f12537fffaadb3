// File: protocol/envelope.go
// Package protocol — the application message envelope carried in text frames.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"fmt"

	"github.com/momentics/socketd/api"
	"github.com/sugawarayuuta/sonnet"
)

// Envelope is the JSON framing inside WebSocket text frames.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// DecodeEnvelope parses an envelope from a text frame payload. A missing or
// empty event name is a dispatch-layer protocol error.
func DecodeEnvelope(p []byte) (*Envelope, error) {
	var env Envelope
	if err := sonnet.Unmarshal(p, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", api.ErrProtocol)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event name: %w", api.ErrProtocol)
	}
	return &env, nil
}

// EncodeEnvelope marshals {event,data} for transmission.
func EncodeEnvelope(event string, data any) ([]byte, error) {
	return sonnet.Marshal(&Envelope{Event: event, Data: data})
}

// EncodeEnvelopeFrame marshals the envelope and wraps it in a final text
// frame, returning the wire bytes. Broadcast fan-out calls this once per
// message regardless of recipient count.
func EncodeEnvelopeFrame(event string, data any) ([]byte, error) {
	p, err := EncodeEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(&Frame{Fin: true, Opcode: OpText, Payload: p}), nil
}
