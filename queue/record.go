// File: queue/record.go
// Package queue implements the file-backed broadcast queue: an append-only
// JSON-lines file external producers write under an advisory lock and the
// reactor drains once per tick.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package queue

import (
	"fmt"

	"github.com/momentics/socketd/api"
	"github.com/sugawarayuuta/sonnet"
)

// RecordTypeBroadcast is the only record type the reader consumes.
const RecordTypeBroadcast = "broadcast"

// Record is one queued broadcast request, one JSON object per line.
type Record struct {
	Type      string  `json:"type"`
	Event     string  `json:"event"`
	Data      any     `json:"data"`
	Namespace string  `json:"namespace"`
	Room      *string `json:"room"`
}

// TargetRoom returns the room name, or "" for a whole-namespace broadcast.
func (r *Record) TargetRoom() string {
	if r.Room == nil {
		return ""
	}
	return *r.Room
}

func decodeRecord(line []byte) (*Record, error) {
	var rec Record
	if err := sonnet.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("malformed queue record: %w", api.ErrProtocol)
	}
	if rec.Type != RecordTypeBroadcast {
		return nil, fmt.Errorf("unsupported queue record type %q: %w", rec.Type, api.ErrProtocol)
	}
	if rec.Event == "" {
		return nil, fmt.Errorf("queue record missing event: %w", api.ErrProtocol)
	}
	if rec.Namespace == "" {
		rec.Namespace = api.DefaultNamespace
	}
	return &rec, nil
}
