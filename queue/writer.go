// File: queue/writer.go
// Package queue — producer-side writer.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Writer is the out-of-process broadcast entry point: any process that knows
// the queue path can inject events without holding a socket.

package queue

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sugawarayuuta/sonnet"
)

// Writer appends broadcast records under an exclusive advisory lock.
type Writer struct {
	path string
}

// NewWriter builds a writer for path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Broadcast appends one broadcast record. An empty room targets the whole
// namespace.
func (w *Writer) Broadcast(event string, data any, namespace, room string) error {
	rec := &Record{Type: RecordTypeBroadcast, Event: event, Data: data, Namespace: namespace}
	if room != "" {
		rec.Room = &room
	}
	return w.Append(rec)
}

// Append writes rec as one JSON line. The exclusive lock serializes
// concurrent producers so lines never interleave.
func (w *Writer) Append(rec *Record) error {
	line, err := sonnet.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue record encode: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("queue file open: %w", err)
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("queue file lock: %w", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("queue file append: %w", err)
	}
	return nil
}
