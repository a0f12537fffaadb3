// File: queue/reader.go
// Package queue — reactor-side reader.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The reader takes a non-blocking shared lock each poll; if a producer holds
// the exclusive lock the tick is skipped. A record is consumed only once its
// trailing LF is on disk, and truncation resets the offset to zero.

package queue

import (
	"bytes"
	"os"

	"golang.org/x/sys/unix"

	"github.com/momentics/socketd/api"
)

// Reader tails the queue file, tracking a byte offset across polls.
type Reader struct {
	path   string
	offset int64
	log    api.Logger
}

// NewReader builds a reader for path.
func NewReader(path string, log api.Logger) *Reader {
	if log == nil {
		log = api.NopLogger{}
	}
	return &Reader{path: path, log: log}
}

// Offset returns the consumed-through byte offset.
func (r *Reader) Offset() int64 { return r.offset }

// Poll reads any complete records appended since the last poll. Lock
// contention and a missing file both yield an empty result.
func (r *Reader) Poll() []*Record {
	f, err := os.Open(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("queue file open failed", "path", r.path, "err", err)
		}
		return nil
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			r.log.Warn("queue file lock failed", "path", r.path, "err", err)
		}
		return nil
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	st, err := f.Stat()
	if err != nil {
		r.log.Warn("queue file stat failed", "path", r.path, "err", err)
		return nil
	}
	size := st.Size()
	if size < r.offset {
		r.log.Info("queue file truncated, resetting offset", "path", r.path)
		r.offset = 0
	}
	if size == r.offset {
		return nil
	}

	buf := make([]byte, size-r.offset)
	n, err := f.ReadAt(buf, r.offset)
	if err != nil && n == 0 {
		r.log.Warn("queue file read failed", "path", r.path, "err", err)
		return nil
	}
	buf = buf[:n]

	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		return nil // partial line, wait for the producer to finish it
	}
	complete := buf[:last+1]
	r.offset += int64(last + 1)

	var out []*Record
	for _, line := range bytes.Split(complete, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		rec, err := decodeRecord(line)
		if err != nil {
			r.log.Warn("queue record skipped", "path", r.path, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}
