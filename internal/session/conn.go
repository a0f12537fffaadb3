// File: internal/session/conn.go
// Package session implements the per-connection protocol state machine that
// demultiplexes HTTP and WebSocket traffic on the shared port.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Conn owns its read accumulation buffer and bounded outbound queue. The
// reactor goroutine owns every Conn; nothing here locks.

package session

import (
	"fmt"
	"time"

	equeue "github.com/eapache/queue"
	"golang.org/x/time/rate"

	"github.com/momentics/socketd/api"
	"github.com/momentics/socketd/protocol"
)

// State is the connection FSM state.
type State int

const (
	StateReadingHTTP State = iota
	StateUpgrading
	StateHTTPResponding
	StateWSOpen
	StateWSClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReadingHTTP:
		return "reading-http"
	case StateUpgrading:
		return "upgrading"
	case StateHTTPResponding:
		return "http-responding"
	case StateWSOpen:
		return "ws-open"
	case StateWSClosing:
		return "ws-closing"
	default:
		return "closed"
	}
}

// Env is what a Conn calls back into while consuming buffered bytes. The
// server facade implements it.
type Env interface {
	// HandleRequest receives each complete HTTP request. The implementation
	// transitions the connection: upgrade, respond, or respond-and-keep-alive.
	HandleRequest(c *Conn, req *protocol.Request)
	// HandleText receives one reassembled text message payload.
	HandleText(c *Conn, payload []byte)
	// HandleBinary receives one reassembled binary message payload.
	HandleBinary(c *Conn, payload []byte)
	// PeerClosed is invoked when the peer sends a close frame.
	PeerClosed(c *Conn, code uint16, reason string)
}

// Limits bundles the per-connection resource bounds.
type Limits struct {
	MaxFrameBytes    int64
	MaxMessageBytes  int64
	WriteBufferBytes int
	// Limiter rate-limits inbound data messages; nil disables.
	Limiter *rate.Limiter
}

// Conn is one accepted socket with its buffers and FSM state.
type Conn struct {
	ID         api.ClientID
	FD         int
	CorrID     string
	RemoteAddr string

	Kind  api.ConnKind
	State State

	// Handshake is the frozen upgrade request, set for WS connections.
	Handshake *protocol.Request

	LastActivity time.Time
	PingSent     time.Time
	AwaitingPong bool

	in []byte

	out      *equeue.Queue // of []byte chunks
	headOff  int
	outBytes int
	limits   Limits

	pendingOp protocol.Opcode
	pending   []byte

	attrs      map[string]any
	closeSent  bool
	readPaused bool
}

// New builds a Conn in the ReadingHTTP state.
func New(id api.ClientID, fd int, remoteAddr, corrID string, limits Limits, now time.Time) *Conn {
	c := &Conn{
		ID:           id,
		FD:           fd,
		CorrID:       corrID,
		RemoteAddr:   remoteAddr,
		Kind:         api.KindUnknown,
		State:        StateReadingHTTP,
		LastActivity: now,
		out:          equeue.New(),
		limits:       limits,
		attrs:        map[string]any{api.AttrConnID: corrID},
	}
	return c
}

// Feed appends freshly read bytes and stamps activity.
func (c *Conn) Feed(b []byte, now time.Time) {
	c.in = append(c.in, b...)
	c.LastActivity = now
}

// Consume drives the FSM over the buffered bytes until it needs more input.
// A returned error carries the close code the caller must tear the
// connection down with.
func (c *Conn) Consume(env Env) error {
	for {
		switch c.State {
		case StateReadingHTTP:
			req, n, err := protocol.ParseRequest(c.in)
			if err != nil {
				return err
			}
			if req == nil {
				return nil
			}
			c.advanceIn(n)
			if c.Kind == api.KindUnknown {
				c.Kind = api.KindHTTP
			}
			env.HandleRequest(c, req)
			if c.State != StateReadingHTTP && c.State != StateWSOpen {
				return nil
			}

		case StateWSOpen:
			frame, n, err := protocol.DecodeFrame(c.in, c.limits.MaxFrameBytes, true)
			if err != nil {
				return err
			}
			if frame == nil {
				return nil
			}
			c.advanceIn(n)
			if err := c.handleFrame(frame, env); err != nil {
				return err
			}

		default:
			return nil
		}
	}
}

func (c *Conn) advanceIn(n int) {
	c.in = c.in[n:]
	if len(c.in) == 0 {
		c.in = nil
	}
}

func (c *Conn) handleFrame(f *protocol.Frame, env Env) error {
	if f.Opcode.IsControl() {
		return c.handleControl(f, env)
	}

	switch f.Opcode {
	case protocol.OpContinuation:
		if c.pendingOp == 0 {
			return api.NewCloseError(api.CloseProtocolError, "continuation without preceding data frame", api.ErrProtocol)
		}
		if int64(len(c.pending)+len(f.Payload)) > c.limits.MaxMessageBytes {
			return api.NewCloseError(api.CloseMessageTooBig, "reassembled message too large", api.ErrMessageTooBig)
		}
		c.pending = append(c.pending, f.Payload...)
		if f.Fin {
			op, payload := c.pendingOp, c.pending
			c.pendingOp, c.pending = 0, nil
			return c.deliver(op, payload, env)
		}

	case protocol.OpText, protocol.OpBinary:
		if c.pendingOp != 0 {
			return api.NewCloseError(api.CloseProtocolError, "data frame interleaved with fragmented message", api.ErrProtocol)
		}
		if !f.Fin {
			c.pendingOp = f.Opcode
			c.pending = f.Payload
			return nil
		}
		return c.deliver(f.Opcode, f.Payload, env)
	}
	return nil
}

func (c *Conn) deliver(op protocol.Opcode, payload []byte, env Env) error {
	if c.limits.Limiter != nil && !c.limits.Limiter.Allow() {
		return api.NewCloseError(api.ClosePolicyViolation, "message rate limit exceeded", api.ErrProtocol)
	}
	if op == protocol.OpText {
		env.HandleText(c, payload)
	} else {
		env.HandleBinary(c, payload)
	}
	return nil
}

func (c *Conn) handleControl(f *protocol.Frame, env Env) error {
	switch f.Opcode {
	case protocol.OpPing:
		pong := protocol.EncodeFrame(&protocol.Frame{Fin: true, Opcode: protocol.OpPong, Payload: f.Payload})
		c.enqueue(pong, true)
	case protocol.OpPong:
		c.AwaitingPong = false
	case protocol.OpClose:
		code, reason := protocol.DecodeClosePayload(f.Payload)
		env.PeerClosed(c, code, reason)
		c.SendClose(code, "")
	}
	return nil
}

// EnqueueWrite queues application bytes for transmission. Fails with
// ErrBackpressured when the bounded write buffer would overflow; the
// connection stays open.
func (c *Conn) EnqueueWrite(b []byte) error {
	return c.enqueue(b, false)
}

// EnqueueControl queues protocol bytes (responses, close, ping/pong), which
// bypass the application backpressure bound.
func (c *Conn) EnqueueControl(b []byte) {
	c.enqueue(b, true)
}

func (c *Conn) enqueue(b []byte, force bool) error {
	if c.State == StateClosed {
		return api.ErrUnknownClient
	}
	if !force && c.outBytes+len(b) > c.limits.WriteBufferBytes {
		return fmt.Errorf("%d buffered, %d more would exceed %d: %w",
			c.outBytes, len(b), c.limits.WriteBufferBytes, api.ErrBackpressured)
	}
	c.out.Add(b)
	c.outBytes += len(b)
	return nil
}

// HasPending reports whether outbound bytes are queued.
func (c *Conn) HasPending() bool { return c.out.Length() > 0 }

// Buffered returns the queued outbound byte count.
func (c *Conn) Buffered() int { return c.outBytes }

// PeekWrite returns the next unwritten chunk.
func (c *Conn) PeekWrite() []byte {
	head := c.out.Peek().([]byte)
	return head[c.headOff:]
}

// AdvanceWrite records n bytes written from the head chunk.
func (c *Conn) AdvanceWrite(n int) {
	head := c.out.Peek().([]byte)
	c.headOff += n
	c.outBytes -= n
	if c.headOff == len(head) {
		c.out.Remove()
		c.headOff = 0
	}
}

// PauseReads reports whether the reactor should stop reading this peer:
// the write buffer is at or above its bound.
func (c *Conn) PauseReads() bool { return c.outBytes >= c.limits.WriteBufferBytes }

// ResumeReads reports whether reads may restart: drained to or below the 50%
// low-water mark.
func (c *Conn) ResumeReads() bool { return c.outBytes <= c.limits.WriteBufferBytes/2 }

// ReadAllowed applies pause/resume hysteresis around the write buffer bound:
// reads stop at the bound and restart only at or below the low-water mark.
func (c *Conn) ReadAllowed() bool {
	if c.readPaused {
		if c.ResumeReads() {
			c.readPaused = false
		}
	} else if c.PauseReads() {
		c.readPaused = true
	}
	return !c.readPaused
}

// SendClose queues a close frame once and moves the FSM to WSClosing.
func (c *Conn) SendClose(code uint16, reason string) {
	if c.Kind != api.KindWS || c.closeSent {
		if c.State == StateWSOpen {
			c.State = StateWSClosing
		}
		return
	}
	c.closeSent = true
	frame := protocol.EncodeFrame(&protocol.Frame{
		Fin:     true,
		Opcode:  protocol.OpClose,
		Payload: protocol.EncodeClosePayload(code, reason),
	})
	c.enqueue(frame, true)
	c.State = StateWSClosing
}

// SendPing queues a ping and starts the pong deadline clock.
func (c *Conn) SendPing(now time.Time) {
	ping := protocol.EncodeFrame(&protocol.Frame{Fin: true, Opcode: protocol.OpPing})
	c.enqueue(ping, true)
	c.PingSent = now
	c.AwaitingPong = true
}

// AcceptUpgrade finishes the handshake: queues the 101 response and opens
// the WebSocket side of the FSM.
func (c *Conn) AcceptUpgrade(req *protocol.Request, response []byte) {
	c.enqueue(response, true)
	c.Handshake = req
	c.Kind = api.KindWS
	c.State = StateWSOpen
}

// Respond queues an HTTP response. Keep-alive responses return the FSM to
// request reading; others drain and close.
func (c *Conn) Respond(resp *protocol.Response) {
	c.enqueue(resp.Encode(), true)
	if resp.KeepAlive {
		c.State = StateReadingHTTP
		return
	}
	c.State = StateHTTPResponding
}

// Draining reports whether the connection only waits for its outbound
// buffer to flush before closing.
func (c *Conn) Draining() bool {
	return c.State == StateHTTPResponding || c.State == StateWSClosing
}

// Attr reads a client attribute.
func (c *Conn) Attr(key string) (any, bool) {
	v, ok := c.attrs[key]
	return v, ok
}

// SetAttr stores a client attribute.
func (c *Conn) SetAttr(key string, value any) { c.attrs[key] = value }
