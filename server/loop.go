// File: server/loop.go
// Package server — the reactor loop: accept, read, consume, write, queue
// poll, timeout sweep, graceful drain.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/socketd/api"
	"github.com/momentics/socketd/internal/session"
	"github.com/momentics/socketd/reactor"
)

const (
	tickMs = 50
	// Per-tick per-socket budgets so one noisy peer cannot starve others.
	perTickReadBudget  = 256 << 10
	perTickWriteBudget = 256 << 10
	sweepInterval      = 500 * time.Millisecond
)

// Run binds (when Bind was not called), starts the reactor, and blocks until
// Shutdown. The calling goroutine becomes the reactor thread: it owns every
// connection, the room index, and all handler invocations. A handler that
// blocks pauses the whole server; long work belongs behind Post.
func (s *Server) Run() error {
	if !s.running.CompareAndSwap(false, true) {
		return api.ErrServerClosed
	}
	defer s.running.Store(false)

	s.router.Freeze()
	if err := s.Bind(); err != nil {
		return err
	}

	p, err := reactor.New()
	if err != nil {
		return fmt.Errorf("poller: %v: %w", err, ErrReactor)
	}
	s.poller = p
	defer func() {
		p.Close()
		s.poller = nil
	}()

	if err := p.Add(s.listenFD, true, false); err != nil {
		return fmt.Errorf("register listener: %v: %w", err, ErrReactor)
	}

	events := make([]reactor.Event, 256)
	lastSweep := time.Now()
	for !s.stopping.Load() {
		n, err := p.Wait(events, tickMs)
		if err != nil {
			return fmt.Errorf("%v: %w", err, ErrReactor)
		}
		now := time.Now()
		for i := 0; i < n; i++ {
			s.handleEvent(events[i], now)
		}
		s.runTasks()
		s.drainQueue()
		if now.Sub(lastSweep) >= sweepInterval {
			s.sweep(now)
			lastSweep = now
		}
	}
	return s.shutdownDrain()
}

func (s *Server) handleEvent(ev reactor.Event, now time.Time) {
	if ev.FD == s.listenFD {
		if ev.Readable {
			s.acceptBatch(now)
		}
		return
	}
	c, ok := s.byFD[ev.FD]
	if !ok {
		return
	}
	if ev.Closed {
		if c.State != session.StateClosed && ev.Readable {
			s.readConn(c, now) // drain whatever the peer sent before the hangup
		}
		if c.State != session.StateClosed {
			s.teardown(c, api.CloseAbnormal)
		}
		return
	}
	if ev.Writable {
		s.flushConn(c, now)
	}
	if c.State != session.StateClosed && ev.Readable {
		s.readConn(c, now)
	}
}

func (s *Server) readConn(c *session.Conn, now time.Time) {
	budget := perTickReadBudget
	for budget > 0 && c.ReadAllowed() && !c.Draining() {
		n, err := unix.Read(c.FD, s.readBuf)
		if n > 0 {
			budget -= n
			c.Feed(s.readBuf[:n], now)
			if cerr := c.Consume(s); cerr != nil {
				s.failConn(c, cerr)
				return
			}
			if c.State == session.StateClosed {
				return
			}
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			s.teardown(c, api.CloseAbnormal)
			return
		}
		if n == 0 { // EOF
			s.teardown(c, api.CloseAbnormal)
			return
		}
	}
	s.updateInterest(c)
	s.maybeComplete(c)
}

func (s *Server) flushConn(c *session.Conn, now time.Time) {
	if c.State == session.StateClosed {
		return
	}
	budget := perTickWriteBudget
	for c.HasPending() && budget > 0 {
		b := c.PeekWrite()
		n, err := unix.Write(c.FD, b)
		if n > 0 {
			c.AdvanceWrite(n)
			budget -= n
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			s.teardown(c, api.CloseAbnormal)
			return
		}
		if n < len(b) {
			break
		}
	}
	s.updateInterest(c)
	s.maybeComplete(c)
}

// updateInterest reconciles the poller registration with the connection's
// buffer state: reads stop while draining or backpressured, write interest
// follows pending output.
func (s *Server) updateInterest(c *session.Conn) {
	if s.poller == nil || c.State == session.StateClosed {
		return
	}
	readable := !c.Draining() && c.ReadAllowed()
	if err := s.poller.Modify(c.FD, readable, c.HasPending()); err != nil {
		s.log.Warn("poller modify failed", "client", c.ID, "err", err)
	}
}

// maybeComplete destroys a draining connection once its buffer is flushed.
func (s *Server) maybeComplete(c *session.Conn) {
	if c.State != session.StateClosed && c.Draining() && !c.HasPending() {
		s.teardown(c, api.CloseNormal)
	}
}

// failConn closes one connection for a protocol-level failure. The reactor
// itself is unaffected.
func (s *Server) failConn(c *session.Conn, err error) {
	code := api.CloseCode(err, api.CloseProtocolError)
	s.log.Warn("connection failed", "client", c.ID, "conn", c.CorrID, "err", err)
	reason := ""
	var ce *api.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	s.closeGraceful(c, code, reason)
}

// closeGraceful removes the client, queues a close frame, and lets the
// buffer drain before the socket is destroyed.
func (s *Server) closeGraceful(c *session.Conn, code uint16, reason string) {
	if c.State == session.StateClosed {
		return
	}
	s.removeBookkeeping(c, code)
	if c.Kind == api.KindWS {
		c.SendClose(code, reason)
	} else if c.State != session.StateHTTPResponding {
		c.State = session.StateHTTPResponding
	}
	if c.HasPending() && s.poller != nil {
		s.updateInterest(c)
		return
	}
	s.destroy(c)
}

// teardown removes the client and destroys the socket immediately.
func (s *Server) teardown(c *session.Conn, code uint16) {
	s.removeBookkeeping(c, code)
	s.destroy(c)
}

// removeBookkeeping erases the client from the connection table and the
// room index, and fires the synthetic disconnect event for upgraded
// clients. Idempotent.
func (s *Server) removeBookkeeping(c *session.Conn, code uint16) {
	if _, ok := s.conns[c.ID]; !ok {
		return
	}
	delete(s.conns, c.ID)
	s.active.Add(-1)
	ns, joined := s.index.Namespace(c.ID)
	s.index.Remove(c.ID)
	if c.Kind == api.KindWS && joined {
		s.disp.DispatchDisconnect(c.ID, ns, code)
	}
}

func (s *Server) destroy(c *session.Conn) {
	if c.State == session.StateClosed {
		return
	}
	s.removeBookkeeping(c, api.CloseAbnormal)
	if s.poller != nil {
		_ = s.poller.Remove(c.FD)
	}
	_ = unix.Close(c.FD)
	delete(s.byFD, c.FD)
	c.State = session.StateClosed
	s.log.Debug("connection closed", "client", c.ID, "conn", c.CorrID)
}

func (s *Server) drainQueue() {
	if s.qread == nil {
		return
	}
	for _, rec := range s.qread.Poll() {
		s.broadcasts.Add(1)
		if err := s.disp.Broadcast(rec.Event, rec.Data, rec.Namespace, rec.TargetRoom()); err != nil {
			s.log.Warn("queued broadcast failed", "event", rec.Event, "err", err)
		}
	}
}

func (s *Server) sweep(now time.Time) {
	idleTO := s.cfg.idleTimeout()
	pingIv := s.cfg.pingInterval()
	pingTO := s.cfg.pingTimeout()

	stale := make([]*session.Conn, 0, len(s.byFD))
	for _, c := range s.byFD {
		stale = append(stale, c)
	}
	for _, c := range stale {
		if c.State == session.StateClosed {
			continue
		}
		idle := now.Sub(c.LastActivity)
		if c.Draining() {
			// a peer that never drains its close frame still gets reaped
			if idleTO > 0 && idle > idleTO {
				s.teardown(c, api.CloseAbnormal)
			}
			continue
		}
		if c.Kind == api.KindWS {
			switch {
			case c.AwaitingPong && pingTO > 0 && now.Sub(c.PingSent) > pingTO:
				s.failConn(c, api.NewCloseError(api.CloseGoingAway, "ping timeout", api.ErrTimeout))
			case idleTO > 0 && idle > idleTO:
				s.failConn(c, api.NewCloseError(api.CloseNormal, "idle timeout", api.ErrTimeout))
			case pingIv > 0 && idle > pingIv && !c.AwaitingPong:
				c.SendPing(now)
				s.updateInterest(c)
			}
			continue
		}
		if idleTO > 0 && idle > idleTO {
			s.teardown(c, api.CloseNormal)
		}
	}
}

func (s *Server) shutdownDrain() error {
	s.log.Info("shutting down", "clients", len(s.conns))
	if s.listenFD >= 0 {
		_ = s.poller.Remove(s.listenFD)
		_ = unix.Close(s.listenFD)
		s.listenFD = -1
	}

	open := make([]*session.Conn, 0, len(s.byFD))
	for _, c := range s.byFD {
		open = append(open, c)
	}
	for _, c := range open {
		s.closeGraceful(c, api.CloseGoingAway, "server shutdown")
	}

	deadline := time.Now().Add(s.cfg.shutdownTimeout())
	events := make([]reactor.Event, 64)
	for len(s.byFD) > 0 && time.Now().Before(deadline) {
		n, err := s.poller.Wait(events, tickMs)
		if err != nil {
			break
		}
		now := time.Now()
		for i := 0; i < n; i++ {
			c, ok := s.byFD[events[i].FD]
			if !ok {
				continue
			}
			if events[i].Closed {
				s.teardown(c, api.CloseAbnormal)
				continue
			}
			if events[i].Writable {
				s.flushConn(c, now)
			}
		}
	}
	remaining := make([]*session.Conn, 0, len(s.byFD))
	for _, c := range s.byFD {
		remaining = append(remaining, c)
	}
	for _, c := range remaining {
		s.teardown(c, api.CloseGoingAway)
	}
	return nil
}
