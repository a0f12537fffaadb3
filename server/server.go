// File: server/server.go
// Package server implements the socketd facade: lifecycle, the reactor loop,
// and the Broker surface handlers call back into.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	equeue "github.com/eapache/queue"
	"golang.org/x/time/rate"

	"github.com/momentics/socketd/api"
	"github.com/momentics/socketd/control"
	"github.com/momentics/socketd/dispatch"
	"github.com/momentics/socketd/internal/rooms"
	"github.com/momentics/socketd/internal/session"
	"github.com/momentics/socketd/logging"
	"github.com/momentics/socketd/protocol"
	"github.com/momentics/socketd/queue"
	"github.com/momentics/socketd/reactor"
	"github.com/momentics/socketd/router"
)

// Process-level failures mapped to exit codes by ExitCode.
var (
	ErrBind    = errors.New("bind failure")
	ErrReactor = errors.New("unrecoverable reactor error")
)

// ExitCode maps a Run error to the process exit code: 0 on clean shutdown,
// 2 on bind failure, 3 on reactor failure.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrBind), errors.Is(err, api.ErrConfiguration):
		return 2
	default:
		return 3
	}
}

// Server is the connection and dispatch core. One goroutine — the one that
// calls Run — owns every connection, the room index, and the routing tables.
// The only cross-goroutine entry points are Shutdown, Post, and Stats.
type Server struct {
	cfg    *Config
	log    api.Logger
	router *router.Router
	disp   *dispatch.Dispatcher
	index  *rooms.Index
	qread  *queue.Reader
	ctrl   *control.Registry

	poller   reactor.Poller
	listenFD int

	conns  map[api.ClientID]*session.Conn
	byFD   map[int]*session.Conn
	nextID api.ClientID

	running  atomic.Bool
	stopping atomic.Bool

	taskMu sync.Mutex
	tasks  *equeue.Queue

	accepted   atomic.Int64
	active     atomic.Int64
	framesIn   atomic.Int64
	framesOut  atomic.Int64
	broadcasts atomic.Int64

	corsAllowAll  bool
	corsOrigins   map[string]struct{}
	corsMethods   string
	corsHeaders   string
	corsMaxAge    string
	readBuf       []byte
}

// New builds a server from cfg. Register routes on Router() before Run.
func New(cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		router:   router.New(),
		index:    rooms.NewIndex(),
		conns:    make(map[api.ClientID]*session.Conn),
		byFD:     make(map[int]*session.Conn),
		tasks:    equeue.New(),
		listenFD: -1,
		readBuf:  make([]byte, 32<<10),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		log, err := logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		s.log = log
	}

	s.initCORS()
	if cfg.Queue.Enabled {
		s.qread = queue.NewReader(cfg.Queue.File, s.log)
	}
	s.disp = dispatch.New(s.router, s, s, s.log)

	s.ctrl = control.NewRegistry()
	s.ctrl.Register("stats", func() any { return s.Stats() })
	return s, nil
}

// Control exposes the debug probe registry. Probes registered here are
// evaluated wherever Snapshot is called; only publish thread-safe state.
func (s *Server) Control() *control.Registry { return s.ctrl }

// Router exposes the routing tables for registration before Run.
func (s *Server) Router() *router.Router { return s.router }

// Logger returns the configured logger.
func (s *Server) Logger() api.Logger { return s.log }

// Stats snapshots the server counters. Safe from any goroutine.
func (s *Server) Stats() api.Stats {
	return api.Stats{
		Accepted:   s.accepted.Load(),
		Active:     s.active.Load(),
		FramesIn:   s.framesIn.Load(),
		FramesOut:  s.framesOut.Load(),
		Broadcasts: s.broadcasts.Load(),
	}
}

// Shutdown asks Run to stop. Safe from any goroutine and from handlers.
func (s *Server) Shutdown() {
	if s.stopping.CompareAndSwap(false, true) {
		if s.poller != nil {
			_ = s.poller.Wakeup()
		}
	}
}

// Post enqueues fn onto the reactor goroutine. It is the thread-safe
// trampoline for code running outside the loop.
func (s *Server) Post(fn func()) error {
	if fn == nil {
		return fmt.Errorf("nil task: %w", api.ErrConfiguration)
	}
	if s.stopping.Load() {
		return api.ErrServerClosed
	}
	s.taskMu.Lock()
	s.tasks.Add(fn)
	s.taskMu.Unlock()
	if s.poller != nil {
		_ = s.poller.Wakeup()
	}
	return nil
}

func (s *Server) runTasks() {
	for {
		s.taskMu.Lock()
		if s.tasks.Length() == 0 {
			s.taskMu.Unlock()
			return
		}
		fn := s.tasks.Remove().(func())
		s.taskMu.Unlock()
		fn()
	}
}

func (s *Server) newLimits() session.Limits {
	limits := session.Limits{
		MaxFrameBytes:    int64(s.cfg.MaxFrameBytes),
		MaxMessageBytes:  int64(s.cfg.MaxMessageBytes),
		WriteBufferBytes: s.cfg.WriteBufferBytes,
	}
	if s.cfg.RateLimit.Enabled {
		limits.Limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit.MessagesPerSecond), s.cfg.RateLimit.Burst)
	}
	return limits
}

// ----- Broker ------------------------------------------------------------

// Send encodes {event,data} and enqueues it to one WebSocket client.
func (s *Server) Send(id api.ClientID, event string, data any) error {
	c, ok := s.conns[id]
	if !ok || c.Kind != api.KindWS || c.Draining() {
		return api.ErrUnknownClient
	}
	frame, err := protocol.EncodeEnvelopeFrame(event, data)
	if err != nil {
		return fmt.Errorf("send encode: %w", err)
	}
	if err := c.EnqueueWrite(frame); err != nil {
		return err
	}
	s.framesOut.Add(1)
	s.updateInterest(c)
	return nil
}

// Broadcast fans out through the dispatcher's single-encode path.
func (s *Server) Broadcast(event string, data any, namespace, room string) error {
	s.broadcasts.Add(1)
	return s.disp.Broadcast(event, data, namespace, room)
}

// EnqueueFrame implements dispatch.Sink.
func (s *Server) EnqueueFrame(id api.ClientID, frame []byte) error {
	c, ok := s.conns[id]
	if !ok || c.Kind != api.KindWS || c.Draining() {
		return api.ErrUnknownClient
	}
	if err := c.EnqueueWrite(frame); err != nil {
		return err
	}
	s.framesOut.Add(1)
	s.updateInterest(c)
	return nil
}

// Targets implements dispatch.Sink over the room index.
func (s *Server) Targets(namespace, room string) []api.ClientID {
	if room == "" {
		return s.index.ClientsInNamespace(namespace)
	}
	return s.index.ClientsInRoom(namespace, room)
}

// JoinNamespace moves a client into a namespace, leaving its old rooms.
func (s *Server) JoinNamespace(id api.ClientID, namespace string) error {
	if _, ok := s.conns[id]; !ok {
		return api.ErrUnknownClient
	}
	if namespace == "" {
		namespace = api.DefaultNamespace
	}
	s.index.JoinNamespace(id, namespace)
	return nil
}

// JoinRoom adds the client to a room in its current namespace.
func (s *Server) JoinRoom(id api.ClientID, room string) error {
	if _, ok := s.conns[id]; !ok {
		return api.ErrUnknownClient
	}
	ns, ok := s.index.Namespace(id)
	if !ok {
		ns = api.DefaultNamespace
	}
	s.index.JoinRoom(id, ns, room)
	return nil
}

// LeaveRoom removes the client from one room.
func (s *Server) LeaveRoom(id api.ClientID, room string) error {
	if _, ok := s.conns[id]; !ok {
		return api.ErrUnknownClient
	}
	s.index.LeaveRoom(id, room)
	return nil
}

// Disconnect closes a client gracefully. Idempotent: a second call for the
// same id reports ErrUnknownClient with no side effects.
func (s *Server) Disconnect(id api.ClientID) error {
	c, ok := s.conns[id]
	if !ok {
		return api.ErrUnknownClient
	}
	s.closeGraceful(c, api.CloseNormal, "")
	return nil
}

// ClientData reads one attribute from the client's bag.
func (s *Server) ClientData(id api.ClientID, key string) (any, bool) {
	c, ok := s.conns[id]
	if !ok {
		return nil, false
	}
	return c.Attr(key)
}

// SetClientData stores one attribute in the client's bag.
func (s *Server) SetClientData(id api.ClientID, key string, value any) error {
	c, ok := s.conns[id]
	if !ok {
		return api.ErrUnknownClient
	}
	c.SetAttr(key, value)
	return nil
}

// ClientsInNamespace snapshots namespace membership.
func (s *Server) ClientsInNamespace(namespace string) []api.ClientID {
	return s.index.ClientsInNamespace(namespace)
}

// ClientsInRoom snapshots room membership.
func (s *Server) ClientsInRoom(namespace, room string) []api.ClientID {
	return s.index.ClientsInRoom(namespace, room)
}

// ClientRooms lists the rooms a client holds. Empty, never nil, for unknown
// ids.
func (s *Server) ClientRooms(id api.ClientID) []string {
	return s.index.Rooms(id)
}

// IsConnected reports whether id is a live client.
func (s *Server) IsConnected(id api.ClientID) bool {
	_, ok := s.conns[id]
	return ok
}

// ClientKind returns the demultiplexed protocol of a client.
func (s *Server) ClientKind(id api.ClientID) api.ConnKind {
	c, ok := s.conns[id]
	if !ok {
		return api.KindUnknown
	}
	return c.Kind
}

// ClientCount returns the number of live clients.
func (s *Server) ClientCount() int { return len(s.conns) }
