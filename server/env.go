// File: server/env.go
// Package server — the session.Env implementation: what happens to each
// complete HTTP request and each reassembled WebSocket message.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/momentics/socketd/api"
	"github.com/momentics/socketd/internal/session"
	"github.com/momentics/socketd/protocol"
	"github.com/momentics/socketd/router"
)

// HandleRequest demultiplexes one parsed request: WebSocket upgrade or plain
// HTTP.
func (s *Server) HandleRequest(c *session.Conn, req *protocol.Request) {
	if protocol.IsUpgrade(req) {
		s.handleUpgrade(c, req)
		return
	}
	s.handleHTTP(c, req)
}

func (s *Server) handleUpgrade(c *session.Conn, req *protocol.Request) {
	c.State = session.StateUpgrading

	if err := protocol.ValidateUpgrade(req); err != nil {
		s.log.Warn("upgrade refused", "client", c.ID, "conn", c.CorrID, "err", err)
		resp := protocol.NewResponse(http.StatusBadRequest)
		resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
		resp.Body = []byte("bad websocket handshake")
		c.Respond(resp)
		return
	}

	hctx := router.NewHandshakeContext(c.ID, req, s.log)
	err := runRecovered(func() error {
		return router.RunHandshakeChain(hctx, s.router.Handshake())
	})
	if err != nil {
		s.log.Error("handshake middleware failed", "client", c.ID, "err", err)
		c.Respond(protocol.NewResponse(http.StatusInternalServerError))
		return
	}
	if custom := hctx.Custom(); custom != nil {
		c.Respond(custom)
		return
	}
	if rejected, status := hctx.Rejected(); rejected {
		s.log.Info("handshake rejected", "client", c.ID, "status", status,
			"err", api.ErrHandshakeRejected)
		c.Respond(protocol.NewResponse(status))
		return
	}

	key := req.Header.Get(protocol.HeaderSecWebSocketKey)
	c.AcceptUpgrade(req, protocol.UpgradeResponse(key, nil))
	for k, v := range hctx.Attrs() {
		c.SetAttr(k, v)
	}
	s.index.JoinNamespace(c.ID, api.DefaultNamespace)
	s.log.Debug("upgraded", "client", c.ID, "conn", c.CorrID, "path", req.Path)
	s.disp.DispatchConnect(c.ID, api.DefaultNamespace)
}

func (s *Server) handleHTTP(c *session.Conn, req *protocol.Request) {
	ctx := router.NewHTTPContext(c.ID, req, s, s.log)
	corsOK := s.applyCORS(req, ctx)

	match, found := s.router.MatchHTTP(req.Method, req.Path)
	switch {
	case found:
		ctx.Params = match.Params
		err := runRecovered(func() error {
			return router.RunHTTPChain(ctx, match.Middleware, match.Handler)
		})
		if err != nil {
			s.log.Error("http handler failed", "method", req.Method, "path", req.Path, "err", err)
			_ = ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		} else if _, wrote := ctx.Response(); !wrote {
			_ = ctx.Text(http.StatusNotFound, "not found")
		}
	case req.Method == http.MethodOptions && corsOK:
		_ = ctx.NoContent(http.StatusNoContent)
	default:
		_ = ctx.Text(http.StatusNotFound, "not found")
	}

	resp, _ := ctx.Response()
	c.Respond(resp)
}

// applyCORS echoes the allowed origin and, on preflight, the method/header
// allowances. Returns whether the origin passed the allow-list.
func (s *Server) applyCORS(req *protocol.Request, ctx *router.HTTPContext) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return false
	}
	if !s.corsAllowAll {
		if _, ok := s.corsOrigins[origin]; !ok {
			return false
		}
	}
	ctx.Header("Access-Control-Allow-Origin", origin)
	if !s.corsAllowAll {
		ctx.Header("Vary", "Origin")
	}
	if s.cfg.CORS.AllowCredentials {
		ctx.Header("Access-Control-Allow-Credentials", "true")
	}
	if req.Method == http.MethodOptions {
		ctx.Header("Access-Control-Allow-Methods", s.corsMethods)
		ctx.Header("Access-Control-Allow-Headers", s.corsHeaders)
		ctx.Header("Access-Control-Max-Age", s.corsMaxAge)
	}
	return true
}

func (s *Server) initCORS() {
	s.corsOrigins = make(map[string]struct{})
	for _, o := range s.cfg.CORS.AllowedOrigins {
		if o == "*" {
			s.corsAllowAll = true
			continue
		}
		s.corsOrigins[o] = struct{}{}
	}
	s.corsMethods = strings.Join(s.cfg.CORS.AllowedMethods, ", ")
	s.corsHeaders = strings.Join(s.cfg.CORS.AllowedHeaders, ", ")
	s.corsMaxAge = strconv.Itoa(s.cfg.CORS.MaxAge)
}

// HandleText dispatches one reassembled text message.
func (s *Server) HandleText(c *session.Conn, payload []byte) {
	s.framesIn.Add(1)
	ns, ok := s.index.Namespace(c.ID)
	if !ok {
		ns = api.DefaultNamespace
	}
	if err := s.disp.DispatchText(c.ID, ns, payload); err != nil {
		s.failConn(c, err)
	}
}

// HandleBinary dispatches one reassembled binary message, opaquely.
func (s *Server) HandleBinary(c *session.Conn, payload []byte) {
	s.framesIn.Add(1)
	ns, ok := s.index.Namespace(c.ID)
	if !ok {
		ns = api.DefaultNamespace
	}
	s.disp.DispatchBinary(c.ID, ns, payload)
}

// PeerClosed records a client-initiated close. The session layer echoes the
// close frame; this side only unregisters the client.
func (s *Server) PeerClosed(c *session.Conn, code uint16, reason string) {
	s.log.Debug("peer closed", "client", c.ID, "code", code, "reason", reason)
	s.removeBookkeeping(c, code)
}

func runRecovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
