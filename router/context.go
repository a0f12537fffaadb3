// File: router/context.go
// Package router — request contexts handed to HTTP handlers, WS event
// handlers, and handshake middleware.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package router

import (
	"net/http"

	"github.com/momentics/socketd/api"
	"github.com/momentics/socketd/protocol"
)

// HTTPContext carries one HTTP request through middleware and its handler.
// Handlers write through the typed helpers; a handler that writes nothing
// yields a 404.
type HTTPContext struct {
	Client api.ClientID
	Req    *protocol.Request
	Params map[string]string
	Broker api.Broker
	Log    api.Logger

	resp  *protocol.Response
	wrote bool
}

// NewHTTPContext builds a context around a parsed request.
func NewHTTPContext(id api.ClientID, req *protocol.Request, broker api.Broker, log api.Logger) *HTTPContext {
	return &HTTPContext{
		Client: id,
		Req:    req,
		Params: map[string]string{},
		Broker: broker,
		Log:    log,
		resp:   protocol.NewResponse(http.StatusOK),
	}
}

// Param returns a captured path segment.
func (c *HTTPContext) Param(name string) string { return c.Params[name] }

// Header sets a response header.
func (c *HTTPContext) Header(key, value string) { c.resp.Header.Set(key, value) }

// KeepAlive keeps the connection open after this response.
func (c *HTTPContext) KeepAlive() { c.resp.KeepAlive = true }

// JSON writes a JSON body with the given status.
func (c *HTTPContext) JSON(status int, v any) error {
	c.resp.Status = status
	if err := c.resp.SetJSON(v); err != nil {
		return err
	}
	c.wrote = true
	return nil
}

// Text writes a plain-text body with the given status.
func (c *HTTPContext) Text(status int, body string) error {
	c.resp.Status = status
	c.resp.Body = []byte(body)
	c.resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	c.wrote = true
	return nil
}

// NoContent writes a bodiless response with the given status.
func (c *HTTPContext) NoContent(status int) error {
	c.resp.Status = status
	c.resp.Body = nil
	c.wrote = true
	return nil
}

// Response returns the response and whether a handler wrote one.
func (c *HTTPContext) Response() (*protocol.Response, bool) { return c.resp, c.wrote }

// WSContext carries one decoded event to its handler.
type WSContext struct {
	Client    api.ClientID
	Namespace string
	Event     string
	Data      any
	// Raw is the undecoded payload: the envelope bytes for text events, the
	// frame payload for binary deliveries.
	Raw    []byte
	Broker api.Broker
	Log    api.Logger
}

// Reply sends an envelope back to the originating client.
func (c *WSContext) Reply(event string, data any) error {
	return c.Broker.Send(c.Client, event, data)
}

// Handshake decisions.
type handshakeDecision int

const (
	handshakeContinue handshakeDecision = iota
	handshakeReject
	handshakeCustom
)

// HandshakeContext is handed to handshake middleware while an upgrade is
// pending. Middleware may reject the upgrade, answer with a custom HTTP
// response, or stash client attributes applied once the client is accepted.
type HandshakeContext struct {
	Client api.ClientID
	Req    *protocol.Request
	Log    api.Logger

	decision handshakeDecision
	status   int
	custom   *protocol.Response
	attrs    map[string]any
}

// NewHandshakeContext builds a context for one pending upgrade.
func NewHandshakeContext(id api.ClientID, req *protocol.Request, log api.Logger) *HandshakeContext {
	return &HandshakeContext{Client: id, Req: req, Log: log, status: http.StatusForbidden}
}

// Reject refuses the upgrade with the given status (403 when zero).
func (c *HandshakeContext) Reject(status int) {
	c.decision = handshakeReject
	if status != 0 {
		c.status = status
	}
}

// Respond short-circuits the upgrade with a custom HTTP response.
func (c *HandshakeContext) Respond(resp *protocol.Response) {
	c.decision = handshakeCustom
	c.custom = resp
}

// SetAttr stores a client attribute applied after the upgrade is accepted.
func (c *HandshakeContext) SetAttr(key string, value any) {
	if c.attrs == nil {
		c.attrs = make(map[string]any)
	}
	c.attrs[key] = value
}

// Rejected reports the outcome and rejection status.
func (c *HandshakeContext) Rejected() (bool, int) { return c.decision == handshakeReject, c.status }

// Custom returns the custom response, if any.
func (c *HandshakeContext) Custom() *protocol.Response { return c.custom }

// Attrs returns attributes stashed by middleware.
func (c *HandshakeContext) Attrs() map[string]any { return c.attrs }
