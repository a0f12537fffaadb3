// File: router/router.go
// Package router holds the HTTP and WebSocket routing tables. Registration is
// static: the tables freeze when the server starts and lookups never lock.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/momentics/socketd/api"
)

type httpRoute struct {
	method   string
	pattern  string
	segments []string
	literals int
	index    int
	handler  HTTPHandler
	mw       []HTTPMiddleware
}

type wsRoute struct {
	namespace  string // "" matches any namespace
	handler    WSHandler
	mw         []WSMiddleware
	errorEvent bool
}

// RouteOption customizes a WS event registration.
type RouteOption func(*wsRoute)

// WithNamespace restricts the route to clients in one namespace.
func WithNamespace(ns string) RouteOption {
	return func(r *wsRoute) { r.namespace = ns }
}

// WithMiddleware attaches per-route middleware in FIFO order.
func WithMiddleware(mw ...WSMiddleware) RouteOption {
	return func(r *wsRoute) { r.mw = append(r.mw, mw...) }
}

// WithErrorEvent opts the route into handler-error translation: failures are
// sent to the client as an "error" envelope instead of being swallowed.
func WithErrorEvent() RouteOption {
	return func(r *wsRoute) { r.errorEvent = true }
}

// HTTPMatch is a resolved HTTP route: global plus per-route middleware and
// the captured path parameters.
type HTTPMatch struct {
	Handler    HTTPHandler
	Middleware []HTTPMiddleware
	Params     map[string]string
}

// WSMatch is a resolved WS event route.
type WSMatch struct {
	Handler    WSHandler
	Middleware []WSMiddleware
	ErrorEvent bool
}

// Router owns both routing tables and the middleware chains.
type Router struct {
	frozen bool

	https  []*httpRoute
	events map[string][]*wsRoute

	httpUse   []HTTPMiddleware
	wsUse     []WSMiddleware
	handshake []HandshakeMiddleware

	unknown WSHandler
	binary  WSHandler
}

// New returns an empty router.
func New() *Router {
	return &Router{events: make(map[string][]*wsRoute)}
}

// Handle registers an HTTP route. Patterns are literal segments and ":name"
// captures; literal segments outrank captures when several routes match.
func (r *Router) Handle(method, pattern string, h HTTPHandler, mw ...HTTPMiddleware) error {
	if r.frozen {
		return api.ErrRouterFrozen
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s %s: %w", method, pattern, api.ErrConfiguration)
	}
	segs := splitPath(pattern)
	literals := 0
	for _, s := range segs {
		if !strings.HasPrefix(s, ":") {
			literals++
		}
	}
	r.https = append(r.https, &httpRoute{
		method:   strings.ToUpper(method),
		pattern:  pattern,
		segments: segs,
		literals: literals,
		index:    len(r.https),
		handler:  h,
		mw:       mw,
	})
	return nil
}

// GET registers a GET route.
func (r *Router) GET(pattern string, h HTTPHandler, mw ...HTTPMiddleware) error {
	return r.Handle(http.MethodGet, pattern, h, mw...)
}

// POST registers a POST route.
func (r *Router) POST(pattern string, h HTTPHandler, mw ...HTTPMiddleware) error {
	return r.Handle(http.MethodPost, pattern, h, mw...)
}

// PUT registers a PUT route.
func (r *Router) PUT(pattern string, h HTTPHandler, mw ...HTTPMiddleware) error {
	return r.Handle(http.MethodPut, pattern, h, mw...)
}

// DELETE registers a DELETE route.
func (r *Router) DELETE(pattern string, h HTTPHandler, mw ...HTTPMiddleware) error {
	return r.Handle(http.MethodDelete, pattern, h, mw...)
}

// OPTIONS registers an OPTIONS route.
func (r *Router) OPTIONS(pattern string, h HTTPHandler, mw ...HTTPMiddleware) error {
	return r.Handle(http.MethodOptions, pattern, h, mw...)
}

// On registers a WS event handler.
func (r *Router) On(event string, h WSHandler, opts ...RouteOption) error {
	if r.frozen {
		return api.ErrRouterFrozen
	}
	if event == "" || h == nil {
		return fmt.Errorf("event registration needs a name and a handler: %w", api.ErrConfiguration)
	}
	route := &wsRoute{handler: h}
	for _, o := range opts {
		o(route)
	}
	r.events[event] = append(r.events[event], route)
	return nil
}

// OnUnknown sets the handler for events with no registered route. Without it
// unknown events are dropped silently.
func (r *Router) OnUnknown(h WSHandler) error {
	if r.frozen {
		return api.ErrRouterFrozen
	}
	r.unknown = h
	return nil
}

// OnBinary sets the handler for binary frames. Payloads are delivered
// opaquely in ctx.Raw without JSON decoding.
func (r *Router) OnBinary(h WSHandler) error {
	if r.frozen {
		return api.ErrRouterFrozen
	}
	r.binary = h
	return nil
}

// UseHTTP appends global HTTP middleware.
func (r *Router) UseHTTP(mw ...HTTPMiddleware) error {
	if r.frozen {
		return api.ErrRouterFrozen
	}
	r.httpUse = append(r.httpUse, mw...)
	return nil
}

// UseWS appends global WS middleware.
func (r *Router) UseWS(mw ...WSMiddleware) error {
	if r.frozen {
		return api.ErrRouterFrozen
	}
	r.wsUse = append(r.wsUse, mw...)
	return nil
}

// UseHandshake appends handshake middleware.
func (r *Router) UseHandshake(mw ...HandshakeMiddleware) error {
	if r.frozen {
		return api.ErrRouterFrozen
	}
	r.handshake = append(r.handshake, mw...)
	return nil
}

// Freeze sorts the HTTP table by specificity and makes the router immutable.
// Called once when the server starts.
func (r *Router) Freeze() {
	if r.frozen {
		return
	}
	sort.SliceStable(r.https, func(i, j int) bool {
		a, b := r.https[i], r.https[j]
		if a.literals != b.literals {
			return a.literals > b.literals
		}
		if len(a.pattern) != len(b.pattern) {
			return len(a.pattern) > len(b.pattern)
		}
		return a.index < b.index
	})
	r.frozen = true
}

// MatchHTTP resolves method+path to the most specific route.
func (r *Router) MatchHTTP(method, path string) (HTTPMatch, bool) {
	method = strings.ToUpper(method)
	segs := splitPath(path)
	for _, route := range r.https {
		if route.method != method {
			continue
		}
		params, ok := matchSegments(route.segments, segs)
		if !ok {
			continue
		}
		mw := make([]HTTPMiddleware, 0, len(r.httpUse)+len(route.mw))
		mw = append(mw, r.httpUse...)
		mw = append(mw, route.mw...)
		return HTTPMatch{Handler: route.handler, Middleware: mw, Params: params}, true
	}
	return HTTPMatch{}, false
}

// MatchEvent resolves an event name for a client in ns. A route with a
// matching namespace filter outranks an unfiltered one.
func (r *Router) MatchEvent(event, ns string) (WSMatch, bool) {
	routes := r.events[event]
	var generic *wsRoute
	var picked *wsRoute
	for _, route := range routes {
		if route.namespace == ns {
			picked = route
			break
		}
		if route.namespace == "" && generic == nil {
			generic = route
		}
	}
	if picked == nil {
		picked = generic
	}
	if picked == nil {
		return WSMatch{}, false
	}
	mw := make([]WSMiddleware, 0, len(r.wsUse)+len(picked.mw))
	mw = append(mw, r.wsUse...)
	mw = append(mw, picked.mw...)
	return WSMatch{Handler: picked.handler, Middleware: mw, ErrorEvent: picked.errorEvent}, true
}

// Unknown returns the unknown-event handler.
func (r *Router) Unknown() (WSHandler, bool) { return r.unknown, r.unknown != nil }

// Binary returns the binary-frame handler.
func (r *Router) Binary() (WSHandler, bool) { return r.binary, r.binary != nil }

// Handshake returns the handshake middleware chain.
func (r *Router) Handshake() []HandshakeMiddleware { return r.handshake }

func splitPath(p string) []string {
	out := []string{}
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func matchSegments(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	params := map[string]string{}
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	return params, true
}
