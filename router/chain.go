// File: router/chain.go
// Package router — middleware chain execution.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A middleware may call next zero or one time; not calling it makes its own
// result final. Extra calls are ignored.

package router

// Handler and middleware shapes. The same (ctx, next) contract applies to
// HTTP requests, WS events, and handshakes.
type (
	HTTPHandler    func(*HTTPContext) error
	HTTPMiddleware func(*HTTPContext, func() error) error

	WSHandler    func(*WSContext) error
	WSMiddleware func(*WSContext, func() error) error

	HandshakeMiddleware func(*HandshakeContext, func() error) error
)

// RunHTTPChain runs mw in order, ending at h.
func RunHTTPChain(ctx *HTTPContext, mw []HTTPMiddleware, h HTTPHandler) error {
	var run func(i int) error
	run = func(i int) error {
		if i == len(mw) {
			return h(ctx)
		}
		called := false
		return mw[i](ctx, func() error {
			if called {
				return nil
			}
			called = true
			return run(i + 1)
		})
	}
	return run(0)
}

// RunWSChain runs mw in order, ending at h.
func RunWSChain(ctx *WSContext, mw []WSMiddleware, h WSHandler) error {
	var run func(i int) error
	run = func(i int) error {
		if i == len(mw) {
			return h(ctx)
		}
		called := false
		return mw[i](ctx, func() error {
			if called {
				return nil
			}
			called = true
			return run(i + 1)
		})
	}
	return run(0)
}

// RunHandshakeChain runs the handshake middleware. The chain has no terminal
// handler: running off the end means continue.
func RunHandshakeChain(ctx *HandshakeContext, mw []HandshakeMiddleware) error {
	var run func(i int) error
	run = func(i int) error {
		if i == len(mw) {
			return nil
		}
		called := false
		return mw[i](ctx, func() error {
			if called {
				return nil
			}
			called = true
			return run(i + 1)
		})
	}
	return run(0)
}
