package router

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/socketd/api"
)

func named(tag string, log *[]string) HTTPHandler {
	return func(*HTTPContext) error {
		*log = append(*log, tag)
		return nil
	}
}

func TestMatchHTTPSpecificity(t *testing.T) {
	t.Parallel()

	var calls []string
	r := New()
	require.NoError(t, r.GET("/users/:id", named("param", &calls)))
	require.NoError(t, r.GET("/users/me", named("literal", &calls)))
	r.Freeze()

	match, ok := r.MatchHTTP("GET", "/users/me")
	require.True(t, ok)
	require.NoError(t, match.Handler(nil))
	assert.Equal(t, []string{"literal"}, calls)

	match, ok = r.MatchHTTP("GET", "/users/42")
	require.True(t, ok)
	assert.Equal(t, "42", match.Params["id"])
}

func TestMatchHTTPRegistrationOrder(t *testing.T) {
	t.Parallel()

	var calls []string
	r := New()
	require.NoError(t, r.GET("/a/:x", named("first", &calls)))
	require.NoError(t, r.GET("/a/:y", named("second", &calls)))
	r.Freeze()

	match, ok := r.MatchHTTP("GET", "/a/1")
	require.True(t, ok)
	require.NoError(t, match.Handler(nil))
	assert.Equal(t, []string{"first"}, calls)
}

func TestMatchHTTPMethodAndMiss(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.GET("/health", func(*HTTPContext) error { return nil }))
	r.Freeze()

	_, ok := r.MatchHTTP("POST", "/health")
	assert.False(t, ok)
	_, ok = r.MatchHTTP("GET", "/missing")
	assert.False(t, ok)
	_, ok = r.MatchHTTP("get", "/health")
	assert.True(t, ok)
}

func TestFrozenRegistrationFails(t *testing.T) {
	t.Parallel()

	r := New()
	r.Freeze()

	assert.ErrorIs(t, r.GET("/x", func(*HTTPContext) error { return nil }), api.ErrRouterFrozen)
	assert.ErrorIs(t, r.On("e", func(*WSContext) error { return nil }), api.ErrRouterFrozen)
	assert.ErrorIs(t, r.UseWS(func(*WSContext, func() error) error { return nil }), api.ErrRouterFrozen)
}

func TestMatchEventNamespaceFilter(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.On("msg", func(c *WSContext) error { c.Event = "generic"; return nil }))
	require.NoError(t, r.On("msg", func(c *WSContext) error { c.Event = "chat"; return nil },
		WithNamespace("/chat")))
	r.Freeze()

	ctx := &WSContext{}
	match, ok := r.MatchEvent("msg", "/chat")
	require.True(t, ok)
	require.NoError(t, match.Handler(ctx))
	assert.Equal(t, "chat", ctx.Event)

	match, ok = r.MatchEvent("msg", "/")
	require.True(t, ok)
	require.NoError(t, match.Handler(ctx))
	assert.Equal(t, "generic", ctx.Event)

	_, ok = r.MatchEvent("absent", "/")
	assert.False(t, ok)
}

func TestMiddlewareOrderAndShortCircuit(t *testing.T) {
	t.Parallel()

	var calls []string
	mw := func(tag string, callNext bool) WSMiddleware {
		return func(ctx *WSContext, next func() error) error {
			calls = append(calls, tag)
			if callNext {
				return next()
			}
			return nil
		}
	}
	handler := func(*WSContext) error {
		calls = append(calls, "handler")
		return nil
	}

	require.NoError(t, RunWSChain(&WSContext{}, []WSMiddleware{mw("a", true), mw("b", true)}, handler))
	assert.Equal(t, []string{"a", "b", "handler"}, calls)

	calls = nil
	require.NoError(t, RunWSChain(&WSContext{}, []WSMiddleware{mw("a", true), mw("b", false)}, handler))
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestMiddlewareNextAtMostOnce(t *testing.T) {
	t.Parallel()

	count := 0
	double := func(ctx *WSContext, next func() error) error {
		if err := next(); err != nil {
			return err
		}
		return next()
	}
	require.NoError(t, RunWSChain(&WSContext{}, []WSMiddleware{double}, func(*WSContext) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestMiddlewareErrorPropagates(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	err := RunWSChain(&WSContext{}, []WSMiddleware{
		func(*WSContext, func() error) error { return boom },
	}, func(*WSContext) error { return nil })
	assert.ErrorIs(t, err, boom)
}
