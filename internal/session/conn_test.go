package session

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/momentics/socketd/api"
	"github.com/momentics/socketd/protocol"
)

type fakeEnv struct {
	requests  []*protocol.Request
	texts     [][]byte
	binaries  [][]byte
	peerCodes []uint16
	onRequest func(c *Conn, req *protocol.Request)
}

func (e *fakeEnv) HandleRequest(c *Conn, req *protocol.Request) {
	e.requests = append(e.requests, req)
	if e.onRequest != nil {
		e.onRequest(c, req)
	}
}
func (e *fakeEnv) HandleText(c *Conn, payload []byte)   { e.texts = append(e.texts, payload) }
func (e *fakeEnv) HandleBinary(c *Conn, payload []byte) { e.binaries = append(e.binaries, payload) }
func (e *fakeEnv) PeerClosed(c *Conn, code uint16, reason string) {
	e.peerCodes = append(e.peerCodes, code)
}

func testLimits() Limits {
	return Limits{
		MaxFrameBytes:    1 << 20,
		MaxMessageBytes:  1 << 20,
		WriteBufferBytes: 1 << 20,
	}
}

func newTestConn(limits Limits) *Conn {
	return New(1, -1, "127.0.0.1:9", "corr-1", limits, time.Now())
}

func newWSConn(limits Limits) *Conn {
	c := newTestConn(limits)
	c.Kind = api.KindWS
	c.State = StateWSOpen
	return c
}

func drainWrites(c *Conn) []byte {
	var out []byte
	for c.HasPending() {
		b := c.PeekWrite()
		out = append(out, b...)
		c.AdvanceWrite(len(b))
	}
	return out
}

func maskedText(payload string, fin bool) []byte {
	return protocol.EncodeFrameMasked(&protocol.Frame{
		Fin: fin, Opcode: protocol.OpText, Payload: []byte(payload),
	}, [4]byte{0xA, 0xB, 0xC, 0xD})
}

func TestHTTPRequestToResponding(t *testing.T) {
	t.Parallel()

	env := &fakeEnv{onRequest: func(c *Conn, req *protocol.Request) {
		c.Respond(protocol.NewResponse(http.StatusOK))
	}}
	c := newTestConn(testLimits())
	c.Feed([]byte("GET /health HTTP/1.1\r\nHost: a\r\n\r\n"), time.Now())

	require.NoError(t, c.Consume(env))
	require.Len(t, env.requests, 1)
	assert.Equal(t, "/health", env.requests[0].Path)
	assert.Equal(t, api.KindHTTP, c.Kind)
	assert.Equal(t, StateHTTPResponding, c.State)
	assert.True(t, c.Draining())
	assert.True(t, c.HasPending())
}

func TestHTTPKeepAlivePipelining(t *testing.T) {
	t.Parallel()

	env := &fakeEnv{onRequest: func(c *Conn, req *protocol.Request) {
		resp := protocol.NewResponse(http.StatusOK)
		resp.KeepAlive = true
		c.Respond(resp)
	}}
	c := newTestConn(testLimits())
	c.Feed([]byte("GET /a HTTP/1.1\r\nHost: a\r\n\r\nGET /b HTTP/1.1\r\nHost: a\r\n\r\n"), time.Now())

	require.NoError(t, c.Consume(env))
	require.Len(t, env.requests, 2)
	assert.Equal(t, "/a", env.requests[0].Path)
	assert.Equal(t, "/b", env.requests[1].Path)
	assert.Equal(t, StateReadingHTTP, c.State)
}

func TestUpgradeThenTextFrame(t *testing.T) {
	t.Parallel()

	env := &fakeEnv{onRequest: func(c *Conn, req *protocol.Request) {
		c.AcceptUpgrade(req, []byte("HTTP/1.1 101 Switching Protocols\r\n\r\n"))
	}}
	c := newTestConn(testLimits())
	c.Feed([]byte("GET / HTTP/1.1\r\nHost: a\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"), time.Now())
	require.NoError(t, c.Consume(env))
	assert.Equal(t, api.KindWS, c.Kind)
	assert.Equal(t, StateWSOpen, c.State)

	c.Feed(maskedText(`{"event":"ping","data":{}}`, true), time.Now())
	require.NoError(t, c.Consume(env))
	require.Len(t, env.texts, 1)
	assert.JSONEq(t, `{"event":"ping","data":{}}`, string(env.texts[0]))
}

func TestFragmentationWithInterleavedPing(t *testing.T) {
	t.Parallel()

	env := &fakeEnv{}
	c := newWSConn(testLimits())

	var wire []byte
	wire = append(wire, maskedText("hel", false)...)
	wire = append(wire, protocol.EncodeFrameMasked(&protocol.Frame{
		Fin: true, Opcode: protocol.OpPing, Payload: []byte("hb"),
	}, [4]byte{1, 2, 3, 4})...)
	wire = append(wire, protocol.EncodeFrameMasked(&protocol.Frame{
		Fin: true, Opcode: protocol.OpContinuation, Payload: []byte("lo"),
	}, [4]byte{5, 6, 7, 8})...)

	c.Feed(wire, time.Now())
	require.NoError(t, c.Consume(env))

	require.Len(t, env.texts, 1)
	assert.Equal(t, "hello", string(env.texts[0]))

	// the interleaved ping was answered with a pong carrying the same payload
	pong, _, err := protocol.DecodeFrame(drainWrites(c), 1<<20, false)
	require.NoError(t, err)
	require.NotNil(t, pong)
	assert.Equal(t, protocol.OpPong, pong.Opcode)
	assert.Equal(t, []byte("hb"), pong.Payload)
}

func TestDataFrameDuringReassembly(t *testing.T) {
	t.Parallel()

	env := &fakeEnv{}
	c := newWSConn(testLimits())

	var wire []byte
	wire = append(wire, maskedText("first", false)...)
	wire = append(wire, maskedText("second", true)...)

	c.Feed(wire, time.Now())
	err := c.Consume(env)
	require.Error(t, err)
	assert.Equal(t, api.CloseProtocolError, api.CloseCode(err, 0))
	assert.Empty(t, env.texts)
}

func TestContinuationWithoutStart(t *testing.T) {
	t.Parallel()

	env := &fakeEnv{}
	c := newWSConn(testLimits())
	c.Feed(protocol.EncodeFrameMasked(&protocol.Frame{
		Fin: true, Opcode: protocol.OpContinuation, Payload: []byte("x"),
	}, [4]byte{}), time.Now())

	err := c.Consume(env)
	require.Error(t, err)
	assert.Equal(t, api.CloseProtocolError, api.CloseCode(err, 0))
}

func TestPeerCloseEchoed(t *testing.T) {
	t.Parallel()

	env := &fakeEnv{}
	c := newWSConn(testLimits())
	c.Feed(protocol.EncodeFrameMasked(&protocol.Frame{
		Fin: true, Opcode: protocol.OpClose, Payload: protocol.EncodeClosePayload(4000, "bye"),
	}, [4]byte{9, 9, 9, 9}), time.Now())

	require.NoError(t, c.Consume(env))
	assert.Equal(t, []uint16{4000}, env.peerCodes)
	assert.Equal(t, StateWSClosing, c.State)

	echo, _, err := protocol.DecodeFrame(drainWrites(c), 1<<20, false)
	require.NoError(t, err)
	require.NotNil(t, echo)
	assert.Equal(t, protocol.OpClose, echo.Opcode)
	code, _ := protocol.DecodeClosePayload(echo.Payload)
	assert.Equal(t, uint16(4000), code)
}

func TestBackpressureDoesNotClose(t *testing.T) {
	t.Parallel()

	limits := testLimits()
	limits.WriteBufferBytes = 64
	c := newWSConn(limits)

	err := c.EnqueueWrite(make([]byte, 65))
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrBackpressured)
	assert.Equal(t, StateWSOpen, c.State)
	assert.False(t, c.HasPending())

	// control frames bypass the bound
	c.SendClose(api.CloseNormal, "")
	assert.True(t, c.HasPending())
}

func TestSendCloseOnce(t *testing.T) {
	t.Parallel()

	c := newWSConn(testLimits())
	c.SendClose(1000, "")
	c.SendClose(1001, "again")
	assert.Equal(t, StateWSClosing, c.State)

	frame, n, err := protocol.DecodeFrame(drainWrites(c), 1<<20, false)
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.Equal(t, protocol.OpClose, frame.Opcode)
	_ = n
	assert.False(t, c.HasPending())
}

func TestRateLimitViolation(t *testing.T) {
	t.Parallel()

	limits := testLimits()
	limits.Limiter = rate.NewLimiter(rate.Limit(0.001), 1)
	c := newWSConn(limits)
	env := &fakeEnv{}

	var wire []byte
	wire = append(wire, maskedText(`{"event":"a","data":null}`, true)...)
	wire = append(wire, maskedText(`{"event":"b","data":null}`, true)...)
	c.Feed(wire, time.Now())

	err := c.Consume(env)
	require.Error(t, err)
	assert.Equal(t, api.ClosePolicyViolation, api.CloseCode(err, 0))
	assert.Len(t, env.texts, 1)
}

func TestPongClearsAwait(t *testing.T) {
	t.Parallel()

	c := newWSConn(testLimits())
	c.SendPing(time.Now())
	assert.True(t, c.AwaitingPong)
	drainWrites(c)

	c.Feed(protocol.EncodeFrameMasked(&protocol.Frame{
		Fin: true, Opcode: protocol.OpPong,
	}, [4]byte{}), time.Now())
	require.NoError(t, c.Consume(&fakeEnv{}))
	assert.False(t, c.AwaitingPong)
}

func TestReadPauseHysteresis(t *testing.T) {
	t.Parallel()

	limits := testLimits()
	limits.WriteBufferBytes = 100
	c := newWSConn(limits)

	c.EnqueueControl(make([]byte, 100))
	assert.False(t, c.ReadAllowed())

	c.AdvanceWrite(40) // 60 buffered, still above the low-water mark
	assert.False(t, c.ReadAllowed())

	c.AdvanceWrite(10) // 50 buffered, at the mark
	assert.True(t, c.ReadAllowed())
}
