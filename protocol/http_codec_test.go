package protocol

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/socketd/api"
)

func TestParseRequestGet(t *testing.T) {
	t.Parallel()

	raw := []byte("GET /users/42?x=1&x=2&name=a%20b HTTP/1.1\r\nHost: example.com\r\nX-Custom: Value\r\n\r\n")
	req, n, err := ParseRequest(raw)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/users/42", req.Path)
	assert.Equal(t, []string{"1", "2"}, req.Query["x"])
	assert.Equal(t, "a b", req.Query.Get("name"))
	assert.Equal(t, "Value", req.Header.Get("x-custom"))
	assert.Empty(t, req.Body)
}

func TestParseRequestIncomplete(t *testing.T) {
	t.Parallel()

	raw := []byte("POST /submit HTTP/1.1\r\nHost: a\r\nContent-Length: 10\r\n\r\n12345")
	req, n, err := ParseRequest(raw)
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Zero(t, n)

	req, n, err = ParseRequest(raw[:20])
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Zero(t, n)
}

func TestParseRequestJSONBody(t *testing.T) {
	t.Parallel()

	body := `{"name":"r1"}`
	raw := []byte("POST /rooms HTTP/1.1\r\nHost: a\r\nContent-Type: application/json\r\nContent-Length: " +
		"13\r\n\r\n" + body)
	req, n, err := ParseRequest(raw)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, []byte(body), req.Body)
	require.NotNil(t, req.JSON)
	assert.Equal(t, map[string]any{"name": "r1"}, req.JSON)
}

func TestParseRequestBadJSONKeepsRaw(t *testing.T) {
	t.Parallel()

	raw := []byte("POST /rooms HTTP/1.1\r\nHost: a\r\nContent-Type: application/json\r\nContent-Length: 3\r\n\r\n{{{")
	req, _, err := ParseRequest(raw)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Nil(t, req.JSON)
	assert.Equal(t, []byte("{{{"), req.Body)
}

func TestParseRequestPipelined(t *testing.T) {
	t.Parallel()

	first := "GET /a HTTP/1.1\r\nHost: a\r\n\r\n"
	second := "GET /b HTTP/1.1\r\nHost: a\r\n\r\n"
	buf := []byte(first + second)

	req, n, err := ParseRequest(buf)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "/a", req.Path)
	assert.Equal(t, len(first), n)

	req, n, err = ParseRequest(buf[n:])
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "/b", req.Path)
	assert.Equal(t, len(second), n)
}

func TestParseRequestMalformed(t *testing.T) {
	t.Parallel()

	_, _, err := ParseRequest([]byte("NOT A REQUEST\r\n\r\n"))
	assert.ErrorIs(t, err, api.ErrProtocol)
}

func TestResponseEncode(t *testing.T) {
	t.Parallel()

	resp := NewResponse(http.StatusOK)
	require.NoError(t, resp.SetJSON(map[string]bool{"ok": true}))
	raw := string(resp.Encode())

	require.True(t, strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, raw, "Content-Type: application/json\r\n")
	assert.Contains(t, raw, "Content-Length: 11\r\n")
	assert.Contains(t, raw, "Connection: close\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n"+`{"ok":true}`))
}

func TestResponseEncodeKeepAlive(t *testing.T) {
	t.Parallel()

	resp := NewResponse(http.StatusOK)
	resp.Body = []byte("hi")
	resp.KeepAlive = true
	raw := string(resp.Encode())
	assert.Contains(t, raw, "Connection: keep-alive\r\n")
}

func TestResponseEncodeNoContent(t *testing.T) {
	t.Parallel()

	raw := string(NewResponse(http.StatusNoContent).Encode())
	require.True(t, strings.HasPrefix(raw, "HTTP/1.1 204 No Content\r\n"))
	assert.NotContains(t, raw, "Content-Length")
}

func TestEnvelopeCodec(t *testing.T) {
	t.Parallel()

	b, err := EncodeEnvelope("chat.msg", map[string]any{"text": "hi"})
	require.NoError(t, err)

	env, err := DecodeEnvelope(b)
	require.NoError(t, err)
	assert.Equal(t, "chat.msg", env.Event)
	assert.Equal(t, map[string]any{"text": "hi"}, env.Data)

	_, err = DecodeEnvelope([]byte(`{"data":1}`))
	assert.ErrorIs(t, err, api.ErrProtocol)

	_, err = DecodeEnvelope([]byte(`not json`))
	assert.ErrorIs(t, err, api.ErrProtocol)
}
