package protocol

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upgradeRequest(mutate func(h http.Header)) *Request {
	h := http.Header{}
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", "websocket")
	h.Set("Sec-WebSocket-Version", "13")
	h.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	if mutate != nil {
		mutate(h)
	}
	return &Request{Method: "GET", Path: "/", Header: h}
}

// TestAcceptKey pins the canonical RFC 6455 example.
func TestAcceptKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestIsUpgrade(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUpgrade(upgradeRequest(nil)))
	assert.True(t, IsUpgrade(upgradeRequest(func(h http.Header) {
		h.Set("Connection", "keep-alive, Upgrade")
	})))
	assert.False(t, IsUpgrade(upgradeRequest(func(h http.Header) {
		h.Del("Upgrade")
	})))
	assert.False(t, IsUpgrade(&Request{Method: "GET", Path: "/", Header: http.Header{}}))
}

func TestValidateUpgrade(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateUpgrade(upgradeRequest(nil)))

	err := ValidateUpgrade(upgradeRequest(func(h http.Header) {
		h.Set("Sec-WebSocket-Version", "8")
	}))
	assert.ErrorIs(t, err, ErrBadWebSocketVersion)

	err = ValidateUpgrade(upgradeRequest(func(h http.Header) {
		h.Set("Sec-WebSocket-Key", "dG9vc2hvcnQ=") // decodes to fewer than 16 bytes
	}))
	assert.ErrorIs(t, err, ErrMissingWebSocketKey)

	err = ValidateUpgrade(upgradeRequest(func(h http.Header) {
		h.Del("Sec-WebSocket-Key")
	}))
	assert.ErrorIs(t, err, ErrMissingWebSocketKey)
}

func TestUpgradeResponse(t *testing.T) {
	t.Parallel()

	raw := string(UpgradeResponse("dGhlIHNhbXBsZSBub25jZQ==", nil))
	require.True(t, strings.HasPrefix(raw, "HTTP/1.1 101 Switching Protocols\r\n"))
	assert.Contains(t, raw, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n")
	assert.Contains(t, raw, "Upgrade: websocket\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n"))
}
