// File: protocol/handshake.go
// Package protocol — WebSocket upgrade handshake: header validation and
// Sec-WebSocket-Accept computation.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/momentics/socketd/api"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	RequiredWebSocketVersion = "13"

	HeaderConnection      = "Connection"
	HeaderUpgrade         = "Upgrade"
	HeaderSecWebSocketKey = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer = "Sec-WebSocket-Version"
)

var (
	ErrBadWebSocketVersion = fmt.Errorf("unsupported WebSocket version; only '13' is supported: %w", api.ErrProtocol)
	ErrMissingWebSocketKey = fmt.Errorf("missing or malformed Sec-WebSocket-Key header: %w", api.ErrProtocol)
)

// IsUpgrade reports whether req asks for a WebSocket upgrade. A request that
// looks like an upgrade but fails validation is still routed through the
// handshake path so the client gets a proper error, not an HTTP 404.
func IsUpgrade(req *Request) bool {
	return headerContainsToken(req.Header, HeaderConnection, "upgrade") &&
		headerContainsToken(req.Header, HeaderUpgrade, "websocket")
}

// ValidateUpgrade checks version and key strictly: version must be 13 and the
// base64-decoded key must be 16 bytes.
func ValidateUpgrade(req *Request) error {
	if req.Header.Get(HeaderSecWebSocketVer) != RequiredWebSocketVersion {
		return ErrBadWebSocketVersion
	}
	key := req.Header.Get(HeaderSecWebSocketKey)
	if key == "" {
		return ErrMissingWebSocketKey
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil || len(decoded) != 16 {
		return ErrMissingWebSocketKey
	}
	return nil
}

// AcceptKey computes Sec-WebSocket-Accept for a client key per RFC 6455.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// UpgradeResponse serializes the 101 Switching Protocols response for key.
// extra headers are appended verbatim.
func UpgradeResponse(key string, extra http.Header) []byte {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n")
	for k, vs := range extra {
		for _, v := range vs {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// headerContainsToken checks a comma-separated header for a token,
// case-insensitively.
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h[http.CanonicalHeaderKey(name)] {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
