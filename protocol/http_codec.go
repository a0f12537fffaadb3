// File: protocol/http_codec.go
// Package protocol — HTTP/1.1 request parsing and response serialization for
// the shared listener port.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Requests are parsed out of the connection's accumulated read buffer, so the
// parser follows the frame codec contract: (nil, 0, nil) until a complete
// request (headers plus Content-Length body) is buffered.

package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/momentics/socketd/api"
	"github.com/sugawarayuuta/sonnet"
)

// MaxHeaderBytes bounds the request head before a connection is dropped.
const MaxHeaderBytes = 8192

var crlfcrlf = []byte("\r\n\r\n")

// Request is a frozen view over one parsed HTTP request. It is immutable
// once handed to routing or handshake middleware.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Query    url.Values
	Header   http.Header
	Host     string
	Body     []byte
	// JSON holds the decoded body when Content-Type is application/json and
	// the body parses; otherwise nil and Body keeps the raw bytes.
	JSON any
}

// ParseRequest parses one request from buf. Returns (nil, 0, nil) while the
// request is incomplete, or a protocol error for malformed input.
func ParseRequest(buf []byte) (*Request, int, error) {
	idx := bytes.Index(buf, crlfcrlf)
	if idx < 0 {
		if len(buf) > MaxHeaderBytes {
			return nil, 0, fmt.Errorf("request head exceeds %d bytes: %w", MaxHeaderBytes, api.ErrProtocol)
		}
		return nil, 0, nil
	}
	head := buf[:idx+len(crlfcrlf)]
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, 0, fmt.Errorf("malformed request: %w", api.ErrProtocol)
	}
	for _, te := range req.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return nil, 0, fmt.Errorf("chunked request body not supported: %w", api.ErrProtocol)
		}
	}

	bodyLen := 0
	if req.ContentLength > 0 {
		if req.ContentLength > int64(DefaultMaxPayload) {
			return nil, 0, fmt.Errorf("request body too large: %w", api.ErrMessageTooBig)
		}
		bodyLen = int(req.ContentLength)
	}
	total := idx + len(crlfcrlf) + bodyLen
	if len(buf) < total {
		return nil, 0, nil
	}

	body := make([]byte, bodyLen)
	copy(body, buf[idx+len(crlfcrlf):total])

	path := req.URL.Path
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	query, _ := url.ParseQuery(req.URL.RawQuery)

	out := &Request{
		Method:   req.Method,
		Path:     path,
		RawQuery: req.URL.RawQuery,
		Query:    query,
		Header:   req.Header,
		Host:     req.Host,
		Body:     body,
	}
	ct := req.Header.Get("Content-Type")
	if len(body) > 0 && strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "application/json") {
		var v any
		if err := sonnet.Unmarshal(body, &v); err == nil {
			out.JSON = v
		}
	}
	return out, total, nil
}

// Response is one HTTP response to serialize back to the client.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	KeepAlive bool
}

// NewResponse builds an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{Status: status, Header: make(http.Header)}
}

// SetJSON marshals v into the body and sets the content type.
func (r *Response) SetJSON(v any) error {
	b, err := sonnet.Marshal(v)
	if err != nil {
		return err
	}
	r.Body = b
	r.Header.Set("Content-Type", "application/json")
	return nil
}

// Encode serializes the response. Content-Length is always set for bodied
// responses and Connection defaults to close.
func (r *Response) Encode() []byte {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	reason := http.StatusText(status)
	if reason == "" {
		reason = "Status"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, reason)

	if len(r.Body) > 0 || bodiedStatus(status) {
		r.Header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	if r.KeepAlive {
		r.Header.Set("Connection", "keep-alive")
	} else {
		r.Header.Set("Connection", "close")
	}

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Header[k] {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	b.Write(r.Body)
	return b.Bytes()
}

// bodiedStatus reports whether a status line implies a body is legal, so an
// explicit zero Content-Length is emitted.
func bodiedStatus(status int) bool {
	return status != http.StatusNoContent && status != http.StatusNotModified && status >= 200
}
