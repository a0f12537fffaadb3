// File: protocol/frame_codec.go
// Package protocol implements the WebSocket frame codec with payload size
// enforcement.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Decode returns (nil, 0, nil) while the buffer holds an incomplete frame so
// callers can keep accumulating bytes.

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/socketd/api"
)

// DefaultMaxPayload bounds a single logical message (2 MiB).
const DefaultMaxPayload = 2 << 20

// DecodeFrame parses one WebSocket frame from raw.
// requireMask enforces the client-to-server masking rule.
// Returns the frame, the number of bytes consumed, and an error. An
// incomplete frame yields (nil, 0, nil).
func DecodeFrame(raw []byte, maxPayload int64, requireMask bool) (*Frame, int, error) {
	if len(raw) < 2 {
		return nil, 0, nil
	}
	if raw[0]&0x70 != 0 {
		return nil, 0, api.NewCloseError(api.CloseProtocolError, "reserved bits set", api.ErrProtocol)
	}
	fin := raw[0]&0x80 != 0
	opcode := Opcode(raw[0] & 0x0F)
	masked := raw[1]&0x80 != 0
	length := int64(raw[1] & 0x7F)
	offset := 2

	switch opcode {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		return nil, 0, api.NewCloseError(api.CloseProtocolError,
			fmt.Sprintf("unknown opcode %#x", byte(opcode)), api.ErrProtocol)
	}
	if opcode.IsControl() {
		if !fin {
			return nil, 0, api.NewCloseError(api.CloseProtocolError, "fragmented control frame", api.ErrProtocol)
		}
		if length > MaxControlPayload {
			return nil, 0, api.NewCloseError(api.CloseProtocolError, "control frame too long", api.ErrProtocol)
		}
	}

	switch length {
	case 126:
		if len(raw) < offset+2 {
			return nil, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(raw[offset:]))
		offset += 2
	case 127:
		if len(raw) < offset+8 {
			return nil, 0, nil
		}
		length = int64(binary.BigEndian.Uint64(raw[offset:]))
		offset += 8
		if length < 0 {
			return nil, 0, api.NewCloseError(api.CloseProtocolError, "negative payload length", api.ErrProtocol)
		}
	}

	if maxPayload > 0 && length > maxPayload {
		return nil, 0, api.NewCloseError(api.CloseMessageTooBig, "frame payload too large", api.ErrMessageTooBig)
	}
	if requireMask && !masked {
		return nil, 0, api.NewCloseError(api.CloseProtocolError, "client frame not masked", api.ErrProtocol)
	}

	var maskKey [4]byte
	if masked {
		if len(raw) < offset+4 {
			return nil, 0, nil
		}
		copy(maskKey[:], raw[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(raw) < total {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, raw[offset:total])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return &Frame{
		Fin:     fin,
		Opcode:  opcode,
		Masked:  masked,
		MaskKey: maskKey,
		Payload: payload,
	}, total, nil
}

// EncodeFrame serializes a server-to-client frame. Server frames are never
// masked.
func EncodeFrame(f *Frame) []byte {
	return encodeFrame(f, false, [4]byte{})
}

// EncodeFrameMasked serializes a client-to-server frame with the given mask
// key. Used by test clients.
func EncodeFrameMasked(f *Frame, key [4]byte) []byte {
	return encodeFrame(f, true, key)
}

func encodeFrame(f *Frame, mask bool, key [4]byte) []byte {
	var b0 byte
	if f.Fin {
		b0 = 0x80
	}
	b0 |= byte(f.Opcode) & 0x0F

	plen := len(f.Payload)
	var hdr [14]byte
	hdr[0] = b0
	n := 2
	switch {
	case plen <= 125:
		hdr[1] = byte(plen)
	case plen <= 0xFFFF:
		hdr[1] = 126
		binary.BigEndian.PutUint16(hdr[2:], uint16(plen))
		n = 4
	default:
		hdr[1] = 127
		binary.BigEndian.PutUint64(hdr[2:], uint64(plen))
		n = 10
	}
	if mask {
		hdr[1] |= 0x80
		copy(hdr[n:], key[:])
		n += 4
	}

	out := make([]byte, n+plen)
	copy(out, hdr[:n])
	copy(out[n:], f.Payload)
	if mask {
		for i := 0; i < plen; i++ {
			out[n+i] ^= key[i%4]
		}
	}
	return out
}
