// Package proto implements the framed wire protocol shared by the
// control socket and the master↔worker pipes: a 16-bit big-endian
// length followed by that many bytes of UTF-8 JSON. Command and
// message variants use adjacent tagging, an object carrying "cmd" and
// an optional "data" payload.
package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFrame wraps a JSON payload in a length prefix.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("frame too large: %d bytes", len(payload))
	}

	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(payload)))
	copy(frame[2:], payload)
	return frame, nil
}

// Decoder reassembles frames from a byte stream. It is restartable on
// partial input: Next reports false until a whole frame is buffered,
// and a successful decode consumes exactly the frame's bytes.
type Decoder struct {
	buf bytes.Buffer
}

// Write feeds raw stream bytes into the decoder.
func (d *Decoder) Write(p []byte) (int, error) {
	return d.buf.Write(p)
}

// Next returns the payload of the next complete frame, or false when
// more input is needed.
func (d *Decoder) Next() ([]byte, bool) {
	if d.buf.Len() < 2 {
		return nil, false
	}

	size := int(binary.BigEndian.Uint16(d.buf.Bytes()))
	if d.buf.Len() < size+2 {
		return nil, false
	}

	d.buf.Next(2)
	payload := make([]byte, size)
	copy(payload, d.buf.Next(size))
	return payload, true
}

// Buffered reports how many undecoded bytes are pending.
func (d *Decoder) Buffered() int { return d.buf.Len() }
