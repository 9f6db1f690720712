// Package protocol defines the typed control-channel messages and
// their wire form: a 6-byte network-order frame header (16-bit kind,
// 32-bit payload length) followed by a binary message body.
//
// Bodies are hand-rolled big-endian encodings: length-prefixed
// strings and blobs, and a presence bitmask for messages with
// optional fields. The incremental Parser reassembles frames from an
// arbitrarily chunked byte stream.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Kind identifies a control-channel message type.
type Kind uint16

const (
	KindVersion       Kind = 0
	KindUDPTunnel     Kind = 1
	KindAuthenticate  Kind = 2
	KindPing          Kind = 3
	KindReject        Kind = 4
	KindServerSync    Kind = 5
	KindChannelRemove Kind = 6
	KindChannelState  Kind = 7
	KindUserRemove    Kind = 8
	KindUserState     Kind = 9
	KindCryptSetup    Kind = 15
	KindVoiceTarget   Kind = 19
)

// HeaderSize is the fixed frame header length.
const HeaderSize = 6

// MaxPayloadSize caps a single control frame. Anything larger is a
// protocol violation and poisons the stream.
const MaxPayloadSize = 1 << 22

var (
	// ErrFrameTooLarge is returned by the parser for frames whose
	// declared length exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum payload size")

	// ErrShortBody is returned when a message body ends mid-field.
	ErrShortBody = errors.New("protocol: message body truncated")
)

// Message is implemented by every control-channel message.
type Message interface {
	Kind() Kind
	Marshal() []byte
	Unmarshal(data []byte) error
}

// Encode produces a complete framed wire buffer for msg.
func Encode(msg Message) []byte {
	body := msg.Marshal()
	out := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(msg.Kind()))
	binary.BigEndian.PutUint32(out[2:6], uint32(len(body)))
	copy(out[HeaderSize:], body)
	return out
}

// EncodeRaw frames an already-serialized payload, used for tunneled
// voice data which has no message body of its own.
func EncodeRaw(kind Kind, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(kind))
	binary.BigEndian.PutUint32(out[2:6], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// FrameHandler receives each complete frame. The payload slice is
// only valid for the duration of the call.
type FrameHandler func(kind Kind, payload []byte)

// Parser reassembles frames from a chunked inbound byte stream.
type Parser struct {
	handler FrameHandler
	buf     []byte
}

// NewParser creates a Parser delivering frames to handler.
func NewParser(handler FrameHandler) *Parser {
	return &Parser{handler: handler}
}

// Reset drops any partially accumulated frame. Called whenever the
// secure session (re)activates so a stale prefix from a dead
// connection cannot corrupt the new stream.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}

// Feed appends stream bytes and dispatches every complete frame.
func (p *Parser) Feed(data []byte) error {
	p.buf = append(p.buf, data...)

	for len(p.buf) >= HeaderSize {
		kind := Kind(binary.BigEndian.Uint16(p.buf[0:2]))
		length := binary.BigEndian.Uint32(p.buf[2:6])
		if length > MaxPayloadSize {
			p.buf = p.buf[:0]
			return fmt.Errorf("%w: kind %d length %d", ErrFrameTooLarge, kind, length)
		}
		total := HeaderSize + int(length)
		if len(p.buf) < total {
			return nil
		}

		p.handler(kind, p.buf[HeaderSize:total])
		p.buf = append(p.buf[:0], p.buf[total:]...)
	}
	return nil
}

// bodyWriter accumulates a big-endian message body.
type bodyWriter struct {
	buf []byte
}

func (w *bodyWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *bodyWriter) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *bodyWriter) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *bodyWriter) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *bodyWriter) f32(v float32) {
	w.u32(math.Float32bits(v))
}

func (w *bodyWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *bodyWriter) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *bodyWriter) blob(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *bodyWriter) u32list(vs []uint32) {
	w.u16(uint16(len(vs)))
	for _, v := range vs {
		w.u32(v)
	}
}

// bodyReader consumes a message body, tracking truncation.
type bodyReader struct {
	buf []byte
	off int
	err error
}

func (r *bodyReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = ErrShortBody
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *bodyReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *bodyReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *bodyReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *bodyReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *bodyReader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *bodyReader) bool() bool {
	return r.u8() != 0
}

func (r *bodyReader) str() string {
	n := int(r.u16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *bodyReader) blob() []byte {
	n := int(r.u32())
	if n == 0 {
		return nil
	}
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *bodyReader) u32list() []uint32 {
	n := int(r.u16())
	if n == 0 {
		return nil
	}
	out := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.u32())
	}
	if r.err != nil {
		return nil
	}
	return out
}

func (r *bodyReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("protocol: %d trailing bytes in message body", len(r.buf)-r.off)
	}
	return nil
}
