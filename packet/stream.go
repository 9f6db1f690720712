// Package packet implements the compact binary codec used inside
// voice datagrams: Mumble variable-length integers, raw 32-bit
// floats, and length-counted byte runs.
//
// Both directions operate on bounded buffers. A Writer that runs out
// of room marks itself overfull and drops further appends; a Reader
// that hits a truncated field marks itself invalid and returns zero
// values from then on. Neither ever reads or writes out of bounds.
package packet

import (
	"encoding/binary"
	"math"
)

// Writer appends codec values into a fixed-capacity buffer.
type Writer struct {
	buf      []byte
	overfull bool
}

// NewWriter creates a Writer with the given byte capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded contents written so far.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return len(w.buf)
}

// Overfull reports whether any append was dropped for lack of room.
func (w *Writer) Overfull() bool {
	return w.overfull
}

func (w *Writer) append(b ...byte) {
	if w.overfull || len(w.buf)+len(b) > cap(w.buf) {
		w.overfull = true
		return
	}
	w.buf = append(w.buf, b...)
}

// PutByte appends a single raw byte.
func (w *Writer) PutByte(b byte) {
	w.append(b)
}

// PutBytes appends a raw byte run with no length prefix.
func (w *Writer) PutBytes(b []byte) {
	w.append(b...)
}

// PutUint64 appends v in the variable-length integer encoding.
func (w *Writer) PutUint64(v uint64) {
	// Negative-space values get the inverted escape forms.
	if v&0x8000000000000000 != 0 && ^v < 0x100000000 {
		inv := ^v
		if inv <= 0x3 {
			w.append(0xFC | byte(inv))
			return
		}
		w.append(0xF8)
		w.PutUint64(inv)
		return
	}

	switch {
	case v < 0x80:
		w.append(byte(v))
	case v < 0x4000:
		w.append(0x80|byte(v>>8), byte(v))
	case v < 0x200000:
		w.append(0xC0|byte(v>>16), byte(v>>8), byte(v))
	case v < 0x10000000:
		w.append(0xE0|byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	case v < 0x100000000:
		w.append(0xF0, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	default:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], v)
		w.append(0xF4)
		w.append(tmp[:]...)
	}
}

// PutFloat32 appends the raw 4-byte representation of f.
func (w *Writer) PutFloat32(f float32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(f))
	w.append(tmp[:]...)
}

// Reader consumes codec values from a received buffer.
type Reader struct {
	buf     []byte
	off     int
	invalid bool
}

// NewReader creates a Reader over data. The Reader does not copy;
// callers must not mutate data while reading.
func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

// Valid reports whether every read so far stayed inside the buffer.
func (r *Reader) Valid() bool {
	return !r.invalid
}

// Left returns the number of unconsumed bytes.
func (r *Reader) Left() int {
	return len(r.buf) - r.off
}

func (r *Reader) take(n int) []byte {
	if r.invalid || r.Left() < n {
		r.invalid = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Byte consumes a single raw byte.
func (r *Reader) Byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Bytes consumes n raw bytes.
func (r *Reader) Bytes(n int) []byte {
	return r.take(n)
}

// Uint64 consumes a variable-length integer.
func (r *Reader) Uint64() uint64 {
	v := r.Byte()
	if r.invalid {
		return 0
	}

	switch {
	case v&0x80 == 0:
		return uint64(v & 0x7F)
	case v&0xC0 == 0x80:
		return uint64(v&0x3F)<<8 | uint64(r.Byte())
	case v&0xF0 == 0xF0:
		switch v & 0xFC {
		case 0xF0:
			b := r.take(4)
			if b == nil {
				return 0
			}
			return uint64(binary.BigEndian.Uint32(b))
		case 0xF4:
			b := r.take(8)
			if b == nil {
				return 0
			}
			return binary.BigEndian.Uint64(b)
		case 0xF8:
			return ^r.Uint64()
		default: // 0xFC
			return ^uint64(v & 0x03)
		}
	case v&0xF0 == 0xE0:
		b := r.take(3)
		if b == nil {
			return 0
		}
		return uint64(v&0x0F)<<24 | uint64(b[0])<<16 | uint64(b[1])<<8 | uint64(b[2])
	default: // 110xxxxx
		b := r.take(2)
		if b == nil {
			return 0
		}
		return uint64(v&0x1F)<<16 | uint64(b[0])<<8 | uint64(b[1])
	}
}

// Float32 consumes a raw 4-byte float.
func (r *Reader) Float32() float32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
