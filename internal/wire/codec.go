// Package wire implements the explicit, reflection-free binary encoding
// used for every persisted record and every message that crosses the
// network. Every Message type implements encoding.BinaryMarshaler and
// encoding.BinaryUnmarshaler by hand, and log-entry content types use
// hand-written Encode/Decode functions; nothing here uses reflection or a
// schema compiler.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a buffer ends before a framed field does.
var ErrShortBuffer = errors.New("wire: buffer too short")

// A writer accumulates a message body using explicit, length-prefixed
// fields. It never returns an error: growth is unbounded and allocation
// failure is not a condition this codec tries to recover from (matching
// the teacher's fail-fast style elsewhere).
type writer struct {
	buf []byte
}

func newWriter(sizeHint int) *writer {
	return &writer{buf: make([]byte, 0, sizeHint)}
}

func (w *writer) putUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) putUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) putUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) putInt64(v int64) { w.putUint64(uint64(v)) }

func (w *writer) putBool(v bool) {
	if v {
		w.putUint8(1)
	} else {
		w.putUint8(0)
	}
}

// putBytes writes a uint32 length prefix followed by raw bytes.
func (w *writer) putBytes(b []byte) {
	w.putUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) putString(s string) { w.putBytes([]byte(s)) }

// putOptionalBytes distinguishes absent (nil) from empty ([]byte{}).
func (w *writer) putOptionalBytes(b []byte) {
	if b == nil {
		w.putBool(false)
		return
	}
	w.putBool(true)
	w.putBytes(b)
}

func (w *writer) bytes() []byte { return w.buf }

// A reader consumes fields written by writer, tracking position and the
// first error encountered so call sites can chain reads and check once.
type reader struct {
	buf []byte
	pos int
	err error
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if r.pos+n > len(r.buf) {
		r.err = ErrShortBuffer
		return false
	}
	return true
}

func (r *reader) getUint8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *reader) getUint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) getUint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) getInt64() int64 { return int64(r.getUint64()) }

func (r *reader) getBool() bool { return r.getUint8() != 0 }

func (r *reader) getBytes() []byte {
	n := r.getUint32()
	if r.err != nil || !r.need(int(n)) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out
}

func (r *reader) getString() string { return string(r.getBytes()) }

func (r *reader) getOptionalBytes() []byte {
	if !r.getBool() {
		return nil
	}
	return r.getBytes()
}

func (r *reader) done() error {
	if r.err != nil {
		return fmt.Errorf("wire: decode: %w", r.err)
	}
	return nil
}
