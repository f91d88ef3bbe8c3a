package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShortBuffer reports a message or file truncated before a field.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrMalformed reports a structurally invalid payload.
	ErrMalformed = errors.New("wire: malformed payload")
)

// ByteOrder is the byte order of every integer and float on the wire and in
// checkpoint files.
var ByteOrder = binary.LittleEndian

// Writer appends fixed-width fields to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer with capacity hint n.
func NewWriter(n int) *Writer {
	return &Writer{buf: make([]byte, 0, n)}
}

// Bytes returns the encoded bytes.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) Uint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) Int32(v int32) { w.buf = ByteOrder.AppendUint32(w.buf, uint32(v)) }

func (w *Writer) Uint32(v uint32) { w.buf = ByteOrder.AppendUint32(w.buf, v) }

func (w *Writer) Int64(v int64) { w.buf = ByteOrder.AppendUint64(w.buf, uint64(v)) }

func (w *Writer) Float64(v float64) {
	w.buf = ByteOrder.AppendUint64(w.buf, math.Float64bits(v))
}

// Float64s writes the values back to back, without a length prefix.
func (w *Writer) Float64s(vs []float64) {
	for _, v := range vs {
		w.Float64(v)
	}
}

// Int32s writes the values back to back, without a length prefix.
func (w *Writer) Int32s(vs []int32) {
	for _, v := range vs {
		w.Int32(v)
	}
}

// Uint32s writes the values back to back, without a length prefix.
func (w *Writer) Uint32s(vs []uint32) {
	for _, v := range vs {
		w.Uint32(v)
	}
}

// CString writes s followed by a NUL byte. s must not contain NUL.
func (w *Writer) CString(s string) {
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// FixedString writes s NUL-padded to exactly width bytes; s must leave room
// for at least one NUL.
func (w *Writer) FixedString(s string, width int) error {
	if len(s) >= width {
		return fmt.Errorf("string %q does not fit in %d bytes: %w", s, width, ErrMalformed)
	}
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, make([]byte, width-len(s))...)
	return nil
}

// Reader consumes fixed-width fields with bounds checks. The first failure
// is sticky: later reads return zero values and Err reports it.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader reads from buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int { return r.off }

func (r *Reader) take(n int, what string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = fmt.Errorf("reading %s (%d bytes) at offset %d of %d: %w", what, n, r.off, len(r.buf), ErrShortBuffer)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8(what string) uint8 {
	b := r.take(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Int32(what string) int32 {
	b := r.take(4, what)
	if b == nil {
		return 0
	}
	return int32(ByteOrder.Uint32(b))
}

func (r *Reader) Uint32(what string) uint32 {
	b := r.take(4, what)
	if b == nil {
		return 0
	}
	return ByteOrder.Uint32(b)
}

func (r *Reader) Int64(what string) int64 {
	b := r.take(8, what)
	if b == nil {
		return 0
	}
	return int64(ByteOrder.Uint64(b))
}

func (r *Reader) Float64(what string) float64 {
	b := r.take(8, what)
	if b == nil {
		return 0
	}
	return math.Float64frombits(ByteOrder.Uint64(b))
}

// Float64s reads n values into a fresh slice.
func (r *Reader) Float64s(n int, what string) []float64 {
	if n < 0 || r.err != nil || r.Remaining() < 8*n {
		r.take(8*n, what)
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = r.Float64(what)
	}
	return out
}

// Float64sInto fills dst.
func (r *Reader) Float64sInto(dst []float64, what string) {
	for i := range dst {
		dst[i] = r.Float64(what)
	}
}

// Int32s reads n values into a fresh slice.
func (r *Reader) Int32s(n int, what string) []int32 {
	if n < 0 || r.err != nil || r.Remaining() < 4*n {
		r.take(4*n, what)
		return nil
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = r.Int32(what)
	}
	return out
}

// Uint32s reads n values into a fresh slice.
func (r *Reader) Uint32s(n int, what string) []uint32 {
	if n < 0 || r.err != nil || r.Remaining() < 4*n {
		r.take(4*n, what)
		return nil
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = r.Uint32(what)
	}
	return out
}

// CString reads up to and including the next NUL byte.
func (r *Reader) CString(what string) string {
	if r.err != nil {
		return ""
	}
	i := bytes.IndexByte(r.buf[r.off:], 0)
	if i < 0 {
		r.err = fmt.Errorf("reading %s at offset %d: unterminated string: %w", what, r.off, ErrShortBuffer)
		return ""
	}
	s := string(r.buf[r.off : r.off+i])
	r.off += i + 1
	return s
}

// FixedString reads width bytes and trims the NUL padding.
func (r *Reader) FixedString(width int, what string) string {
	b := r.take(width, what)
	if b == nil {
		return ""
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Fail records err unless an earlier error is pending.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
