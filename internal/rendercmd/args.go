package rendercmd

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/rhi/internal/fault"
)

// Argument sizes in bytes.
const (
	SizeUint32  = 4
	SizeUint64  = 8
	SizeFloat32 = 4
)

// ArgWriter packs little-endian scalars into an argument block.
// Writes past the end of the block are contract violations and are dropped.
type ArgWriter struct {
	buf []byte
	off int
}

// NewArgWriter returns a writer over block.
func NewArgWriter(block []byte) *ArgWriter {
	return &ArgWriter{buf: block}
}

func (w *ArgWriter) reserve(n int) []byte {
	if !fault.Assert(n <= len(w.buf)-w.off, "argument write of %d bytes at %d overflows %d-byte block",
		n, w.off, len(w.buf)) {
		return nil
	}
	b := w.buf[w.off : w.off+n]
	w.off += n
	return b
}

// Uint32 appends v.
func (w *ArgWriter) Uint32(v uint32) *ArgWriter {
	if b := w.reserve(SizeUint32); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
	return w
}

// Uint64 appends v.
func (w *ArgWriter) Uint64(v uint64) *ArgWriter {
	if b := w.reserve(SizeUint64); b != nil {
		binary.LittleEndian.PutUint64(b, v)
	}
	return w
}

// Float32 appends v.
func (w *ArgWriter) Float32(v float32) *ArgWriter {
	return w.Uint32(math.Float32bits(v))
}

// Bytes appends p verbatim.
func (w *ArgWriter) Bytes(p []byte) *ArgWriter {
	if b := w.reserve(len(p)); b != nil {
		copy(b, p)
	}
	return w
}

// Len returns the number of bytes written.
func (w *ArgWriter) Len() int { return w.off }

// ArgReader unpacks scalars written by ArgWriter. Reads past the end of
// the block return zero.
type ArgReader struct {
	buf []byte
	off int
}

// NewArgReader returns a reader over block.
func NewArgReader(block []byte) *ArgReader {
	return &ArgReader{buf: block}
}

func (r *ArgReader) next(n int) []byte {
	if n > len(r.buf)-r.off {
		r.off = len(r.buf)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Uint32 reads the next uint32.
func (r *ArgReader) Uint32() uint32 {
	if b := r.next(SizeUint32); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// Uint64 reads the next uint64.
func (r *ArgReader) Uint64() uint64 {
	if b := r.next(SizeUint64); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// Float32 reads the next float32.
func (r *ArgReader) Float32() float32 {
	return math.Float32frombits(r.Uint32())
}

// Bytes reads the next n bytes. The result aliases the block.
func (r *ArgReader) Bytes(n int) []byte {
	return r.next(n)
}

// Remaining returns the number of unread bytes.
func (r *ArgReader) Remaining() int { return len(r.buf) - r.off }
