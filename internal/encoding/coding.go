// Package encoding provides the fixed-width field encoding used by the
// gapdb on-disk structures.
//
// A store is written in the byte order of the host that created it and is
// read back in that order on every later host, so every encoder here carries
// an explicit binary.ByteOrder instead of assuming little-endian.
package encoding

import (
	"encoding/binary"
	"errors"
)

// ErrBufferTooSmall is returned when a Slice runs out of bytes.
var ErrBufferTooSmall = errors.New("encoding: buffer too small")

// HostOrder is the native byte order of the running process.
var HostOrder = hostOrder()

func hostOrder() binary.ByteOrder {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], 1)
	if b[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Swapped reports whether order differs from the host byte order.
func Swapped(order binary.ByteOrder) bool {
	return OrderName(order) != OrderName(HostOrder)
}

// OrderName returns "little" or "big".
func OrderName(order binary.ByteOrder) string {
	var b [2]byte
	order.PutUint16(b[:], 1)
	if b[0] == 1 {
		return "little"
	}
	return "big"
}

// -----------------------------------------------------------------------------
// Fixed-width little-endian helpers (export frames, checksums)
// -----------------------------------------------------------------------------

// EncodeFixed32 encodes a uint32 into a 4-byte little-endian buffer.
// REQUIRES: dst has at least 4 bytes.
func EncodeFixed32(dst []byte, value uint32) {
	binary.LittleEndian.PutUint32(dst, value)
}

// DecodeFixed32 decodes a uint32 from a 4-byte little-endian buffer.
// REQUIRES: src has at least 4 bytes.
func DecodeFixed32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// AppendFixed32 appends a little-endian uint32 to dst and returns the extended slice.
func AppendFixed32(dst []byte, value uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, value)
}

// -----------------------------------------------------------------------------
// Order-aware builder
// -----------------------------------------------------------------------------

// Builder appends fixed-width fields in a chosen byte order.
type Builder struct {
	order binary.ByteOrder
	buf   []byte
}

// NewBuilder returns a Builder that appends to buf.
func NewBuilder(order binary.ByteOrder, buf []byte) *Builder {
	return &Builder{order: order, buf: buf}
}

// PutInt16 appends a 16-bit field.
func (b *Builder) PutInt16(v int16) {
	var tmp [2]byte
	b.order.PutUint16(tmp[:], uint16(v))
	b.buf = append(b.buf, tmp[:]...)
}

// PutInt32 appends a 32-bit field.
func (b *Builder) PutInt32(v int32) {
	b.PutUint32(uint32(v))
}

// PutUint32 appends an unsigned 32-bit field.
func (b *Builder) PutUint32(v uint32) {
	var tmp [4]byte
	b.order.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// PutInt64 appends a 64-bit field.
func (b *Builder) PutInt64(v int64) {
	var tmp [8]byte
	b.order.PutUint64(tmp[:], uint64(v))
	b.buf = append(b.buf, tmp[:]...)
}

// Pad appends n zero bytes.
func (b *Builder) Pad(n int) {
	for range n {
		b.buf = append(b.buf, 0)
	}
}

// Len returns the number of bytes built so far.
func (b *Builder) Len() int {
	return len(b.buf)
}

// Bytes returns the built buffer.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// -----------------------------------------------------------------------------
// Order-aware reader
// -----------------------------------------------------------------------------

// Slice consumes fixed-width fields from a byte buffer.
// Getters return ok=false once the buffer is exhausted.
type Slice struct {
	order binary.ByteOrder
	data  []byte
}

// NewSlice returns a Slice over data decoded in the given byte order.
func NewSlice(order binary.ByteOrder, data []byte) *Slice {
	return &Slice{order: order, data: data}
}

// Remaining returns the number of bytes not yet consumed.
func (s *Slice) Remaining() int {
	return len(s.data)
}

// Advance skips n bytes.
func (s *Slice) Advance(n int) bool {
	if len(s.data) < n {
		return false
	}
	s.data = s.data[n:]
	return true
}

// GetInt16 consumes a 16-bit field.
func (s *Slice) GetInt16() (int16, bool) {
	if len(s.data) < 2 {
		return 0, false
	}
	v := s.order.Uint16(s.data)
	s.data = s.data[2:]
	return int16(v), true
}

// GetInt32 consumes a 32-bit field.
func (s *Slice) GetInt32() (int32, bool) {
	v, ok := s.GetUint32()
	return int32(v), ok
}

// GetUint32 consumes an unsigned 32-bit field.
func (s *Slice) GetUint32() (uint32, bool) {
	if len(s.data) < 4 {
		return 0, false
	}
	v := s.order.Uint32(s.data)
	s.data = s.data[4:]
	return v, true
}

// GetInt64 consumes a 64-bit field.
func (s *Slice) GetInt64() (int64, bool) {
	if len(s.data) < 8 {
		return 0, false
	}
	v := s.order.Uint64(s.data)
	s.data = s.data[8:]
	return int64(v), true
}
