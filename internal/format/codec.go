package format

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/staden/gapdb/internal/encoding"
)

// Codec reads and writes headers and index entries for one {format, byte
// order} pair. It is resolved once when a store is opened and carried by
// the open file.
type Codec struct {
	format Format
	order  binary.ByteOrder
}

// NewCodec returns the codec for the given format and byte order.
// A nil order selects the host byte order.
func NewCodec(f Format, order binary.ByteOrder) (*Codec, error) {
	if f != Format32 && f != Format64 {
		return nil, fmt.Errorf("%w: %d", ErrBadFormat, int32(f))
	}
	if order == nil {
		order = encoding.HostOrder
	}
	return &Codec{format: f, order: order}, nil
}

// Format returns the on-disk word size.
func (c *Codec) Format() Format { return c.format }

// Order returns the on-disk byte order.
func (c *Codec) Order() binary.ByteOrder { return c.order }

// Swapped reports whether the file byte order differs from the host's.
func (c *Codec) Swapped() bool { return encoding.Swapped(c.order) }

// String describes the codec, e.g. "64-bit little-endian".
func (c *Codec) String() string {
	return c.format.String() + " " + encoding.OrderName(c.order) + "-endian"
}

// SlotSize returns the encoded size of one toggle slot.
func (c *Codec) SlotSize() int64 {
	if c.format == Format32 {
		return 12
	}
	return 16
}

// IndexSize returns the encoded size of one AuxIndex entry.
func (c *Codec) IndexSize() int64 {
	return 2 * c.SlotSize()
}

// SeekIndex returns the offset of record rec's entry in the index file.
func (c *Codec) SeekIndex(rec int32) int64 {
	return HeaderSize + int64(rec)*c.IndexSize()
}

// EncodeHeader encodes h in the codec's layout.
func (c *Codec) EncodeHeader(h *AuxHeader) ([]byte, error) {
	b := encoding.NewBuilder(c.order, make([]byte, 0, HeaderSize))
	if c.format == Format32 {
		if h.FileSize > math.MaxInt32 || h.FreeRecord > math.MaxInt32 {
			return nil, fmt.Errorf("%w: file size %d, free record %d", ErrFormatMismatch, h.FileSize, h.FreeRecord)
		}
		b.PutInt32(int32(h.FileSize))
	} else {
		b.PutInt64(h.FileSize)
	}
	b.PutInt32(h.BlockSize)
	b.PutInt32(h.NumRecords)
	b.PutInt32(h.MaxRecords)
	b.PutInt32(h.LastTime)
	b.PutInt16(h.Flags)
	b.PutInt16(h.Spare1)
	b.PutInt32(h.FreeTime)
	if c.format == Format32 {
		b.PutInt32(int32(h.FreeRecord))
		b.Pad(HeaderSize - b.Len())
	} else {
		b.PutInt64(h.FreeRecord)
		b.Pad(HeaderSize - 4 - b.Len())
		b.PutInt32(int32(Format64))
	}
	return b.Bytes(), nil
}

// DecodeHeader decodes a header in the codec's layout.
func (c *Codec) DecodeHeader(buf []byte) (AuxHeader, error) {
	if len(buf) < HeaderSize {
		return AuxHeader{}, fmt.Errorf("%w: header is %d bytes", ErrShortBuffer, len(buf))
	}
	s := encoding.NewSlice(c.order, buf[:HeaderSize])
	h := AuxHeader{Format: c.format}
	if c.format == Format32 {
		v, _ := s.GetInt32()
		h.FileSize = int64(v)
	} else {
		h.FileSize, _ = s.GetInt64()
	}
	h.BlockSize, _ = s.GetInt32()
	h.NumRecords, _ = s.GetInt32()
	h.MaxRecords, _ = s.GetInt32()
	h.LastTime, _ = s.GetInt32()
	h.Flags, _ = s.GetInt16()
	h.Spare1, _ = s.GetInt16()
	h.FreeTime, _ = s.GetInt32()
	if c.format == Format32 {
		v, _ := s.GetInt32()
		h.FreeRecord = int64(v)
	} else {
		h.FreeRecord, _ = s.GetInt64()
	}
	return h, nil
}

// encodeSlot appends the encoding of one slot to b.
func (c *Codec) encodeSlot(b *encoding.Builder, s Slot) error {
	if c.format == Format32 {
		if s.Image > math.MaxInt32 || s.Image < math.MinInt32 {
			return fmt.Errorf("%w: image offset %d", ErrFormatMismatch, s.Image)
		}
		b.PutInt32(int32(s.Image))
	} else {
		b.PutInt64(s.Image)
	}
	b.PutInt32(s.Time)
	b.PutInt32(s.Used)
	return nil
}

func (c *Codec) decodeSlot(s *encoding.Slice) (Slot, bool) {
	var slot Slot
	if c.format == Format32 {
		v, ok := s.GetInt32()
		if !ok {
			return slot, false
		}
		slot.Image = int64(v)
	} else {
		v, ok := s.GetInt64()
		if !ok {
			return slot, false
		}
		slot.Image = v
	}
	var ok1, ok2 bool
	slot.Time, ok1 = s.GetInt32()
	slot.Used, ok2 = s.GetInt32()
	return slot, ok1 && ok2
}

// EncodeSlot encodes a single toggle slot.
func (c *Codec) EncodeSlot(s Slot) ([]byte, error) {
	b := encoding.NewBuilder(c.order, make([]byte, 0, c.SlotSize()))
	if err := c.encodeSlot(b, s); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// EncodeIndex encodes both slots of an entry.
func (c *Codec) EncodeIndex(ai *AuxIndex) ([]byte, error) {
	b := encoding.NewBuilder(c.order, make([]byte, 0, c.IndexSize()))
	for _, s := range ai.Slots {
		if err := c.encodeSlot(b, s); err != nil {
			return nil, err
		}
	}
	return b.Bytes(), nil
}

// DecodeIndex decodes one entry.
func (c *Codec) DecodeIndex(buf []byte) (AuxIndex, error) {
	s := encoding.NewSlice(c.order, buf)
	var ai AuxIndex
	for i := range ai.Slots {
		slot, ok := c.decodeSlot(s)
		if !ok {
			return AuxIndex{}, fmt.Errorf("%w: index entry is %d bytes", ErrShortBuffer, len(buf))
		}
		ai.Slots[i] = slot
	}
	return ai, nil
}

// -----------------------------------------------------------------------------
// File I/O
// -----------------------------------------------------------------------------

// WriteHeader writes h at the start of w.
func (c *Codec) WriteHeader(w io.WriterAt, h *AuxHeader) error {
	buf, err := c.EncodeHeader(h)
	if err != nil {
		return err
	}
	_, err = w.WriteAt(buf, 0)
	return err
}

// ReadHeader reads and validates the header of r.
func (c *Codec) ReadHeader(r io.ReaderAt) (AuxHeader, error) {
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return AuxHeader{}, fmt.Errorf("%w: truncated", ErrBadHeader)
		}
		return AuxHeader{}, err
	}
	h, err := c.DecodeHeader(buf)
	if err != nil {
		return AuxHeader{}, err
	}
	if err := h.Validate(); err != nil {
		return AuxHeader{}, err
	}
	return h, nil
}

// WriteIndex writes both slots of record rec's entry.
func (c *Codec) WriteIndex(w io.WriterAt, rec int32, ai *AuxIndex) error {
	buf, err := c.EncodeIndex(ai)
	if err != nil {
		return err
	}
	_, err = w.WriteAt(buf, c.SeekIndex(rec))
	return err
}

// WriteSlot writes one toggle slot of record rec's entry, leaving the other
// slot untouched on disk.
func (c *Codec) WriteSlot(w io.WriterAt, rec int32, slot int, s Slot) error {
	buf, err := c.EncodeSlot(s)
	if err != nil {
		return err
	}
	_, err = w.WriteAt(buf, c.SeekIndex(rec)+int64(slot)*c.SlotSize())
	return err
}

// ReadIndex reads record rec's entry. Bytes past the end of the file read
// as zero, which decodes to an entry with no image.
func (c *Codec) ReadIndex(r io.ReaderAt, rec int32) (AuxIndex, error) {
	entries, err := c.ReadIndexBlock(r, rec, 1)
	if err != nil {
		return AuxIndex{}, err
	}
	return entries[0], nil
}

// ReadIndexBlock reads n consecutive entries starting at record first.
func (c *Codec) ReadIndexBlock(r io.ReaderAt, first int32, n int) ([]AuxIndex, error) {
	size := c.IndexSize()
	buf := make([]byte, int64(n)*size)
	if _, err := r.ReadAt(buf, c.SeekIndex(first)); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	out := make([]AuxIndex, n)
	for i := range out {
		ai, err := c.DecodeIndex(buf[int64(i)*size : int64(i+1)*size])
		if err != nil {
			return nil, err
		}
		out[i] = ai
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Detection
// -----------------------------------------------------------------------------

// maxBlockSize bounds the block size accepted while guessing a 32-bit
// file's byte order.
const maxBlockSize = 1 << 24

func plausibleBlockSize(bs uint32) bool {
	return bs > 0 && bs <= maxBlockSize
}

// plausible32 reports whether buf reads as a consistent 32-bit header in
// order, and returns the block size it reads.
func plausible32(buf []byte, order binary.ByteOrder) (uint32, bool) {
	bs := order.Uint32(buf[4:])
	num := int32(order.Uint32(buf[8:]))
	maxRecs := int32(order.Uint32(buf[12:]))
	lastTime := int32(order.Uint32(buf[16:]))
	freeTime := int32(order.Uint32(buf[24:]))
	ok := plausibleBlockSize(bs) && num >= 0 && num <= maxRecs && lastTime >= 0 && freeTime >= 0
	return bs, ok
}

// Detect senses the format and byte order of an existing index file from its
// header.
//
// The last header word is the format word in the 64-bit layout and a zero
// spare in the 32-bit layout. A value of 1 in either byte order identifies a
// 64-bit file in that order. A zero word identifies a 32-bit file, whose
// byte order is the one under which the header fields are consistent. When
// both orders are, the one giving the smaller block size wins.
func Detect(r io.ReaderAt) (*Codec, error) {
	buf := make([]byte, HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: truncated", ErrBadHeader)
		}
		return nil, err
	}
	return DetectBytes(buf)
}

// DetectBytes is Detect over an in-memory header.
func DetectBytes(buf []byte) (*Codec, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes", ErrShortBuffer, len(buf))
	}
	word := buf[HeaderSize-4:]
	le := binary.LittleEndian.Uint32(word)
	be := binary.BigEndian.Uint32(word)

	var f Format
	var order binary.ByteOrder
	switch {
	case le == uint32(Format64):
		f, order = Format64, binary.LittleEndian
	case be == uint32(Format64):
		f, order = Format64, binary.BigEndian
	case le == 0:
		f = Format32
		host := encoding.HostOrder
		other := binary.ByteOrder(binary.BigEndian)
		if encoding.OrderName(host) == "big" {
			other = binary.LittleEndian
		}
		hostBS, hostOK := plausible32(buf, host)
		otherBS, otherOK := plausible32(buf, other)
		switch {
		case hostOK && otherOK:
			// A byte-swapped small block size reads as a large one.
			order = host
			if otherBS < hostBS {
				order = other
			}
		case hostOK:
			order = host
		case otherOK:
			order = other
		default:
			return nil, fmt.Errorf("%w: implausible 32-bit header", ErrBadHeader)
		}
	default:
		return nil, fmt.Errorf("%w: format word %#x", ErrBadFormat, le)
	}

	c := &Codec{format: f, order: order}
	if f == Format64 && !plausibleBlockSize(order.Uint32(buf[8:12])) {
		return nil, fmt.Errorf("%w: implausible block size", ErrBadHeader)
	}
	return c, nil
}
