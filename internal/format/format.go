// Package format defines the on-disk layout of the auxiliary index file and
// the codec that reads and writes it.
//
// File Format:
// The index file starts with a 64-byte AuxHeader, followed by one fixed-size
// AuxIndex entry per record, optionally followed by a saved free-tree blob.
//
//	+-------------+------------+------------+-----+-----------------+
//	| AuxHeader   | AuxIndex 0 | AuxIndex 1 | ... | free-tree blob  |
//	+-------------+------------+------------+-----+-----------------+
//
// Two layouts exist. The 64-bit layout stores file offsets as 64-bit fields
// and carries a format word of 1 in its last four bytes. The 32-bit layout
// stores offsets as 32-bit fields and its last header word is always zero.
// Every multi-byte field is written in the byte order of the host that
// created the store.
//
// 64-bit AuxHeader:
//
//	+-----------+---------+---------+---------+----------+-------+--------+
//	| FileSize  | BlkSize | NumRecs | MaxRecs | LastTime | Flags | Spare1 |
//	|   (8B)    |  (4B)   |  (4B)   |  (4B)   |   (4B)   | (2B)  |  (2B)  |
//	+-----------+---------+---------+---------+----------+-------+--------+
//	| FreeTime  | FreeRecord | Spare[5] | Format |
//	|   (4B)    |    (8B)    |  (20B)   |  (4B)  |
//	+-----------+------------+----------+--------+
//
// 32-bit AuxHeader:
//
//	+----------+---------+---------+---------+----------+-------+--------+
//	| FileSize | BlkSize | NumRecs | MaxRecs | LastTime | Flags | Spare1 |
//	|   (4B)   |  (4B)   |  (4B)   |  (4B)   |   (4B)   | (2B)  |  (2B)  |
//	+----------+---------+---------+---------+----------+-------+--------+
//	| FreeTime | FreeRecord | Spare[8] (last word zero) |
//	|   (4B)   |    (4B)    |          (32B)            |
//	+----------+------------+---------------------------+
//
// AuxIndex entry: two toggle slots of {Image, Time, Used}. Image is 8 bytes
// in the 64-bit layout and 4 bytes in the 32-bit layout; Time and Used are
// always 4 bytes.
package format

import (
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the size of the AuxHeader in both layouts.
const HeaderSize = 64

// NoImage marks a slot that holds no data.
const NoImage int64 = -1

// HeaderFlagBlockSizeChanged is set once the block size of a store has been
// changed. Images written before the change are not block aligned, so replay
// registers exactly Used bytes per image instead of a rounded length.
const HeaderFlagBlockSizeChanged int16 = 1 << 0

// Format is the on-disk word size of offsets.
// These values are embedded in the on-disk format and MUST NOT change.
type Format int32

const (
	// Format32 stores offsets and sizes in 32-bit fields.
	Format32 Format = 0

	// Format64 stores file offsets in 64-bit fields.
	Format64 Format = 1
)

// String returns "32-bit" or "64-bit".
func (f Format) String() string {
	switch f {
	case Format32:
		return "32-bit"
	case Format64:
		return "64-bit"
	default:
		return fmt.Sprintf("Format(%d)", int32(f))
	}
}

// MaxOffset returns the largest file offset representable in the format.
func (f Format) MaxOffset() int64 {
	if f == Format32 {
		return math.MaxInt32
	}
	return math.MaxInt64
}

var (
	// ErrBadHeader is returned when the header cannot be decoded or fails
	// validation.
	ErrBadHeader = errors.New("format: bad header")

	// ErrBadFormat is returned for an unknown format word or byte order.
	ErrBadFormat = errors.New("format: unknown format")

	// ErrFormatMismatch is returned when a value does not fit the
	// 32-bit layout.
	ErrFormatMismatch = errors.New("format: value does not fit 32-bit format")

	// ErrShortBuffer is returned when decoding from a truncated buffer.
	ErrShortBuffer = errors.New("format: short buffer")
)

// AuxHeader is the in-memory form of the index file header. The 32-bit
// layout is widened to these fields on read and narrowed on write.
type AuxHeader struct {
	FileSize   int64
	BlockSize  int32
	NumRecords int32
	MaxRecords int32
	LastTime   int32
	Flags      int16
	Spare1     int16
	FreeTime   int32
	FreeRecord int64
	Format     Format
}

// BlockSizeChanged reports whether HeaderFlagBlockSizeChanged is set.
func (h *AuxHeader) BlockSizeChanged() bool {
	return h.Flags&HeaderFlagBlockSizeChanged != 0
}

// Validate checks the fields that every well-formed header satisfies.
func (h *AuxHeader) Validate() error {
	switch {
	case h.BlockSize <= 0:
		return fmt.Errorf("%w: block size %d", ErrBadHeader, h.BlockSize)
	case h.NumRecords < 0:
		return fmt.Errorf("%w: num records %d", ErrBadHeader, h.NumRecords)
	case h.MaxRecords < h.NumRecords:
		return fmt.Errorf("%w: max records %d < num records %d", ErrBadHeader, h.MaxRecords, h.NumRecords)
	case h.FileSize < 0:
		return fmt.Errorf("%w: file size %d", ErrBadHeader, h.FileSize)
	}
	return nil
}

// Slot is one toggle of an AuxIndex entry.
type Slot struct {
	Image int64
	Time  int32
	Used  int32
}

// EmptySlot is the value of a slot that has never been written.
var EmptySlot = Slot{Image: NoImage}

// HasImage reports whether the slot points at stored data.
// A zero-filled slot read from a sparse or short index file has no image.
func (s Slot) HasImage() bool {
	return s.Image >= 0 && s.Used > 0
}

// AuxIndex is the on-disk entry of one record: two toggle slots.
type AuxIndex struct {
	Slots [2]Slot
}

// EmptyIndex returns the entry written when a record is first referenced.
func EmptyIndex() AuxIndex {
	return AuxIndex{Slots: [2]Slot{EmptySlot, EmptySlot}}
}

// Authoritative returns the slot that is valid for lastTime: the one with
// the greatest Time not exceeding lastTime. Ties go to slot 0. It returns -1
// if both slots are newer than lastTime.
func (ai *AuxIndex) Authoritative(lastTime int32) int {
	best := -1
	for i, s := range ai.Slots {
		if s.Time > lastTime {
			continue
		}
		if best < 0 || s.Time > ai.Slots[best].Time {
			best = i
		}
	}
	return best
}

// Current returns the authoritative slot for lastTime, or EmptySlot.
func (ai *AuxIndex) Current(lastTime int32) Slot {
	i := ai.Authoritative(lastTime)
	if i < 0 {
		return EmptySlot
	}
	s := ai.Slots[i]
	if !s.HasImage() {
		return Slot{Image: NoImage, Time: s.Time}
	}
	return s
}

// Target returns the slot a commit against lastTime writes to. A slot
// already written by an uncommitted batch (Time > lastTime) is reused so a
// record updated twice before a header write never touches its
// authoritative slot.
func (ai *AuxIndex) Target(lastTime int32) int {
	for i, s := range ai.Slots {
		if s.Time > lastTime {
			return i
		}
	}
	if ai.Authoritative(lastTime) == 0 {
		return 1
	}
	return 0
}

// ClearFuture resets slots newer than lastTime. It reports whether anything
// changed.
func (ai *AuxIndex) ClearFuture(lastTime int32) bool {
	changed := false
	for i := range ai.Slots {
		if ai.Slots[i].Time > lastTime {
			ai.Slots[i] = EmptySlot
			changed = true
		}
	}
	return changed
}

// RoundUp rounds n up to a multiple of blockSize.
func RoundUp(n, blockSize int64) int64 {
	if blockSize <= 0 {
		return n
	}
	if r := n % blockSize; r != 0 {
		return n - r + blockSize
	}
	return n
}
