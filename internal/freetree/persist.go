package freetree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/staden/gapdb/internal/checksum"
	"github.com/staden/gapdb/internal/encoding"
)

// Saved tree format, in the byte order of the store:
//
//	+---------------------+-----+---------------------+------------+-----------+----------+
//	| Pos (8B) | Len (8B) | ... | Pos (8B) | Len (8B) | Rover (8B) | Time (4B) | XXH3 (4B)|
//	+---------------------+-----+---------------------+------------+-----------+----------+
//
// Extents are written in position order. Rover is the position of the
// rover extent, or -1 if the tree has none. The checksum is the low 32 bits
// of the XXH3 hash of every preceding byte.

const (
	extentSize  = 16
	trailerSize = 16
	noRover     = -1
)

var (
	// ErrChecksum is returned by Decode when the blob checksum does not
	// match its contents.
	ErrChecksum = errors.New("freetree: checksum mismatch")

	// ErrCorruptBlob is returned by Decode for a blob that is not a valid
	// encoding of a tree.
	ErrCorruptBlob = errors.New("freetree: corrupt saved tree")
)

// Encode serializes the tree stamped with timestamp.
func (t *Tree) Encode(order binary.ByteOrder, timestamp int32) []byte {
	b := encoding.NewBuilder(order, make([]byte, 0, t.count*extentSize+trailerSize))
	t.walk(func(n *node) {
		b.PutInt64(n.pos)
		b.PutInt64(n.len)
	})
	rover := int64(noRover)
	if t.rover != nilNode {
		rover = t.nodes[t.rover].pos
	}
	b.PutInt64(rover)
	b.PutInt32(timestamp)
	b.PutUint32(checksum.XXH3Checksum32(b.Bytes()))
	return b.Bytes()
}

// Decode rebuilds a tree over [base, limit) from a blob produced by Encode
// and returns it with the timestamp it was saved against. The rebuilt tree
// is perfectly balanced and keeps the saved rover, so it allocates exactly
// as the saved tree would have.
func Decode(data []byte, order binary.ByteOrder, base, limit int64) (*Tree, int32, error) {
	if len(data) < trailerSize || (len(data)-trailerSize)%extentSize != 0 {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrCorruptBlob, len(data))
	}
	body := data[:len(data)-4]
	want := order.Uint32(data[len(data)-4:])
	if got := checksum.XXH3Checksum32(body); got != want {
		return nil, 0, fmt.Errorf("%w: got %#08x, want %#08x", ErrChecksum, got, want)
	}

	n := (len(data) - trailerSize) / extentSize
	extents := make([]Extent, n)
	s := encoding.NewSlice(order, body)
	prevEnd := base
	for i := range extents {
		pos, _ := s.GetInt64()
		length, _ := s.GetInt64()
		if length <= 0 || pos < prevEnd || pos+length > limit || pos+length < pos {
			return nil, 0, fmt.Errorf("%w: extent %d [%d,+%d)", ErrCorruptBlob, i, pos, length)
		}
		extents[i] = Extent{Pos: pos, Len: length}
		prevEnd = pos + length
	}
	roverPos, _ := s.GetInt64()
	timestamp, _ := s.GetInt32()

	t := FromExtents(extents, base, limit)
	if roverPos != noRover {
		idx := t.floor(roverPos)
		if idx == nilNode || t.nodes[idx].pos != roverPos {
			return nil, 0, fmt.Errorf("%w: rover %d is not a free extent", ErrCorruptBlob, roverPos)
		}
		t.rover = idx
	}
	return t, timestamp, nil
}

// FromExtents builds a balanced tree from sorted, disjoint extents.
func FromExtents(extents []Extent, base, limit int64) *Tree {
	t := &Tree{
		nodes:      make([]node, 0, len(extents)),
		root:       nilNode,
		rover:      nilNode,
		wilderness: nilNode,
		base:       base,
		limit:      limit,
	}
	t.root = t.build(extents)
	t.refreshWilderness()
	return t
}

func (t *Tree) build(extents []Extent) int32 {
	if len(extents) == 0 {
		return nilNode
	}
	mid := len(extents) / 2
	idx := t.newNode(extents[mid].Pos, extents[mid].Len)
	l := t.build(extents[:mid])
	r := t.build(extents[mid+1:])
	t.nodes[idx].left = l
	t.nodes[idx].right = r
	t.fix(idx)
	return idx
}
