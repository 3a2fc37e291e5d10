// Package freetree implements the free-space allocator of the data file.
//
// The tree holds the free extents of the file as an AVL tree ordered by
// position. Nodes live in an arena and link to each other by index; deleted
// slots go on a free list and are reused by later inserts. Every node caches
// the largest extent length in its subtree, so first-fit allocation is
// O(log n).
//
// A fresh tree holds one extent covering the whole address space. The
// rightmost extent, when it reaches the end of that space, is the
// wilderness: free space that grows the file when allocated from.
//
// The tree is not safe for concurrent use.
package freetree

import (
	"errors"
	"fmt"
)

var (
	// ErrOverlap is returned by Register when the range is not wholly
	// inside a single free extent.
	ErrOverlap = errors.New("freetree: range overlaps allocated space")

	// ErrNotFound is returned by Unregister when the range is already
	// (partly) free or lies outside the tree.
	ErrNotFound = errors.New("freetree: range not allocated")

	// ErrNoSpace is returned by Allocate when no extent is large enough.
	ErrNoSpace = errors.New("freetree: no space")

	// ErrInvalidLength is returned for a negative length, or a zero
	// length passed to Allocate.
	ErrInvalidLength = errors.New("freetree: invalid length")
)

const nilNode int32 = -1

// Extent is a free byte range [Pos, Pos+Len).
type Extent struct {
	Pos int64
	Len int64
}

// End returns Pos+Len.
func (e Extent) End() int64 { return e.Pos + e.Len }

type node struct {
	left, right int32
	height      int32
	pos, len    int64
	maxLen      int64 // largest len in this subtree
}

// Tree is the free-extent tree.
type Tree struct {
	nodes    []node
	freeList []int32
	root     int32
	count    int

	rover      int32 // most recently touched extent
	wilderness int32 // rightmost extent if it reaches limit

	base  int64
	limit int64
}

// New returns a tree with a single free extent [pos, pos+length).
func New(pos, length int64) *Tree {
	t := &Tree{
		root:       nilNode,
		rover:      nilNode,
		wilderness: nilNode,
		base:       pos,
		limit:      pos + length,
	}
	if length > 0 {
		t.root = t.insert(t.root, pos, length)
	}
	t.refreshWilderness()
	return t
}

// Base returns the start of the address space.
func (t *Tree) Base() int64 { return t.base }

// Limit returns the end of the address space.
func (t *Tree) Limit() int64 { return t.limit }

// Len returns the number of free extents.
func (t *Tree) Len() int { return t.count }

// Destroy releases the node storage. The tree is empty afterwards.
func (t *Tree) Destroy() {
	t.nodes = nil
	t.freeList = nil
	t.root = nilNode
	t.rover = nilNode
	t.wilderness = nilNode
	t.count = 0
}

// ResetRover forgets the allocation hint.
func (t *Tree) ResetRover() { t.rover = nilNode }

// Wilderness returns the extent that runs to the end of the address space.
func (t *Tree) Wilderness() (Extent, bool) {
	if t.wilderness == nilNode {
		return Extent{}, false
	}
	n := &t.nodes[t.wilderness]
	return Extent{Pos: n.pos, Len: n.len}, true
}

// Extents returns the free extents in position order.
func (t *Tree) Extents() []Extent {
	out := make([]Extent, 0, t.count)
	t.walk(func(n *node) {
		out = append(out, Extent{Pos: n.pos, Len: n.len})
	})
	return out
}

// Register marks [pos, pos+length) as in use. The range must lie inside a
// single free extent.
func (t *Tree) Register(pos, length int64) error {
	if length < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if length == 0 {
		return nil
	}
	idx := t.floor(pos)
	if idx == nilNode {
		return fmt.Errorf("%w: [%d,+%d)", ErrOverlap, pos, length)
	}
	n := t.nodes[idx]
	end := pos + length
	if end > n.pos+n.len || end < pos {
		return fmt.Errorf("%w: [%d,+%d)", ErrOverlap, pos, length)
	}
	nEnd := n.pos + n.len

	switch {
	case pos == n.pos && end == nEnd:
		t.root = t.delete(t.root, n.pos)
	case pos == n.pos:
		t.root = t.setExtent(t.root, n.pos, end, nEnd-end)
		t.rover = idx
	case end == nEnd:
		t.root = t.setExtent(t.root, n.pos, n.pos, pos-n.pos)
		t.rover = idx
	default:
		t.root = t.setExtent(t.root, n.pos, n.pos, pos-n.pos)
		t.root = t.insert(t.root, end, nEnd-end)
		t.rover = idx
	}
	t.refreshWilderness()
	return nil
}

// Unregister returns [pos, pos+length) to the free set, merging it with
// adjacent free extents.
func (t *Tree) Unregister(pos, length int64) error {
	if length < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}
	if length == 0 {
		return nil
	}
	end := pos + length
	if pos < t.base || end > t.limit || end < pos {
		return fmt.Errorf("%w: [%d,+%d) outside [%d,%d)", ErrNotFound, pos, length, t.base, t.limit)
	}

	prev := t.floor(pos)
	next := t.ceilingAfter(pos)
	if prev != nilNode && t.nodes[prev].pos+t.nodes[prev].len > pos {
		return fmt.Errorf("%w: [%d,+%d) is free", ErrNotFound, pos, length)
	}
	if next != nilNode && t.nodes[next].pos < end {
		return fmt.Errorf("%w: [%d,+%d) is partly free", ErrNotFound, pos, length)
	}

	joinPrev := prev != nilNode && t.nodes[prev].pos+t.nodes[prev].len == pos
	joinNext := next != nilNode && t.nodes[next].pos == end

	switch {
	case joinPrev && joinNext:
		p, nx := t.nodes[prev], t.nodes[next]
		t.root = t.delete(t.root, nx.pos)
		t.root = t.setExtent(t.root, p.pos, p.pos, p.len+length+nx.len)
		t.rover = prev
	case joinPrev:
		p := t.nodes[prev]
		t.root = t.setExtent(t.root, p.pos, p.pos, p.len+length)
		t.rover = prev
	case joinNext:
		nx := t.nodes[next]
		t.root = t.setExtent(t.root, nx.pos, pos, nx.len+length)
		t.rover = next
	default:
		t.root = t.insert(t.root, pos, length)
		t.rover = t.floor(pos)
	}
	t.refreshWilderness()
	return nil
}

// Allocate reserves length bytes and returns their offset.
//
// The rover extent is used if it is large enough and is not the
// wilderness. Otherwise the first extent in position order that is large
// enough is used, which is the wilderness only when nothing before it fits.
// Space is always taken from the start of the chosen extent.
func (t *Tree) Allocate(length int64) (int64, error) {
	if length <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	idx := nilNode
	if t.rover != nilNode && t.rover != t.wilderness && t.nodes[t.rover].len >= length {
		idx = t.rover
	} else {
		idx = t.firstFit(t.root, length)
	}
	if idx == nilNode {
		return 0, fmt.Errorf("%w: %d bytes", ErrNoSpace, length)
	}

	n := t.nodes[idx]
	if n.len == length {
		t.root = t.delete(t.root, n.pos)
	} else {
		t.root = t.setExtent(t.root, n.pos, n.pos+length, n.len-length)
		t.rover = idx
	}
	t.refreshWilderness()
	return n.pos, nil
}

// Contains reports whether [pos, pos+length) is entirely free.
func (t *Tree) Contains(pos, length int64) bool {
	idx := t.floor(pos)
	if idx == nilNode {
		return false
	}
	n := &t.nodes[idx]
	return pos+length <= n.pos+n.len
}

// -----------------------------------------------------------------------------
// Arena
// -----------------------------------------------------------------------------

func (t *Tree) newNode(pos, length int64) int32 {
	nd := node{left: nilNode, right: nilNode, height: 1, pos: pos, len: length, maxLen: length}
	t.count++
	if k := len(t.freeList); k > 0 {
		idx := t.freeList[k-1]
		t.freeList = t.freeList[:k-1]
		t.nodes[idx] = nd
		return idx
	}
	t.nodes = append(t.nodes, nd)
	return int32(len(t.nodes) - 1)
}

func (t *Tree) freeNode(idx int32) {
	t.count--
	if t.rover == idx {
		t.rover = nilNode
	}
	if t.wilderness == idx {
		t.wilderness = nilNode
	}
	t.freeList = append(t.freeList, idx)
}

// -----------------------------------------------------------------------------
// AVL primitives
// -----------------------------------------------------------------------------

func (t *Tree) height(idx int32) int32 {
	if idx == nilNode {
		return 0
	}
	return t.nodes[idx].height
}

func (t *Tree) maxLen(idx int32) int64 {
	if idx == nilNode {
		return 0
	}
	return t.nodes[idx].maxLen
}

// fix recomputes the height and length augmentation of idx from its
// children.
func (t *Tree) fix(idx int32) {
	n := &t.nodes[idx]
	n.height = 1 + max(t.height(n.left), t.height(n.right))
	n.maxLen = max(n.len, t.maxLen(n.left), t.maxLen(n.right))
}

func (t *Tree) rotateRight(idx int32) int32 {
	l := t.nodes[idx].left
	t.nodes[idx].left = t.nodes[l].right
	t.nodes[l].right = idx
	t.fix(idx)
	t.fix(l)
	return l
}

func (t *Tree) rotateLeft(idx int32) int32 {
	r := t.nodes[idx].right
	t.nodes[idx].right = t.nodes[r].left
	t.nodes[r].left = idx
	t.fix(idx)
	t.fix(r)
	return r
}

// rebalance restores the AVL property at idx and returns the subtree root.
func (t *Tree) rebalance(idx int32) int32 {
	t.fix(idx)
	n := t.nodes[idx]
	bf := t.height(n.left) - t.height(n.right)
	switch {
	case bf > 1:
		l := t.nodes[n.left]
		if t.height(l.left) < t.height(l.right) {
			t.nodes[idx].left = t.rotateLeft(n.left)
		}
		return t.rotateRight(idx)
	case bf < -1:
		r := t.nodes[n.right]
		if t.height(r.right) < t.height(r.left) {
			t.nodes[idx].right = t.rotateRight(n.right)
		}
		return t.rotateLeft(idx)
	}
	return idx
}

func (t *Tree) insert(idx int32, pos, length int64) int32 {
	if idx == nilNode {
		return t.newNode(pos, length)
	}
	if pos < t.nodes[idx].pos {
		l := t.insert(t.nodes[idx].left, pos, length)
		t.nodes[idx].left = l
	} else {
		r := t.insert(t.nodes[idx].right, pos, length)
		t.nodes[idx].right = r
	}
	return t.rebalance(idx)
}

// deleteMin unlinks the leftmost node of the subtree. It returns the new
// subtree root and the unlinked node, which keeps its arena slot.
func (t *Tree) deleteMin(idx int32) (int32, int32) {
	if t.nodes[idx].left == nilNode {
		return t.nodes[idx].right, idx
	}
	l, m := t.deleteMin(t.nodes[idx].left)
	t.nodes[idx].left = l
	return t.rebalance(idx), m
}

func (t *Tree) delete(idx int32, pos int64) int32 {
	if idx == nilNode {
		return nilNode
	}
	n := t.nodes[idx]
	switch {
	case pos < n.pos:
		t.nodes[idx].left = t.delete(n.left, pos)
	case pos > n.pos:
		t.nodes[idx].right = t.delete(n.right, pos)
	default:
		t.freeNode(idx)
		if n.left == nilNode {
			return n.right
		}
		if n.right == nilNode {
			return n.left
		}
		r, m := t.deleteMin(n.right)
		t.nodes[m].left = n.left
		t.nodes[m].right = r
		return t.rebalance(m)
	}
	return t.rebalance(idx)
}

// setExtent rewrites the node keyed by pos. The new position must keep the
// node between its in-order neighbours.
func (t *Tree) setExtent(idx int32, pos, newPos, newLen int64) int32 {
	if idx == nilNode {
		return nilNode
	}
	n := &t.nodes[idx]
	switch {
	case pos < n.pos:
		n.left = t.setExtent(n.left, pos, newPos, newLen)
	case pos > n.pos:
		n.right = t.setExtent(n.right, pos, newPos, newLen)
	default:
		n.pos = newPos
		n.len = newLen
	}
	t.fix(idx)
	return idx
}

// -----------------------------------------------------------------------------
// Searches
// -----------------------------------------------------------------------------

// floor returns the node with the greatest pos <= pos.
func (t *Tree) floor(pos int64) int32 {
	best := nilNode
	for idx := t.root; idx != nilNode; {
		n := &t.nodes[idx]
		if n.pos <= pos {
			best = idx
			idx = n.right
		} else {
			idx = n.left
		}
	}
	return best
}

// ceilingAfter returns the node with the smallest pos > pos.
func (t *Tree) ceilingAfter(pos int64) int32 {
	best := nilNode
	for idx := t.root; idx != nilNode; {
		n := &t.nodes[idx]
		if n.pos > pos {
			best = idx
			idx = n.left
		} else {
			idx = n.right
		}
	}
	return best
}

// firstFit returns the leftmost node with len >= length.
func (t *Tree) firstFit(idx int32, length int64) int32 {
	for idx != nilNode && t.nodes[idx].maxLen >= length {
		n := &t.nodes[idx]
		switch {
		case t.maxLen(n.left) >= length:
			idx = n.left
		case n.len >= length:
			return idx
		default:
			idx = n.right
		}
	}
	return nilNode
}

func (t *Tree) refreshWilderness() {
	t.wilderness = nilNode
	idx := t.root
	if idx == nilNode {
		return
	}
	for t.nodes[idx].right != nilNode {
		idx = t.nodes[idx].right
	}
	if n := &t.nodes[idx]; n.pos+n.len == t.limit {
		t.wilderness = idx
	}
}

func (t *Tree) walk(fn func(n *node)) {
	var stack []int32
	idx := t.root
	for idx != nilNode || len(stack) > 0 {
		for idx != nilNode {
			stack = append(stack, idx)
			idx = t.nodes[idx].left
		}
		idx = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(&t.nodes[idx])
		idx = t.nodes[idx].right
	}
}

// Validate checks the structural invariants: position order, disjoint
// extents, AVL balance and the cached heights and lengths. It is meant for
// tests and the check tool.
func (t *Tree) Validate() error {
	count := 0
	prevEnd := int64(-1 << 63)
	first := true
	var err error
	t.walk(func(n *node) {
		if err != nil {
			return
		}
		count++
		if n.len <= 0 {
			err = fmt.Errorf("freetree: extent at %d has length %d", n.pos, n.len)
			return
		}
		if !first && n.pos < prevEnd {
			err = fmt.Errorf("freetree: extent at %d overlaps previous ending at %d", n.pos, prevEnd)
			return
		}
		if n.pos < t.base || n.pos+n.len > t.limit {
			err = fmt.Errorf("freetree: extent [%d,+%d) outside [%d,%d)", n.pos, n.len, t.base, t.limit)
			return
		}
		first = false
		prevEnd = n.pos + n.len
	})
	if err != nil {
		return err
	}
	if count != t.count {
		return fmt.Errorf("freetree: walked %d extents, count is %d", count, t.count)
	}
	if _, err := t.check(t.root); err != nil {
		return err
	}
	return nil
}

func (t *Tree) check(idx int32) (int32, error) {
	if idx == nilNode {
		return 0, nil
	}
	n := &t.nodes[idx]
	lh, err := t.check(n.left)
	if err != nil {
		return 0, err
	}
	rh, err := t.check(n.right)
	if err != nil {
		return 0, err
	}
	if d := lh - rh; d > 1 || d < -1 {
		return 0, fmt.Errorf("freetree: node at %d unbalanced (%d/%d)", n.pos, lh, rh)
	}
	if h := 1 + max(lh, rh); h != n.height {
		return 0, fmt.Errorf("freetree: node at %d height %d, want %d", n.pos, n.height, h)
	}
	if m := max(n.len, t.maxLen(n.left), t.maxLen(n.right)); m != n.maxLen {
		return 0, fmt.Errorf("freetree: node at %d maxLen %d, want %d", n.pos, n.maxLen, m)
	}
	return n.height, nil
}
