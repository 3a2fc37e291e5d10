package gfile

import (
	"errors"
	"fmt"
	"io"

	"github.com/staden/gapdb/internal/freetree"
	"github.com/staden/gapdb/internal/logging"
	"github.com/staden/gapdb/internal/testutil"
)

// replayBlockEntries is the number of index entries read per replay step.
const replayBlockEntries = 1024

// loadFreeTree returns the free tree saved by the last clean close, or nil
// if there is none or it cannot be trusted.
func (g *GFile) loadFreeTree() *freetree.Tree {
	h := &g.header
	if h.FreeRecord <= 0 {
		g.logger.Debugf(logging.NSFreeTree + "no saved free tree")
		return nil
	}
	if h.FreeTime != h.LastTime || h.FreeRecord != int64(h.NumRecords) {
		g.logger.Warnf(logging.NSFreeTree+"discarding saved free tree: saved at time %d record %d, store is at time %d record %d",
			h.FreeTime, h.FreeRecord, h.LastTime, h.NumRecords)
		return nil
	}

	off := g.codec.SeekIndex(h.NumRecords)
	size, err := g.aux.Size()
	if err != nil || size <= off {
		g.logger.Warnf(logging.NSFreeTree+"discarding saved free tree: index file is %d bytes, tree expected at %d", size, off)
		return nil
	}
	blob := make([]byte, size-off)
	if _, err := g.aux.ReadAt(blob, off); err != nil && !errors.Is(err, io.EOF) {
		g.logger.Warnf(logging.NSFreeTree+"discarding saved free tree: %v", err)
		return nil
	}

	tree, ts, err := freetree.Decode(blob, g.codec.Order(), 0, g.codec.Format().MaxOffset())
	if err != nil {
		g.logger.Warnf(logging.NSFreeTree+"discarding saved free tree: %v", err)
		return nil
	}
	if ts != h.LastTime {
		g.logger.Warnf(logging.NSFreeTree+"discarding saved free tree: stamped %d, store is at time %d", ts, h.LastTime)
		return nil
	}
	g.logger.Infof(logging.NSFreeTree+"loaded saved free tree (%d extents)", tree.Len())
	return tree
}

// replay walks the on-disk index. With rebuild set, every authoritative
// image is registered in the free tree; an overlap means the index is
// corrupt. In read-write mode, slots left behind by a commit that never
// reached its header write are cleared. The array index is filled as a side
// effect.
func (g *GFile) replay(rebuild bool) error {
	_, cached := g.index.(*cachedIndex)
	if cached && !rebuild {
		return nil
	}

	h := &g.header
	var registered, cleared int
	for first := int32(0); first < h.NumRecords; first += replayBlockEntries {
		n := min(replayBlockEntries, h.NumRecords-first)
		block, err := g.codec.ReadIndexBlock(g.aux, first, int(n))
		if err != nil {
			return ioErr("read index", g.auxName, err)
		}
		for i := range block {
			rec := first + int32(i)
			ai := &block[i]
			if !g.opts.ReadOnly && ai.ClearFuture(h.LastTime) {
				if err := g.codec.WriteIndex(g.aux, rec, ai); err != nil {
					return ioErr("write index", g.auxName, err)
				}
				cleared++
			}
			e := g.entryFromDisk(*ai)
			if !cached {
				g.index.put(rec, e)
			}
			if !rebuild {
				continue
			}

			s := ai.Current(h.LastTime)
			if !s.HasImage() {
				continue
			}
			length := g.diskAlloc(s)
			if err := g.tree.Register(s.Image, length); err != nil {
				g.logger.Errorf(logging.NSRecovery+"SERIOUS CORRUPTION: record %d image [%d,+%d): %v", rec, s.Image, length, err)
				return g.raise(fmt.Errorf("%w: record %d image [%d,+%d) overlaps another record", ErrCorruption, rec, s.Image, length))
			}
			registered++
			h.FileSize = max(h.FileSize, s.Image+length)
		}
	}

	if cleared > 0 {
		g.logger.Warnf(logging.NSRecovery+"cleared %d uncommitted index slots newer than time %d", cleared, h.LastTime)
	}
	if rebuild {
		g.logger.Infof(logging.NSRecovery+"rebuilt free tree from %d images (%d extents)", registered, g.tree.Len())
	}
	return nil
}

// saveFreeTree trims retained reservations, then writes the free tree
// after the last index entry and records it in the header.
func (g *GFile) saveFreeTree() error {
	for _, rec := range g.index.pinned() {
		if err := g.TrimAllocation(rec); err != nil {
			return err
		}
	}

	h := g.header
	off := g.codec.SeekIndex(h.NumRecords)
	blob := g.tree.Encode(g.codec.Order(), h.LastTime)

	testutil.MaybeKill(testutil.KPFreeTreeSave0)
	if _, err := g.aux.WriteAt(blob, off); err != nil {
		return ioErr("write free tree", g.auxName, err)
	}
	if err := g.aux.Truncate(off + int64(len(blob))); err != nil {
		return ioErr("truncate", g.auxName, err)
	}
	if err := g.aux.Sync(); err != nil {
		return ioErr("sync", g.auxName, err)
	}
	testutil.MaybeKill(testutil.KPFreeTreeSave1)

	h.FreeTime = h.LastTime
	h.FreeRecord = int64(h.NumRecords)
	if err := g.writeHeader(&h); err != nil {
		return err
	}
	if err := g.aux.Sync(); err != nil {
		return ioErr("sync", g.auxName, err)
	}
	g.header = h
	g.logger.Debugf(logging.NSFreeTree+"saved %d extents at offset %d", g.tree.Len(), off)
	return nil
}
