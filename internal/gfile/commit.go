package gfile

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/staden/gapdb/internal/format"
	"github.com/staden/gapdb/internal/freetree"
	"github.com/staden/gapdb/internal/logging"
	"github.com/staden/gapdb/internal/testutil"
)

// Update is one record's new authoritative image in a Commit batch.
// Image is format.NoImage to remove the record's data.
type Update struct {
	Rec       int32
	Image     int64
	Used      int32
	Allocated int64
}

// pendingSlot remembers what a commit overwrote so it can be put back.
type pendingSlot struct {
	rec    int32
	target int
	prev   format.Slot
	next   format.Slot
	alloc  int64
}

func (g *GFile) writeHeader(h *format.AuxHeader) error {
	if err := g.codec.WriteHeader(g.aux, h); err != nil {
		if errors.Is(err, format.ErrFormatMismatch) {
			return err
		}
		return ioErr("write header", g.auxName, err)
	}
	return nil
}

// WriteHeader writes the in-memory header.
func (g *GFile) WriteHeader() error {
	if err := g.checkWritable(); err != nil {
		return err
	}
	return g.writeHeader(&g.header)
}

// CheckHeader re-reads the on-disk edit time and compares it with the
// in-memory one. A difference means another process wrote the store; the
// error is unrecoverable.
func (g *GFile) CheckHeader() error {
	if g.closed {
		return ErrClosed
	}
	if g.fatal != nil {
		return g.fatal
	}
	h, err := g.codec.ReadHeader(g.aux)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, format.ErrBadHeader) {
			return g.raise(fmt.Errorf("%w: %w", ErrHeaderChanged, err))
		}
		return ioErr("read header", g.auxName, err)
	}
	if h.LastTime != g.header.LastTime {
		g.logger.Errorf(logging.NSGFile+"%s: on-disk edit time %d, expected %d", g.auxName, h.LastTime, g.header.LastTime)
		return g.raise(fmt.Errorf("%w: on-disk time %d, expected %d", ErrHeaderChanged, h.LastTime, g.header.LastTime))
	}
	return nil
}

// Commit makes a batch of record updates visible atomically.
//
// Each record's non-authoritative toggle slot is written with the next edit
// time, then the header is written with that time. Until the header write
// the previous images remain authoritative on disk. Records must be
// distinct and their entries must exist (see ReadIndex).
//
// Commit returns the extents of the images the batch replaced. The caller
// frees them, possibly later if they are still being read.
func (g *GFile) Commit(updates []Update) ([]freetree.Extent, error) {
	if err := g.checkWritable(); err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return nil, nil
	}

	seen := make(map[int32]struct{}, len(updates))
	entries := make([]*Entry, len(updates))
	for i, u := range updates {
		if _, dup := seen[u.Rec]; dup {
			return nil, fmt.Errorf("%w: record %d appears twice", ErrInvalidUpdate, u.Rec)
		}
		seen[u.Rec] = struct{}{}
		if u.Image >= 0 && (u.Used <= 0 || u.Allocated < int64(u.Used)) {
			return nil, fmt.Errorf("%w: record %d used %d allocated %d", ErrInvalidUpdate, u.Rec, u.Used, u.Allocated)
		}
		if err := g.checkRecord(u.Rec); err != nil {
			return nil, err
		}
		e, err := g.entry(u.Rec)
		if err != nil {
			return nil, err
		}
		if e == nil {
			if e, err = g.initEntry(u.Rec); err != nil {
				return nil, err
			}
		}
		entries[i] = e
	}

	if g.opts.CheckHeader {
		if err := g.CheckHeader(); err != nil {
			return nil, err
		}
	}
	if g.header.LastTime == math.MaxInt32 {
		return nil, g.raise(fmt.Errorf("%w: at %d", ErrTimeWrap, g.header.LastTime))
	}
	lastTime := g.header.LastTime
	next := lastTime + 1

	if g.opts.SyncWrites {
		testutil.MaybeKill(testutil.KPDataSync0)
		if err := g.data.Sync(); err != nil {
			return nil, ioErr("sync", g.name, err)
		}
	}

	testutil.MaybeKill(testutil.KPCommitWriteIndex0)
	pending := make([]pendingSlot, 0, len(updates))
	for i, u := range updates {
		e := entries[i]
		target := e.Aux.Target(lastTime)
		slot := format.Slot{Image: u.Image, Time: next, Used: u.Used}
		alloc := u.Allocated
		if u.Image < 0 {
			slot = format.Slot{Image: format.NoImage, Time: next}
			alloc = 0
		}
		if err := g.codec.WriteSlot(g.aux, u.Rec, target, slot); err != nil {
			if rbErr := g.rollback(pending); rbErr != nil {
				return nil, rbErr
			}
			if errors.Is(err, format.ErrFormatMismatch) {
				return nil, err
			}
			return nil, ioErr("write index", g.auxName, err)
		}
		pending = append(pending, pendingSlot{rec: u.Rec, target: target, prev: e.Aux.Slots[target], next: slot, alloc: alloc})
	}
	testutil.MaybeKill(testutil.KPCommitWriteIndex1)

	if g.opts.SyncWrites {
		if err := g.aux.Sync(); err != nil {
			if rbErr := g.rollback(pending); rbErr != nil {
				return nil, rbErr
			}
			return nil, ioErr("sync", g.auxName, err)
		}
	}

	testutil.MaybeKill(testutil.KPCommitWriteHeader0)
	h := g.header
	h.LastTime = next
	if err := g.writeHeader(&h); err != nil {
		if rbErr := g.rollback(pending); rbErr != nil {
			return nil, rbErr
		}
		return nil, err
	}
	testutil.MaybeKill(testutil.KPCommitWriteHeader1)
	g.header = h

	var superseded []freetree.Extent
	for i, p := range pending {
		e := entries[i]
		old := e.record(lastTime)
		e.Aux.Slots[p.target] = p.next
		e.Alloc[p.target] = p.alloc
		g.index.put(p.rec, e)
		if old.HasImage() && old.Image != p.next.Image {
			superseded = append(superseded, freetree.Extent{Pos: old.Image, Len: old.Allocated})
		}
		g.index.setPinned(p.rec, p.alloc > g.diskAlloc(p.next))
	}
	g.logger.Debugf(logging.NSGFile+"committed %d records at time %d", len(updates), next)
	return superseded, nil
}

// rollback restores the slots a failed commit wrote. If that fails too the
// disk holds slots that a later header write would make authoritative, so
// the file is poisoned.
func (g *GFile) rollback(pending []pendingSlot) error {
	for _, p := range pending {
		if err := g.codec.WriteSlot(g.aux, p.rec, p.target, p.prev); err != nil {
			g.logger.Errorf(logging.NSGFile+"rollback of record %d failed: %v", p.rec, err)
			return g.raise(fmt.Errorf("%w: record %d: %w", ErrRollback, p.rec, err))
		}
	}
	return nil
}
