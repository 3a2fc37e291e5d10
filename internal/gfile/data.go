package gfile

import (
	"errors"
	"fmt"
	"io"

	"github.com/staden/gapdb/internal/logging"
	"github.com/staden/gapdb/internal/testutil"
)

// Allocate reserves space for length bytes, rounded up to the block size,
// and returns its offset and the reserved size.
func (g *GFile) Allocate(length int64) (int64, int64, error) {
	if err := g.checkWritable(); err != nil {
		return 0, 0, err
	}
	size := g.RoundUp(length)
	off, err := g.tree.Allocate(size)
	if err != nil {
		return 0, 0, fmt.Errorf("gfile: allocate %d bytes: %w", size, err)
	}
	if end := off + size; end > g.header.FileSize {
		g.header.FileSize = end
	}
	return off, size, nil
}

// Free returns [pos, pos+length) to the free tree. Freeing space that is
// not allocated is a caller bug and is reported as an error.
func (g *GFile) Free(pos, length int64) error {
	if g.closed {
		return ErrClosed
	}
	if err := g.tree.Unregister(pos, length); err != nil {
		g.logger.Errorf(logging.NSFreeTree+"free [%d,+%d): %v", pos, length, err)
		return fmt.Errorf("gfile: free: %w", err)
	}
	return nil
}

// TrimAllocation releases the part of rec's reservation beyond what its
// current image needs.
func (g *GFile) TrimAllocation(rec int32) error {
	if err := g.checkWritable(); err != nil {
		return err
	}
	e := g.index.get(rec)
	if e == nil {
		return nil
	}
	i := e.Aux.Authoritative(g.header.LastTime)
	if i < 0 {
		g.index.setPinned(rec, false)
		return nil
	}
	s := e.Aux.Slots[i]
	want := g.diskAlloc(s)
	if extra := e.Alloc[i] - want; extra > 0 {
		if err := g.Free(s.Image+want, extra); err != nil {
			return err
		}
		g.logger.Debugf(logging.NSFreeTree+"record %d: trimmed %d bytes", rec, extra)
		e.Alloc[i] = want
	}
	g.index.setPinned(rec, false)
	return nil
}

// ReadData fills buf from the image at offset image holding used bytes.
// Bytes past used, and any part of the image past the end of the data file,
// read as zero. A negative image reads as all zeros.
func (g *GFile) ReadData(image int64, used int32, buf []byte) error {
	if g.closed {
		return ErrClosed
	}
	n := min(len(buf), int(max(used, 0)))
	if image < 0 {
		n = 0
	}
	if n > 0 {
		m, err := g.data.ReadAt(buf[:n], image)
		if err != nil && !errors.Is(err, io.EOF) {
			return ioErr("read", g.name, err)
		}
		clear(buf[m:n])
	}
	clear(buf[n:])
	return nil
}

// WriteData writes p at offset image of the data file.
func (g *GFile) WriteData(image int64, p []byte) error {
	if err := g.checkWritable(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	if _, err := g.data.WriteAt(p, image); err != nil {
		return ioErr("write", g.name, err)
	}
	testutil.MaybeKill(testutil.KPDataWrite1)
	return nil
}

// Sync flushes both files to stable storage.
func (g *GFile) Sync() error {
	if g.closed {
		return ErrClosed
	}
	if g.opts.ReadOnly {
		return nil
	}
	if err := g.data.Sync(); err != nil {
		return ioErr("sync", g.name, err)
	}
	if err := g.aux.Sync(); err != nil {
		return ioErr("sync", g.auxName, err)
	}
	return nil
}
