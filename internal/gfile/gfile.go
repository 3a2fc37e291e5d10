// Package gfile owns the two files of a store: the data file holding record
// images and the auxiliary index file mapping record numbers to images.
//
// A GFile keeps the index header in memory, the free-space tree of the data
// file, and a table of index entries that is either a flat array or a
// bounded cache filled by block reads. Every index update goes through
// Commit, which writes the non-authoritative toggle slot of each record and
// then the header with a new edit time. Only the header write makes a batch
// visible, so a crash between the two leaves the previous images in force.
//
// A GFile is not safe for concurrent use; the DB serializes access.
package gfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/staden/gapdb/internal/format"
	"github.com/staden/gapdb/internal/freetree"
	"github.com/staden/gapdb/internal/logging"
	"github.com/staden/gapdb/internal/vfs"
)

// AuxSuffix is appended to the data file name to form the index file name.
const AuxSuffix = ".aux"

// Defaults for a new store.
const (
	DefaultBlockSize         = 1024
	DefaultMaxRecords        = 1 << 24
	DefaultIndexBlockEntries = 256
)

var (
	// ErrReadOnly is returned by mutating calls on a read-only file.
	ErrReadOnly = errors.New("gfile: file is read-only")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gfile: file is closed")

	// ErrRecordRange is returned for a negative record number or one at or
	// beyond the store's maximum.
	ErrRecordRange = errors.New("gfile: record number out of range")

	// ErrBlockSize is returned when the requested block size differs from
	// the stored one and changing it was not allowed.
	ErrBlockSize = errors.New("gfile: block size mismatch")

	// ErrIO wraps every failed read, write or sync of the underlying files.
	ErrIO = errors.New("gfile: I/O error")

	// ErrInvalidUpdate is returned by Commit for a malformed batch.
	ErrInvalidUpdate = errors.New("gfile: invalid update")
)

// Unrecoverable conditions. Each wraps logging.ErrFatal; once one is
// returned the file refuses further updates.
var (
	// ErrCorruption means the index describes overlapping images.
	ErrCorruption = fmt.Errorf("%w: gfile: serious corruption", logging.ErrFatal)

	// ErrHeaderChanged means the on-disk header was modified by someone
	// else since this process last wrote it.
	ErrHeaderChanged = fmt.Errorf("%w: gfile: header changed outside this process", logging.ErrFatal)

	// ErrTimeWrap means the edit time ran out of values.
	ErrTimeWrap = fmt.Errorf("%w: gfile: edit time wrapped", logging.ErrFatal)

	// ErrRollback means a failed commit could not be undone on disk.
	ErrRollback = fmt.Errorf("%w: gfile: commit rollback failed", logging.ErrFatal)
)

func ioErr(op, name string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrIO, op, name, err)
}

// Options configures Create and Open.
type Options struct {
	FS     vfs.FS
	Logger logging.Logger

	ReadOnly bool

	// Creation parameters. On Open, a non-zero BlockSize that differs from
	// the stored one is an error unless ChangeBlockSize is set.
	BlockSize       int32
	Format          format.Format
	ByteOrder       binary.ByteOrder
	MaxRecords      int32
	ChangeBlockSize bool

	// IndexCacheSize selects the index representation: 0 keeps every entry
	// in a flat array, N > 0 keeps at most N unpinned entries in an LRU
	// cache filled IndexBlockEntries at a time.
	IndexCacheSize    int
	IndexBlockEntries int

	// CheckHeader re-reads the on-disk edit time before every commit.
	CheckHeader bool

	// SyncWrites syncs the data file before the index and the index
	// before the header.
	SyncWrites bool
}

func (o *Options) sanitize() {
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	o.Logger = logging.OrDefault(o.Logger)
	if o.IndexBlockEntries <= 0 {
		o.IndexBlockEntries = DefaultIndexBlockEntries
	}
}

// GFile is an open store.
type GFile struct {
	name    string
	auxName string
	opts    Options
	logger  logging.Logger

	data  vfs.File
	aux   vfs.File
	codec *format.Codec

	header format.AuxHeader
	tree   *freetree.Tree
	index  indexTable

	// Set once an unrecoverable error has been reported.
	fatal  error
	closed bool
}

// Create makes a new, empty store, replacing any files already at name.
func Create(name string, opts Options) (*GFile, error) {
	opts.sanitize()
	if opts.ReadOnly {
		return nil, ErrReadOnly
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.MaxRecords == 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	if opts.BlockSize < 0 || opts.MaxRecords < 0 {
		return nil, fmt.Errorf("gfile: invalid block size %d or max records %d", opts.BlockSize, opts.MaxRecords)
	}
	codec, err := format.NewCodec(opts.Format, opts.ByteOrder)
	if err != nil {
		return nil, err
	}

	g := &GFile{
		name:    name,
		auxName: name + AuxSuffix,
		opts:    opts,
		logger:  opts.Logger,
		codec:   codec,
	}
	if g.data, err = opts.FS.Create(g.name); err != nil {
		return nil, ioErr("create", g.name, err)
	}
	if g.aux, err = opts.FS.Create(g.auxName); err != nil {
		_ = g.data.Close()
		return nil, ioErr("create", g.auxName, err)
	}

	g.header = format.AuxHeader{
		BlockSize:  opts.BlockSize,
		MaxRecords: opts.MaxRecords,
		Format:     codec.Format(),
	}
	if err := g.writeHeader(&g.header); err != nil {
		g.closeFiles()
		return nil, err
	}
	if err := g.aux.Sync(); err != nil {
		g.closeFiles()
		return nil, ioErr("sync", g.auxName, err)
	}

	g.tree = freetree.New(0, codec.Format().MaxOffset())
	g.index = g.newIndexTable()
	g.logger.Infof(logging.NSGFile+"created %s (%s, block size %d)", name, codec, opts.BlockSize)
	return g, nil
}

// Open opens an existing store, detecting its format and byte order.
func Open(name string, opts Options) (*GFile, error) {
	opts.sanitize()
	g := &GFile{
		name:    name,
		auxName: name + AuxSuffix,
		opts:    opts,
		logger:  opts.Logger,
	}

	var err error
	if g.data, err = opts.FS.Open(g.name, opts.ReadOnly); err != nil {
		return nil, ioErr("open", g.name, err)
	}
	if g.aux, err = opts.FS.Open(g.auxName, opts.ReadOnly); err != nil {
		_ = g.data.Close()
		return nil, ioErr("open", g.auxName, err)
	}

	if err := g.load(); err != nil {
		g.closeFiles()
		return nil, err
	}
	g.logger.Infof(logging.NSGFile+"opened %s (%s, %d records, time %d)",
		name, g.codec, g.header.NumRecords, g.header.LastTime)
	return g, nil
}

// load reads the header, restores the free tree and prepares the index.
func (g *GFile) load() error {
	codec, err := format.Detect(g.aux)
	if err != nil {
		return fmt.Errorf("gfile: %s: %w", g.auxName, err)
	}
	g.codec = codec
	if g.header, err = codec.ReadHeader(g.aux); err != nil {
		return fmt.Errorf("gfile: %s: %w", g.auxName, err)
	}

	if bs := g.opts.BlockSize; bs > 0 && bs != g.header.BlockSize {
		if g.opts.ReadOnly || !g.opts.ChangeBlockSize {
			return fmt.Errorf("%w: stored %d, requested %d", ErrBlockSize, g.header.BlockSize, bs)
		}
		g.logger.Warnf(logging.NSGFile+"changing block size from %d to %d", g.header.BlockSize, bs)
		g.header.BlockSize = bs
		g.header.Flags |= format.HeaderFlagBlockSizeChanged
	}

	g.index = g.newIndexTable()
	g.tree = g.loadFreeTree()

	if !g.opts.ReadOnly {
		// Any crash from here on must force a rebuild on the next open.
		g.header.FreeTime = 0
		g.header.FreeRecord = 0
		if err := g.writeHeader(&g.header); err != nil {
			return err
		}
		if err := g.aux.Truncate(codec.SeekIndex(g.header.NumRecords)); err != nil {
			return ioErr("truncate", g.auxName, err)
		}
	}

	rebuild := g.tree == nil
	if rebuild {
		g.tree = freetree.New(0, codec.Format().MaxOffset())
	}
	return g.replay(rebuild)
}

// Close releases the files. With save set, the free tree is written after
// the index so the next open can skip the rebuild.
func (g *GFile) Close(save bool) error {
	if g.closed {
		return ErrClosed
	}
	var err error
	if save && !g.opts.ReadOnly && g.fatal == nil {
		err = g.saveFreeTree()
	}
	g.closeFiles()
	g.closed = true
	g.tree.Destroy()
	g.index.clear()
	return err
}

func (g *GFile) closeFiles() {
	if g.data != nil {
		_ = g.data.Close()
	}
	if g.aux != nil {
		_ = g.aux.Close()
	}
}

// Name returns the data file name.
func (g *GFile) Name() string { return g.name }

// Codec returns the codec bound at open.
func (g *GFile) Codec() *format.Codec { return g.codec }

// Header returns a copy of the in-memory header.
func (g *GFile) Header() format.AuxHeader { return g.header }

// BlockSize returns the allocation granularity.
func (g *GFile) BlockSize() int64 { return int64(g.header.BlockSize) }

// NumRecords returns the number of records the index covers.
func (g *GFile) NumRecords() int32 { return g.header.NumRecords }

// ReadOnly reports whether the file was opened read-only.
func (g *GFile) ReadOnly() bool { return g.opts.ReadOnly }

// RoundUp rounds n up to a multiple of the block size.
func (g *GFile) RoundUp(n int64) int64 {
	return format.RoundUp(n, int64(g.header.BlockSize))
}

// FreeExtents returns a snapshot of the free extents of the data file.
func (g *GFile) FreeExtents() []freetree.Extent { return g.tree.Extents() }

// ValidateFreeTree checks the free tree's structural invariants.
func (g *GFile) ValidateFreeTree() error { return g.tree.Validate() }

// Err returns the unrecoverable error the file has reported, if any.
func (g *GFile) Err() error { return g.fatal }

// raise reports an unrecoverable condition through the logger's fatal
// funnel and poisons the file.
func (g *GFile) raise(err error) error {
	if g.fatal == nil {
		g.fatal = err
		g.logger.Fatalf(logging.NSGFile+"%s: %v", g.name, err)
	}
	return err
}

func (g *GFile) checkWritable() error {
	switch {
	case g.closed:
		return ErrClosed
	case g.fatal != nil:
		return g.fatal
	case g.opts.ReadOnly:
		return ErrReadOnly
	}
	return nil
}

func (g *GFile) checkRecord(rec int32) error {
	if rec < 0 || rec >= g.header.MaxRecords || rec == math.MaxInt32 {
		return fmt.Errorf("%w: %d (max %d)", ErrRecordRange, rec, g.header.MaxRecords)
	}
	return nil
}

// diskAlloc returns the number of bytes replay reserves for slot s.
func (g *GFile) diskAlloc(s format.Slot) int64 {
	if !s.HasImage() {
		return 0
	}
	if g.header.BlockSizeChanged() {
		return int64(s.Used)
	}
	return g.RoundUp(int64(s.Used))
}
