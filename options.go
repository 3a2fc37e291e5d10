package gapdb

// options.go defines the configuration accepted by Open.

import (
	"encoding/binary"
	"fmt"

	"github.com/staden/gapdb/internal/format"
	"github.com/staden/gapdb/internal/gfile"
	"github.com/staden/gapdb/internal/logging"
	"github.com/staden/gapdb/internal/vfs"
)

// Logger is the logging interface accepted by Options.
type Logger = logging.Logger

// FS and File are the filesystem abstraction a store is opened through.
type (
	FS   = vfs.FS
	File = vfs.File
)

// Format selects the on-disk field widths of a new store.
type Format = format.Format

const (
	Format32 = format.Format32
	Format64 = format.Format64
)

// Options configures a DB.
type Options struct {
	// FS is the filesystem. nil uses the OS filesystem.
	FS FS

	// Logger receives diagnostics. nil or typed-nil uses a WARN-level
	// logger on stderr. A supplied logger may be shared between stores;
	// its FatalHandler is left as the caller set it.
	Logger Logger

	// ReadOnly opens the store without ever writing to it.
	ReadOnly bool

	// CreateIfMissing creates the store if its index file does not exist.
	CreateIfMissing bool

	// ErrorIfExists makes Open fail if the store already exists.
	ErrorIfExists bool

	// BlockSize is the allocation granularity of a new store. An existing
	// store keeps its stored block size unless ChangeBlockSize is set.
	BlockSize int32

	// ChangeBlockSize makes a read-write Open replace the stored block
	// size with BlockSize.
	ChangeBlockSize bool

	// Format and ByteOrder select the layout of a new store. A nil
	// ByteOrder means the host byte order. Existing stores are detected.
	Format    Format
	ByteOrder binary.ByteOrder

	// MaxRecords bounds record numbers of a new store.
	MaxRecords int32

	// MaxClients is the size of the client table.
	MaxClients int

	// IndexCacheSize is 0 to keep the whole index in memory, or the number
	// of entries kept in an LRU cache filled IndexBlockEntries at a time.
	IndexCacheSize    int
	IndexBlockEntries int

	// CheckHeader re-reads the on-disk header before every commit and
	// treats a change made by another process as fatal.
	CheckHeader bool

	// SyncWrites syncs the data file before each index write and the index
	// before each header write.
	SyncWrites bool

	// SaveFreeTree stores the free-space tree at Close so the next Open
	// does not have to rebuild it from the index.
	SaveFreeTree bool
}

// DefaultOptions returns the default configuration.
func DefaultOptions() *Options {
	return &Options{
		CreateIfMissing:   false,
		ErrorIfExists:     false,
		FS:                nil, // Will use vfs.Default()
		BlockSize:         gfile.DefaultBlockSize,
		Format:            Format64,
		MaxRecords:        gfile.DefaultMaxRecords,
		MaxClients:        16,
		IndexCacheSize:    0,
		IndexBlockEntries: gfile.DefaultIndexBlockEntries,
		CheckHeader:       true,
		SyncWrites:        false,
		SaveFreeTree:      true,
		Logger:            nil, // Will use the default logger
	}
}

// Validate reports the first invalid setting.
func (o *Options) Validate() error {
	switch {
	case o.BlockSize < 0:
		return fmt.Errorf("%w: block size %d", ErrInvalidArgument, o.BlockSize)
	case o.MaxRecords < 0:
		return fmt.Errorf("%w: max records %d", ErrInvalidArgument, o.MaxRecords)
	case o.MaxClients <= 0:
		return fmt.Errorf("%w: max clients %d", ErrInvalidArgument, o.MaxClients)
	case o.IndexCacheSize < 0:
		return fmt.Errorf("%w: index cache size %d", ErrInvalidArgument, o.IndexCacheSize)
	case o.Format != Format32 && o.Format != Format64:
		return fmt.Errorf("%w: format %d", ErrInvalidArgument, o.Format)
	case o.ReadOnly && o.ChangeBlockSize:
		return fmt.Errorf("%w: cannot change block size of a read-only store", ErrInvalidArgument)
	}
	return nil
}

// fileOptions translates o for the file layer. create is false when an
// existing store is opened.
func (o *Options) fileOptions(logger Logger, create bool) gfile.Options {
	bs := o.BlockSize
	if !create && !o.ChangeBlockSize {
		bs = 0
	}
	return gfile.Options{
		FS:                o.FS,
		Logger:            logger,
		ReadOnly:          o.ReadOnly,
		BlockSize:         bs,
		Format:            o.Format,
		ByteOrder:         o.ByteOrder,
		MaxRecords:        o.MaxRecords,
		ChangeBlockSize:   o.ChangeBlockSize,
		IndexCacheSize:    o.IndexCacheSize,
		IndexBlockEntries: o.IndexBlockEntries,
		CheckHeader:       o.CheckHeader,
		SyncWrites:        o.SyncWrites,
	}
}
