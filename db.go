package gapdb

// db.go implements opening and closing a store and the fatal-error latch.

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/staden/gapdb/internal/freetree"
	"github.com/staden/gapdb/internal/gfile"
	"github.com/staden/gapdb/internal/logging"
	"github.com/staden/gapdb/internal/vfs"
)

// DB is an open store. All methods are safe for concurrent use; calls are
// serialized internally.
type DB struct {
	mu     sync.Mutex
	name   string
	opts   Options
	logger Logger
	file   *gfile.GFile

	clients []client

	// views is the view table. Released entries form a free list threaded
	// through view.next and headed by freeView.
	views    []view
	freeView ViewID

	// recViews lists the open views of each record.
	recViews map[int32][]ViewID

	flock fileLock

	// Superseded images still read by an open view.
	deferred []deferredFree

	fatal  atomic.Pointer[fatalState]
	closed bool
}

type fatalState struct {
	err error
	// Set when the error came from the logger's fatal handler, which only
	// carries the message. A typed error replaces it.
	fromLog bool
}

type deferredFree struct {
	rec int32
	ext freetree.Extent
}

// Open opens the store whose data file is name. The index file is name
// plus ".aux".
func Open(name string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	// Logger configuration: db.logger is never nil.
	logger := logging.OrDefault(o.Logger)

	db := &DB{
		name:     name,
		opts:     o,
		logger:   logger,
		clients:  make([]client, o.MaxClients),
		freeView: noView,
		recViews: make(map[int32][]ViewID),
		flock:    fileLock{head: noView, tail: noView},
	}

	// Wire FatalHandler: a Fatalf from the file layer poisons the DB. Only
	// a logger this DB created gets the handler; a caller's logger may be
	// shared with other stores, and fatal errors reach the DB through
	// return values and GFile.Err anyway.
	if dl, ok := logger.(*logging.DefaultLogger); ok && logging.IsNil(o.Logger) {
		dl.SetFatalHandler(func(msg string) {
			db.setFatal(fmt.Errorf("%w: %s", ErrFatal, msg), true)
		})
	}

	exists := o.FS.Exists(name + gfile.AuxSuffix)
	var err error
	switch {
	case exists && o.ErrorIfExists:
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	case exists:
		db.file, err = gfile.Open(name, o.fileOptions(logger, false))
	case o.ReadOnly || !o.CreateIfMissing:
		return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
	default:
		db.file, err = gfile.Create(name, o.fileOptions(logger, true))
	}
	if err != nil {
		return nil, fmt.Errorf("gapdb: open %s: %w", name, err)
	}

	logger.Infof(logging.NSGDB+"opened %s: %s, block size %d, %d records",
		name, db.file.Codec(), db.file.BlockSize(), db.file.NumRecords())
	return db, nil
}

// Close releases the store. Uncommitted writes of views still open are
// discarded, as are commits queued behind a file lock.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.closed = true

	open := 0
	for i := range db.views {
		v := &db.views[i]
		if v.link == linkFree {
			continue
		}
		open++
		db.dropPending(v)
		db.dropPrivate(v)
	}
	if open > 0 {
		db.logger.Warnf(logging.NSGDB+"closing %s with %d open views", db.name, open)
	}
	db.views = nil
	db.recViews = nil
	for _, d := range db.deferred {
		db.freeExtent(d.ext)
	}
	db.deferred = nil

	save := db.opts.SaveFreeTree && db.err() == nil
	if err := db.file.Close(save); err != nil {
		return fmt.Errorf("gapdb: close %s: %w", db.name, err)
	}
	db.logger.Infof(logging.NSGDB+"closed %s", db.name)
	return nil
}

// Name returns the data file name.
func (db *DB) Name() string { return db.name }

// Sync flushes both store files to stable storage.
func (db *DB) Sync() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	return db.check(db.file.Sync())
}

// Err returns the fatal error that poisoned the DB, or nil.
func (db *DB) Err() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.err()
}

// err returns the latched fatal error. The caller holds db.mu.
func (db *DB) err() error {
	if s := db.fatal.Load(); s != nil {
		return s.err
	}
	if db.file != nil {
		if err := db.file.Err(); err != nil {
			db.setFatal(err, false)
			return db.fatal.Load().err
		}
	}
	return nil
}

func (db *DB) setFatal(err error, fromLog bool) {
	for {
		cur := db.fatal.Load()
		if cur != nil && (!cur.fromLog || fromLog) {
			return
		}
		if db.fatal.CompareAndSwap(cur, &fatalState{err: err, fromLog: fromLog}) {
			if !fromLog {
				db.logger.Errorf(logging.NSGDB+"store poisoned: %v", err)
			}
			return
		}
	}
}

// check latches err if it is fatal and returns it unchanged.
func (db *DB) check(err error) error {
	if err != nil && errors.Is(err, ErrFatal) {
		db.setFatal(err, false)
	}
	return err
}

// usable returns the error every call fails with once the DB is closed or
// poisoned.
func (db *DB) usable() error {
	if db.closed {
		return ErrClosed
	}
	return db.err()
}

// freeExtent returns ext to the free tree. A failure means the tree and the
// index disagree; it is logged by the file layer and otherwise ignored
// because the space is merely leaked.
func (db *DB) freeExtent(ext freetree.Extent) {
	if ext.Pos < 0 || ext.Len <= 0 {
		return
	}
	_ = db.file.Free(ext.Pos, ext.Len)
}
