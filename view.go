package gapdb

// view.go implements views: per-client handles on a record that cache the
// record's image location and collect writes until they are committed.

import (
	"bytes"
	"fmt"
	"math"
	"slices"

	"github.com/staden/gapdb/internal/format"
	"github.com/staden/gapdb/internal/freetree"
	"github.com/staden/gapdb/internal/gfile"
	"github.com/staden/gapdb/internal/logging"
)

// ViewID identifies an open view. It indexes the view table.
type ViewID int32

const noView ViewID = -1

// ViewFlags records what has happened to a view.
type ViewFlags uint16

const (
	// ViewUsed is set while the view is locked.
	ViewUsed ViewFlags = 1 << iota
	// ViewUpdated is set while the view holds writes not yet committed.
	ViewUpdated
	// ViewFlushed is set once Flush has been called.
	ViewFlushed
	// ViewUnlocked is set by Unlock, before the view is released.
	ViewUnlocked
	// ViewAbandoned is set by Abandon.
	ViewAbandoned
	// ViewQueued is set while a commit waits for another client's file
	// lock.
	ViewQueued
)

// Cache is a view's private copy of its record's image location.
type Cache struct {
	Image     int64 // format.NoImage when the record has no data
	Used      int32
	Allocated int64
}

func cacheOf(r gfile.Record) Cache {
	return Cache{Image: r.Image, Used: r.Used, Allocated: r.Allocated}
}

func (c Cache) extent() freetree.Extent {
	return freetree.Extent{Pos: c.Image, Len: c.Allocated}
}

// viewLink says what view.next means.
type viewLink uint8

const (
	// linkFree: the view is unused; next is the next free view.
	linkFree viewLink = iota
	// linkActive: the view is open; next is unused.
	linkActive
	// linkQueued: the view is open and has a commit waiting for the file
	// lock; next is the next queued view.
	linkQueued
)

type view struct {
	link   viewLink
	next   ViewID
	client ClientID
	rec    int32
	mode   LockMode
	flags  ViewFlags
	cache  Cache

	// private is set when cache.Image is space this view allocated and
	// nothing has committed yet.
	private bool

	// The authoritative image the view's next commit replaces.
	baseImage int64
	baseTime  int32

	// pending is the cache being committed or waiting for the file lock.
	// Its space, if any, belongs to the view until the commit succeeds.
	pending *Cache

	// release frees the view once its queued commit has been applied.
	release bool

	// committed is set once the view has made an image authoritative.
	committed bool
}

// Lock opens a view of record rec for client c. A record that has never
// been referenced is created empty.
func (db *DB) Lock(c ClientID, rec int32, mode LockMode) (ViewID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return noView, err
	}
	return db.lock(c, rec, mode)
}

func (db *DB) lock(c ClientID, rec int32, mode LockMode) (ViewID, error) {
	if err := db.checkClient(c); err != nil {
		return noView, err
	}
	if !mode.valid() {
		return noView, fmt.Errorf("%w: lock mode %d", ErrInvalidArgument, mode)
	}
	if mode > db.clients[c].maxMode {
		return noView, fmt.Errorf("%w: client %d is limited to %s, wants %s",
			ErrLockMode, c, db.clients[c].maxMode, mode)
	}
	open := db.recViews[rec]
	for _, id := range open {
		if db.views[id].mode == LockExclusive {
			return noView, fmt.Errorf("%w: record %d held exclusively by view %d", ErrRecordLocked, rec, id)
		}
	}
	if mode == LockExclusive && len(open) > 0 {
		return noView, fmt.Errorf("%w: record %d has %d open views", ErrRecordLocked, rec, len(open))
	}

	r, err := db.file.ReadIndex(rec)
	if err != nil {
		return noView, db.check(err)
	}

	id := db.newView()
	db.views[id] = view{
		link:      linkActive,
		next:      noView,
		client:    c,
		rec:       rec,
		mode:      mode,
		flags:     ViewUsed,
		cache:     cacheOf(r),
		baseImage: r.Image,
		baseTime:  r.Time,
	}
	db.recViews[rec] = append(open, id)
	db.clients[c].views++
	db.logger.Debugf(logging.NSView+"client %d locked record %d as view %d (%s)", c, rec, id, mode)
	return id, nil
}

// newView takes a view from the free list, growing the table if it is
// empty.
func (db *DB) newView() ViewID {
	if id := db.freeView; id != noView {
		db.freeView = db.views[id].next
		return id
	}
	db.views = append(db.views, view{})
	return ViewID(len(db.views) - 1)
}

// release returns a view to the free list, freeing any space only it
// refers to. If the view committed the record's current image, the
// reservation beyond what the image needs is trimmed.
func (db *DB) release(id ViewID) error {
	v := &db.views[id]
	db.dropPrivate(v)
	rec, image, trim := v.rec, v.baseImage, v.committed && v.baseImage >= 0

	db.recViews[rec] = slices.DeleteFunc(db.recViews[rec], func(x ViewID) bool { return x == id })
	last := len(db.recViews[rec]) == 0
	if last {
		delete(db.recViews, rec)
	}
	if cl := &db.clients[v.client]; cl.views > 0 {
		cl.views--
	}
	*v = view{link: linkFree, next: db.freeView}
	db.freeView = id

	var err error
	if trim && !db.opts.ReadOnly && db.err() == nil {
		if r, rerr := db.file.ReadIndex(rec); rerr == nil && r.Image == image {
			err = db.check(db.file.TrimAllocation(rec))
		}
	}
	db.retryDeferred(rec)

	// With a bounded index the entry of a record nobody has open only
	// takes cache space; it is reloaded on the next lock.
	if last && db.opts.IndexCacheSize > 0 {
		db.file.ForgetIndex(rec)
	}
	return err
}

// dropPrivate frees the view's uncommitted allocation.
func (db *DB) dropPrivate(v *view) {
	if v.private {
		db.freeExtent(v.cache.extent())
		v.private = false
	}
}

// dropPending frees the space of a commit that will not happen.
func (db *DB) dropPending(v *view) {
	if v.pending == nil {
		return
	}
	if v.pending.Image >= 0 {
		db.freeExtent(v.pending.extent())
	}
	v.pending = nil
	v.flags &^= ViewQueued
}

// lookup validates that view id is open and owned by client c.
func (db *DB) lookup(c ClientID, id ViewID) (*view, error) {
	if err := db.checkClient(c); err != nil {
		return nil, err
	}
	if id < 0 || int(id) >= len(db.views) {
		return nil, fmt.Errorf("%w: %d", ErrBadView, id)
	}
	v := &db.views[id]
	if v.link == linkFree || v.client != c || v.release {
		return nil, fmt.Errorf("%w: %d", ErrBadView, id)
	}
	return v, nil
}

func (db *DB) lookupWritable(c ClientID, id ViewID) (*view, error) {
	v, err := db.lookup(c, id)
	if err != nil {
		return nil, err
	}
	if v.mode < LockWrite {
		return nil, fmt.Errorf("%w: view %d is locked for %s", ErrLockMode, id, v.mode)
	}
	return v, nil
}

// Read copies the view's record into buf and returns the number of bytes
// the record holds, up to len(buf). The rest of buf is zeroed; a record
// without an image reads as all zeros.
func (db *DB) Read(c ClientID, id ViewID, buf []byte) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return 0, err
	}
	v, err := db.lookup(c, id)
	if err != nil {
		return 0, err
	}
	return db.read(v, buf)
}

func (db *DB) read(v *view, buf []byte) (int, error) {
	if err := db.file.ReadData(v.cache.Image, v.cache.Used, buf); err != nil {
		return 0, db.check(err)
	}
	return min(len(buf), int(v.cache.Used)), nil
}

// ReadV reads the record into bufs as if they were one contiguous buffer.
func (db *DB) ReadV(c ClientID, id ViewID, bufs [][]byte) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return 0, err
	}
	v, err := db.lookup(c, id)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	tmp := make([]byte, total)
	n, err := db.read(v, tmp)
	if err != nil {
		return 0, err
	}
	for _, b := range bufs {
		tmp = tmp[copy(b, tmp):]
	}
	return n, nil
}

// Write replaces the view's record with p. The new contents stay private to
// the view until it is unlocked or flushed. Writing zero bytes removes the
// record's image.
func (db *DB) Write(c ClientID, id ViewID, p []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	v, err := db.lookupWritable(c, id)
	if err != nil {
		return err
	}
	return db.write(v, p)
}

// WriteV writes the concatenation of bufs.
func (db *DB) WriteV(c ClientID, id ViewID, bufs [][]byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	v, err := db.lookupWritable(c, id)
	if err != nil {
		return err
	}
	return db.write(v, bytes.Join(bufs, nil))
}

func (db *DB) write(v *view, p []byte) error {
	if int64(len(p)) > math.MaxInt32 {
		return fmt.Errorf("%w: record of %d bytes", ErrInvalidArgument, len(p))
	}
	if len(p) == 0 {
		db.remove(v)
		return nil
	}

	// Rewrite in place while the view's own allocation is big enough.
	if v.private && int64(len(p)) <= v.cache.Allocated {
		if err := db.file.WriteData(v.cache.Image, p); err != nil {
			return db.check(err)
		}
		v.cache.Used = int32(len(p))
		v.flags |= ViewUpdated
		return nil
	}

	off, size, err := db.file.Allocate(int64(len(p)))
	if err != nil {
		return db.check(err)
	}
	if err := db.file.WriteData(off, p); err != nil {
		db.freeExtent(freetree.Extent{Pos: off, Len: size})
		return db.check(err)
	}
	db.dropPrivate(v)
	v.cache = Cache{Image: off, Used: int32(len(p)), Allocated: size}
	v.private = true
	v.flags |= ViewUpdated
	db.retryDeferred(v.rec)
	return nil
}

// Remove drops the view's record image. Like a write, it takes effect when
// the view is committed.
func (db *DB) Remove(c ClientID, id ViewID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	v, err := db.lookupWritable(c, id)
	if err != nil {
		return err
	}
	db.remove(v)
	return nil
}

func (db *DB) remove(v *view) {
	db.dropPrivate(v)
	v.cache = Cache{Image: format.NoImage}
	v.flags |= ViewUpdated
	db.retryDeferred(v.rec)
}
