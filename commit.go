package gapdb

// commit.go implements the end of a view's life: Unlock, Flush and Abandon,
// and the batch commit they share with UnlockFile.

import (
	"fmt"

	"github.com/staden/gapdb/internal/format"
	"github.com/staden/gapdb/internal/freetree"
	"github.com/staden/gapdb/internal/gfile"
	"github.com/staden/gapdb/internal/logging"
)

// Unlock commits the view's writes and releases it.
//
// If the record was committed by another view since this view loaded it,
// Unlock fails with ErrConflict: the writes are discarded, the view is
// reloaded with the record's current image and stays open.
//
// While another client holds the file lock the commit is queued and Unlock
// returns nil; the view is released when the lock holder calls UnlockFile.
func (db *DB) Unlock(c ClientID, id ViewID) error {
	return db.finish(c, id, true)
}

// Flush commits the view's writes like Unlock but keeps the view open.
func (db *DB) Flush(c ClientID, id ViewID) error {
	return db.finish(c, id, false)
}

func (db *DB) finish(c ClientID, id ViewID, release bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	return db.finishLocked(c, id, release)
}

func (db *DB) finishLocked(c ClientID, id ViewID, release bool) error {
	v, err := db.lookup(c, id)
	if err != nil {
		return err
	}
	done := ViewFlushed
	if release {
		done = ViewUnlocked
	}

	if v.flags&ViewUpdated == 0 {
		v.flags |= done
		switch {
		case v.link == linkQueued:
			v.release = v.release || release
			return nil
		case release:
			return db.release(id)
		}
		return nil
	}

	snap := v.cache
	v.private = false
	v.flags &^= ViewUpdated

	if db.flock.held && db.flock.owner != c {
		v.flags |= done
		db.enqueue(id, snap, release)
		db.logger.Debugf(logging.NSFileLock+"view %d of client %d queued behind client %d",
			id, c, db.flock.owner)
		return nil
	}

	v.pending = &snap
	conflicts, err := db.commitBatch([]ViewID{id})
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		return fmt.Errorf("%w: record %d", ErrConflict, v.rec)
	}
	v.flags |= done
	if release {
		return db.release(id)
	}
	return nil
}

// Abandon discards the view's uncommitted writes and releases it. A commit
// already queued behind the file lock is kept.
func (db *DB) Abandon(c ClientID, id ViewID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	v, err := db.lookup(c, id)
	if err != nil {
		return err
	}
	return db.abandon(id, v)
}

func (db *DB) abandon(id ViewID, v *view) error {
	v.flags |= ViewAbandoned
	v.flags &^= ViewUpdated
	db.dropPrivate(v)
	if v.link == linkQueued {
		v.cache = *v.pending
		v.release = true
		return nil
	}
	return db.release(id)
}

// commitBatch commits the pending caches of the given views in one index
// commit. A view whose base image is no longer the record's authoritative
// image, or whose record an earlier view in the batch already commits,
// loses: its pending space is freed and it is reloaded. The losers are
// returned. If the commit itself fails every view is reloaded.
func (db *DB) commitBatch(ids []ViewID) ([]ViewID, error) {
	current := make([]gfile.Record, len(ids))
	for i, id := range ids {
		r, err := db.file.ReadIndex(db.views[id].rec)
		if err != nil {
			for _, id := range ids {
				db.reset(&db.views[id])
			}
			return nil, db.check(err)
		}
		current[i] = r
	}

	var (
		updates   []gfile.Update
		members   []int
		conflicts []ViewID
	)
	seen := make(map[int32]bool, len(ids))
	owner := make(map[int64]int32, len(ids))
	for i, id := range ids {
		v := &db.views[id]
		cur := current[i]
		if seen[v.rec] || cur.Image != v.baseImage || cur.Time != v.baseTime {
			db.logger.Warnf(logging.NSView+"view %d: record %d changed underneath it (loaded %d@%d, now %d@%d)",
				id, v.rec, v.baseImage, v.baseTime, cur.Image, cur.Time)
			db.reload(v, cur)
			conflicts = append(conflicts, id)
			continue
		}
		seen[v.rec] = true
		p := v.pending
		updates = append(updates, gfile.Update{Rec: v.rec, Image: p.Image, Used: p.Used, Allocated: p.Allocated})
		members = append(members, i)
		if cur.HasImage() {
			owner[cur.Image] = v.rec
		}
	}

	superseded, err := db.file.Commit(updates)
	if err != nil {
		for _, i := range members {
			db.reload(&db.views[ids[i]], current[i])
		}
		return conflicts, db.check(err)
	}

	now := db.file.Header().LastTime
	for _, i := range members {
		v := &db.views[ids[i]]
		v.baseImage, v.baseTime = v.pending.Image, now
		v.pending = nil
		v.flags &^= ViewQueued
		v.committed = true
	}
	for _, ext := range superseded {
		db.freeOrDefer(owner[ext.Pos], ext)
	}
	return conflicts, nil
}

// reload points v at the record's authoritative image r, discarding its
// writes.
func (db *DB) reload(v *view, r gfile.Record) {
	db.dropPending(v)
	db.dropPrivate(v)
	v.cache = cacheOf(r)
	v.baseImage, v.baseTime = r.Image, r.Time
	v.flags &^= ViewUpdated
	db.retryDeferred(v.rec)
}

// reset discards v's writes when the record's current state is unknown.
// The view keeps its base, so its next commit conflicts if the record has
// moved on.
func (db *DB) reset(v *view) {
	db.dropPending(v)
	db.dropPrivate(v)
	v.cache = Cache{Image: format.NoImage}
	v.flags &^= ViewUpdated
}

// freeOrDefer frees a superseded image of rec unless an open view still
// reads it, in which case it is freed when the last such view lets go.
func (db *DB) freeOrDefer(rec int32, ext freetree.Extent) {
	if db.referenced(rec, ext.Pos) {
		db.deferred = append(db.deferred, deferredFree{rec: rec, ext: ext})
		db.logger.Debugf(logging.NSView+"record %d: deferring free of [%d,+%d)", rec, ext.Pos, ext.Len)
		return
	}
	db.freeExtent(ext)
}

func (db *DB) referenced(rec int32, image int64) bool {
	for _, id := range db.recViews[rec] {
		v := &db.views[id]
		if !v.private && v.cache.Image == image {
			return true
		}
	}
	return false
}

// retryDeferred frees the deferred images of rec that are no longer read.
func (db *DB) retryDeferred(rec int32) {
	if len(db.deferred) == 0 {
		return
	}
	kept := db.deferred[:0]
	for _, d := range db.deferred {
		if d.rec == rec && !db.referenced(rec, d.ext.Pos) {
			db.freeExtent(d.ext)
			continue
		}
		kept = append(kept, d)
	}
	db.deferred = kept
}
