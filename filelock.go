package gapdb

// filelock.go implements the file lock: one client at a time may hold it,
// and while it is held every other client's commits wait in a queue that
// UnlockFile applies as a single batch.
//
// The lock only orders clients of this DB. It does not keep other
// processes out; CheckHeader detects those.

import (
	"errors"
	"fmt"

	"github.com/staden/gapdb/internal/logging"
)

type fileLock struct {
	held  bool
	owner ClientID

	// Queue of views with a pending commit, linked through view.next.
	head, tail ViewID
}

// LockFile gives client c the file lock. Taking a lock already held by c is
// a no-op.
func (db *DB) LockFile(c ClientID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	if err := db.checkClient(c); err != nil {
		return err
	}
	if db.flock.held {
		if db.flock.owner == c {
			return nil
		}
		return fmt.Errorf("%w: held by client %d", ErrFileLocked, db.flock.owner)
	}
	db.flock.held = true
	db.flock.owner = c
	db.logger.Debugf(logging.NSFileLock+"client %d took the file lock", c)
	return nil
}

// UnlockFile releases the file lock held by c and commits every queued
// view in queue order as one batch. Queued views that conflict are
// reloaded; their errors are joined into the result.
func (db *DB) UnlockFile(c ClientID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	if err := db.checkClient(c); err != nil {
		return err
	}
	if !db.flock.held || db.flock.owner != c {
		return fmt.Errorf("%w: client %d does not hold the file lock", ErrFileLocked, c)
	}
	return db.releaseFileLock()
}

// FileLockOwner reports which client holds the file lock.
func (db *DB) FileLockOwner() (ClientID, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.flock.owner, db.flock.held
}

func (db *DB) enqueue(id ViewID, snap Cache, release bool) {
	v := &db.views[id]
	if v.link == linkQueued {
		// A newer commit replaces the queued one, whose space nothing
		// refers to any more.
		db.dropPending(v)
	} else {
		v.link = linkQueued
		v.next = noView
		if db.flock.tail == noView {
			db.flock.head = id
		} else {
			db.views[db.flock.tail].next = id
		}
		db.flock.tail = id
	}
	v.pending = &snap
	v.release = v.release || release
	v.flags |= ViewQueued
}

// dequeue unlinks a queued view without committing it.
func (db *DB) dequeue(id ViewID) {
	prev := noView
	for cur := db.flock.head; cur != noView; cur = db.views[cur].next {
		if cur != id {
			prev = cur
			continue
		}
		next := db.views[cur].next
		if prev == noView {
			db.flock.head = next
		} else {
			db.views[prev].next = next
		}
		if db.flock.tail == id {
			db.flock.tail = prev
		}
		break
	}
	v := &db.views[id]
	v.link = linkActive
	v.next = noView
}

func (db *DB) releaseFileLock() error {
	var ids []ViewID
	for id := db.flock.head; id != noView; {
		v := &db.views[id]
		next := v.next
		v.link = linkActive
		v.next = noView
		ids = append(ids, id)
		id = next
	}
	owner := db.flock.owner
	db.flock = fileLock{head: noView, tail: noView}
	if len(ids) == 0 {
		db.logger.Debugf(logging.NSFileLock+"client %d released the file lock", owner)
		return nil
	}

	conflicts, err := db.commitBatch(ids)
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, id := range conflicts {
		errs = append(errs, fmt.Errorf("%w: view %d record %d", ErrConflict, id, db.views[id].rec))
	}
	for _, id := range ids {
		if db.views[id].release {
			if err := db.release(id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	db.logger.Debugf(logging.NSFileLock+"client %d released the file lock: %d queued commits, %d conflicts",
		owner, len(ids), len(conflicts))
	return errors.Join(errs...)
}
