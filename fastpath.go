package gapdb

// fastpath.go implements single-call record access: each call locks a
// view, does one operation and lets the view go.

// ReadRecord reads record rec into buf as Read does.
func (db *DB) ReadRecord(c ClientID, rec int32, buf []byte) (int, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return 0, err
	}
	id, err := db.lock(c, rec, LockRead)
	if err != nil {
		return 0, err
	}
	n, err := db.read(&db.views[id], buf)
	if rerr := db.release(id); err == nil {
		err = rerr
	}
	return n, err
}

// WriteRecord replaces record rec with p and commits it.
func (db *DB) WriteRecord(c ClientID, rec int32, p []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	id, err := db.lock(c, rec, LockWrite)
	if err != nil {
		return err
	}
	if err := db.write(&db.views[id], p); err != nil {
		_ = db.abandon(id, &db.views[id])
		return err
	}
	return db.commitFast(c, id)
}

// RemoveRecord drops record rec's image and commits the removal.
func (db *DB) RemoveRecord(c ClientID, rec int32) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	id, err := db.lock(c, rec, LockWrite)
	if err != nil {
		return err
	}
	db.remove(&db.views[id])
	return db.commitFast(c, id)
}

// commitFast unlocks a fast-path view. A view that fails to commit is
// abandoned rather than left open, since the caller never saw its id.
func (db *DB) commitFast(c ClientID, id ViewID) error {
	err := db.finishLocked(c, id, true)
	if err != nil && db.views[id].link != linkFree && !db.views[id].release {
		_ = db.abandon(id, &db.views[id])
	}
	return err
}
