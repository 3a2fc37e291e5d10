package gapdb

import (
	"errors"
	"testing"
)

func TestFileLockQueuesOtherClients(t *testing.T) {
	db := newTestDB(t)
	holder := connect(t, db, LockWrite)
	other := connect(t, db, LockWrite)

	if err := db.LockFile(holder); err != nil {
		t.Fatalf("LockFile: %v", err)
	}
	if err := db.LockFile(holder); err != nil {
		t.Errorf("LockFile again by the holder: %v", err)
	}
	if err := db.LockFile(other); !errors.Is(err, ErrFileLocked) {
		t.Errorf("LockFile by another client: got %v, want ErrFileLocked", err)
	}
	if owner, held := db.FileLockOwner(); !held || owner != holder {
		t.Errorf("FileLockOwner = %d, %v", owner, held)
	}
	start, _ := db.Header()

	// Commits of other clients are queued.
	if err := db.WriteRecord(other, 0, []byte("queued 0")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	v, _ := db.Lock(other, 1, LockWrite)
	if err := db.Write(other, v, []byte("queued 1")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := db.Flush(other, v); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	info, err := db.ViewInfo(other, v)
	if err != nil {
		t.Fatalf("ViewInfo: %v", err)
	}
	if info.Flags&ViewQueued == 0 || info.Flags&ViewFlushed == 0 {
		t.Errorf("queued view flags = %b", info.Flags)
	}
	for rec := int32(0); rec < 2; rec++ {
		if r, _ := db.RecordInfo(rec); r.HasImage() {
			t.Errorf("record %d visible before UnlockFile: %+v", rec, r)
		}
	}

	// The holder's own commits are not.
	if err := db.WriteRecord(holder, 2, []byte("direct")); err != nil {
		t.Fatalf("WriteRecord by holder: %v", err)
	}
	if h, _ := db.Header(); h.LastTime != start.LastTime+1 {
		t.Errorf("LastTime = %d, want %d", h.LastTime, start.LastTime+1)
	}

	if err := db.UnlockFile(other); !errors.Is(err, ErrFileLocked) {
		t.Errorf("UnlockFile by non-holder: got %v, want ErrFileLocked", err)
	}
	if err := db.UnlockFile(holder); err != nil {
		t.Fatalf("UnlockFile: %v", err)
	}

	// Both queued commits landed in one batch.
	if h, _ := db.Header(); h.LastTime != start.LastTime+2 {
		t.Errorf("LastTime = %d, want %d", h.LastTime, start.LastTime+2)
	}
	for rec, want := range []string{"queued 0", "queued 1", "direct"} {
		if got := getRecord(t, db, holder, int32(rec)); string(got) != want {
			t.Errorf("record %d = %q, want %q", rec, got, want)
		}
	}
	if _, held := db.FileLockOwner(); held {
		t.Error("file lock still held")
	}

	// The flushed view is still open and usable.
	info, err = db.ViewInfo(other, v)
	if err != nil {
		t.Fatalf("ViewInfo after UnlockFile: %v", err)
	}
	if info.Flags&ViewQueued != 0 {
		t.Errorf("view still queued: %b", info.Flags)
	}
	if err := db.Unlock(other, v); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
}

func TestFileLockBatchConflict(t *testing.T) {
	db := newTestDB(t)
	holder := connect(t, db, LockWrite)
	a := connect(t, db, LockWrite)
	b := connect(t, db, LockWrite)

	va, _ := db.Lock(a, 0, LockWrite)
	vb, _ := db.Lock(b, 0, LockWrite)
	if err := db.LockFile(holder); err != nil {
		t.Fatalf("LockFile: %v", err)
	}
	if err := db.Write(a, va, []byte("aaaa")); err != nil {
		t.Fatalf("Write a: %v", err)
	}
	if err := db.Write(b, vb, []byte("bbbb")); err != nil {
		t.Fatalf("Write b: %v", err)
	}
	if err := db.Unlock(a, va); err != nil {
		t.Fatalf("Unlock a: %v", err)
	}
	if err := db.Unlock(b, vb); err != nil {
		t.Fatalf("Unlock b: %v", err)
	}

	err := db.UnlockFile(holder)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("UnlockFile: got %v, want ErrConflict", err)
	}
	if got := getRecord(t, db, holder, 0); string(got) != "aaaa" {
		t.Errorf("record 0 = %q, want the first queued commit", got)
	}

	// Both views are gone and the loser's space is free again.
	if _, err := db.ViewInfo(b, vb); !errors.Is(err, ErrBadView) {
		t.Errorf("losing view still open: %v", err)
	}
	free, _ := db.FreeExtents()
	if len(free) != 1 || free[0].Pos != 16 {
		t.Errorf("free extents = %v, want the wilderness from 16", free)
	}
	if err := db.CheckFreeSpace(); err != nil {
		t.Errorf("CheckFreeSpace: %v", err)
	}
}

func TestQueuedAbandonKeepsCommit(t *testing.T) {
	db := newTestDB(t)
	holder := connect(t, db, LockWrite)
	c := connect(t, db, LockWrite)

	v, _ := db.Lock(c, 0, LockWrite)
	if err := db.LockFile(holder); err != nil {
		t.Fatalf("LockFile: %v", err)
	}
	if err := db.Write(c, v, []byte("flushed")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := db.Flush(c, v); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := db.Write(c, v, []byte("discarded")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := db.Abandon(c, v); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if _, err := db.ViewInfo(c, v); !errors.Is(err, ErrBadView) {
		t.Errorf("abandoned view still usable: %v", err)
	}
	if err := db.UnlockFile(holder); err != nil {
		t.Fatalf("UnlockFile: %v", err)
	}
	if got := getRecord(t, db, c, 0); string(got) != "flushed" {
		t.Errorf("record = %q, want flushed", got)
	}
	free, _ := db.FreeExtents()
	if len(free) != 1 || free[0].Pos != 16 {
		t.Errorf("free extents = %v, want the wilderness from 16", free)
	}
}

func TestDisconnectReleasesFileLock(t *testing.T) {
	db := newTestDB(t)
	holder := connect(t, db, LockWrite)
	other := connect(t, db, LockWrite)

	if err := db.LockFile(holder); err != nil {
		t.Fatalf("LockFile: %v", err)
	}
	if err := db.WriteRecord(other, 5, []byte("waiting")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := db.Disconnect(holder); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, held := db.FileLockOwner(); held {
		t.Error("file lock survived its holder")
	}
	if got := getRecord(t, db, other, 5); string(got) != "waiting" {
		t.Errorf("record 5 = %q", got)
	}
}

func TestDisconnectDropsQueuedCommits(t *testing.T) {
	db := newTestDB(t)
	holder := connect(t, db, LockWrite)
	other := connect(t, db, LockWrite)

	if err := db.LockFile(holder); err != nil {
		t.Fatalf("LockFile: %v", err)
	}
	if err := db.WriteRecord(other, 0, []byte("never")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := db.Disconnect(other); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := db.UnlockFile(holder); err != nil {
		t.Fatalf("UnlockFile: %v", err)
	}
	if r, _ := db.RecordInfo(0); r.HasImage() {
		t.Errorf("record 0 = %+v, want no image", r)
	}
	free, _ := db.FreeExtents()
	if len(free) != 1 || free[0].Pos != 0 {
		t.Errorf("free extents = %v, want everything free", free)
	}
}
