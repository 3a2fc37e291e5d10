package gapdb

// info.go implements metadata queries.

import (
	"fmt"

	"github.com/staden/gapdb/internal/format"
	"github.com/staden/gapdb/internal/freetree"
)

// Header is the store's index header.
type Header = format.AuxHeader

// Extent is a byte range of the data file.
type Extent = freetree.Extent

// RecordInfo describes a record's authoritative image.
type RecordInfo struct {
	Image     int64 // -1 if the record has no data
	Used      int32
	Allocated int64
	Time      int32 // edit time of the commit that wrote the image
}

// HasImage reports whether the record holds data.
func (r RecordInfo) HasImage() bool { return r.Image >= 0 && r.Used > 0 }

// ViewInfo describes an open view.
type ViewInfo struct {
	Client ClientID
	Record int32
	Mode   LockMode
	Flags  ViewFlags
	Cache  Cache
}

// Header returns a copy of the in-memory index header.
func (db *DB) Header() (Header, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return Header{}, ErrClosed
	}
	return db.file.Header(), nil
}

// NumRecords returns the number of records the index covers.
func (db *DB) NumRecords() int32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0
	}
	return db.file.NumRecords()
}

// BlockSize returns the allocation granularity.
func (db *DB) BlockSize() int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return 0
	}
	return db.file.BlockSize()
}

// ReadOnly reports whether the store was opened read-only.
func (db *DB) ReadOnly() bool { return db.opts.ReadOnly }

// RecordInfo returns the authoritative state of record rec. Unlike Lock it
// never creates the record.
func (db *DB) RecordInfo(rec int32) (RecordInfo, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return RecordInfo{}, ErrClosed
	}
	h := db.file.Header()
	if rec < 0 || rec >= h.MaxRecords {
		return RecordInfo{}, fmt.Errorf("%w: %d", ErrBadRecord, rec)
	}
	if rec >= h.NumRecords {
		return RecordInfo{Image: format.NoImage}, nil
	}
	r, err := db.file.ReadIndex(rec)
	if err != nil {
		return RecordInfo{}, db.check(err)
	}
	return RecordInfo{Image: r.Image, Used: r.Used, Allocated: r.Allocated, Time: r.Time}, nil
}

// ViewInfo describes view id of client c.
func (db *DB) ViewInfo(c ClientID, id ViewID) (ViewInfo, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ViewInfo{}, ErrClosed
	}
	v, err := db.lookup(c, id)
	if err != nil {
		return ViewInfo{}, err
	}
	return ViewInfo{Client: v.client, Record: v.rec, Mode: v.mode, Flags: v.flags, Cache: v.cache}, nil
}

// FreeExtents returns the free ranges of the data file in offset order.
// The last one is the open-ended space past the end of the file.
func (db *DB) FreeExtents() ([]Extent, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.file.FreeExtents(), nil
}

// CheckFreeSpace verifies the free-space tree's internal invariants.
func (db *DB) CheckFreeSpace() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return db.file.ValidateFreeTree()
}
