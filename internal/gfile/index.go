package gfile

import (
	"github.com/staden/gapdb/internal/cache"
	"github.com/staden/gapdb/internal/format"
)

// Entry is the in-memory index entry of one record: both on-disk toggle
// slots and the number of data bytes reserved for each slot's image.
type Entry struct {
	Aux   format.AuxIndex
	Alloc [2]int64
}

// Record is the authoritative state of a record.
type Record struct {
	Image     int64 // format.NoImage if the record has no data
	Time      int32
	Used      int32
	Allocated int64 // bytes reserved in the data file, >= RoundUp(Used)
}

// HasImage reports whether the record has stored data.
func (r Record) HasImage() bool { return r.Image >= 0 && r.Used > 0 }

// record flattens e against lastTime.
func (e *Entry) record(lastTime int32) Record {
	i := e.Aux.Authoritative(lastTime)
	if i < 0 {
		return Record{Image: format.NoImage}
	}
	s := e.Aux.Current(lastTime)
	r := Record{Image: s.Image, Time: s.Time, Used: s.Used}
	if s.HasImage() {
		r.Allocated = e.Alloc[i]
	} else {
		r.Used = 0
	}
	return r
}

// indexTable is the in-memory record -> Entry map.
//
// Entries are write-through: every change is on disk before it is stored
// here, so an unpinned entry may be dropped and reloaded at any time. An
// entry whose reservation exceeds what replay would reserve is pinned until
// the extra space is trimmed.
type indexTable interface {
	get(rec int32) *Entry
	put(rec int32, e *Entry)
	forget(rec int32)
	setPinned(rec int32, pinned bool)
	pinned() []int32
	clear()
}

func (g *GFile) newIndexTable() indexTable {
	if g.opts.IndexCacheSize > 0 {
		return &cachedIndex{
			lru:  cache.NewLRUCache[int32, *Entry](g.opts.IndexCacheSize),
			pins: make(map[int32]struct{}),
		}
	}
	return &arrayIndex{pins: make(map[int32]struct{})}
}

// arrayIndex holds every entry in a slice indexed by record number. Slots
// past the loaded range are nil until first referenced.
type arrayIndex struct {
	entries []*Entry
	pins    map[int32]struct{}
}

func (a *arrayIndex) get(rec int32) *Entry {
	if int(rec) < len(a.entries) {
		return a.entries[rec]
	}
	return nil
}

func (a *arrayIndex) put(rec int32, e *Entry) {
	if int(rec) >= len(a.entries) {
		n := max(len(a.entries)*2, int(rec)+1, 64)
		grown := make([]*Entry, n)
		copy(grown, a.entries)
		a.entries = grown
	}
	a.entries[rec] = e
}

func (a *arrayIndex) forget(rec int32) {
	if _, ok := a.pins[rec]; ok {
		return
	}
	if int(rec) < len(a.entries) {
		a.entries[rec] = nil
	}
}

func (a *arrayIndex) setPinned(rec int32, pinned bool) {
	if pinned {
		a.pins[rec] = struct{}{}
	} else {
		delete(a.pins, rec)
	}
}

func (a *arrayIndex) pinned() []int32 {
	out := make([]int32, 0, len(a.pins))
	for rec := range a.pins {
		out = append(out, rec)
	}
	return out
}

func (a *arrayIndex) clear() {
	a.entries = nil
	a.pins = make(map[int32]struct{})
}

// cachedIndex keeps a bounded working set of entries.
type cachedIndex struct {
	lru  *cache.LRUCache[int32, *Entry]
	pins map[int32]struct{}
}

func (c *cachedIndex) get(rec int32) *Entry {
	e, _ := c.lru.Lookup(rec)
	return e
}

func (c *cachedIndex) put(rec int32, e *Entry) {
	c.lru.Insert(rec, e)
}

func (c *cachedIndex) forget(rec int32) {
	if _, ok := c.pins[rec]; ok {
		return
	}
	c.lru.Erase(rec)
}

func (c *cachedIndex) setPinned(rec int32, pinned bool) {
	_, was := c.pins[rec]
	switch {
	case pinned && !was:
		if c.lru.Pin(rec) {
			c.pins[rec] = struct{}{}
		}
	case !pinned && was:
		delete(c.pins, rec)
		c.lru.Unpin(rec)
	}
}

func (c *cachedIndex) pinned() []int32 {
	out := make([]int32, 0, len(c.pins))
	for rec := range c.pins {
		out = append(out, rec)
	}
	return out
}

func (c *cachedIndex) clear() {
	c.lru.Clear()
	c.pins = make(map[int32]struct{})
}

// -----------------------------------------------------------------------------
// Entry access
// -----------------------------------------------------------------------------

// entryFromDisk builds an entry from an on-disk index entry.
func (g *GFile) entryFromDisk(ai format.AuxIndex) *Entry {
	e := &Entry{Aux: ai}
	for i, s := range ai.Slots {
		e.Alloc[i] = g.diskAlloc(s)
	}
	return e
}

// entry returns the entry of rec, loading it if it is not resident. Records
// at or beyond NumRecords have no entry and yield nil.
func (g *GFile) entry(rec int32) (*Entry, error) {
	if e := g.index.get(rec); e != nil {
		return e, nil
	}
	if rec >= g.header.NumRecords {
		return nil, nil
	}

	if _, ok := g.index.(*cachedIndex); ok {
		return g.loadBlock(rec)
	}
	ai, err := g.codec.ReadIndex(g.aux, rec)
	if err != nil {
		return nil, ioErr("read index", g.auxName, err)
	}
	e := g.entryFromDisk(ai)
	g.index.put(rec, e)
	return e, nil
}

// loadBlock reads the aligned block of entries containing rec into the
// cache, keeping any entries already resident.
func (g *GFile) loadBlock(rec int32) (*Entry, error) {
	span := int32(g.opts.IndexBlockEntries)
	first := rec - rec%span
	n := min(span, g.header.NumRecords-first)
	block, err := g.codec.ReadIndexBlock(g.aux, first, int(n))
	if err != nil {
		return nil, ioErr("read index", g.auxName, err)
	}
	var want *Entry
	for i, ai := range block {
		r := first + int32(i)
		e := g.index.get(r)
		if e == nil {
			e = g.entryFromDisk(ai)
			g.index.put(r, e)
		}
		if r == rec {
			want = e
		}
	}
	return want, nil
}

// ReadIndex returns the authoritative state of rec.
//
// In read-write mode a record beyond the current index is created: the
// index grows to cover it and its entry is initialized on disk with no
// image. In read-only mode such a record simply reads as empty.
func (g *GFile) ReadIndex(rec int32) (Record, error) {
	if g.closed {
		return Record{}, ErrClosed
	}
	if err := g.checkRecord(rec); err != nil {
		return Record{}, err
	}
	e, err := g.entry(rec)
	if err != nil {
		return Record{}, err
	}
	if e == nil {
		if g.opts.ReadOnly || g.fatal != nil {
			return Record{Image: format.NoImage}, nil
		}
		if e, err = g.initEntry(rec); err != nil {
			return Record{}, err
		}
	}
	return e.record(g.header.LastTime), nil
}

// initEntry extends the index to cover rec and writes its empty entry.
// Records skipped over by the growth read back as zero-filled, which is
// also empty.
func (g *GFile) initEntry(rec int32) (*Entry, error) {
	e := &Entry{Aux: format.EmptyIndex()}
	if err := g.codec.WriteIndex(g.aux, rec, &e.Aux); err != nil {
		return nil, ioErr("write index", g.auxName, err)
	}
	if rec >= g.header.NumRecords {
		g.header.NumRecords = rec + 1
	}
	g.index.put(rec, e)
	return e, nil
}

// ForgetIndex drops the cached entry of rec so the next read reloads it
// from disk. Pinned entries are kept.
func (g *GFile) ForgetIndex(rec int32) {
	g.index.forget(rec)
}

// WriteIndex commits a single record update and frees the image it
// replaces.
func (g *GFile) WriteIndex(rec int32, r Record) error {
	superseded, err := g.Commit([]Update{{Rec: rec, Image: r.Image, Used: r.Used, Allocated: r.Allocated}})
	if err != nil {
		return err
	}
	for _, ext := range superseded {
		if err := g.Free(ext.Pos, ext.Len); err != nil {
			return err
		}
	}
	return nil
}
