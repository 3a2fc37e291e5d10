package gapdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/staden/gapdb/internal/gfile"
	"github.com/staden/gapdb/internal/logging"
	"github.com/staden/gapdb/internal/vfs"
)

func testOptions() *Options {
	opts := DefaultOptions()
	opts.CreateIfMissing = true
	opts.BlockSize = 16
	opts.Logger = logging.Discard
	return opts
}

func testPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.g")
}

func openTestDB(t *testing.T, path string, opts *Options) *DB {
	t.Helper()
	db, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	return db
}

func connect(t *testing.T, db *DB, mode LockMode) ClientID {
	t.Helper()
	c, err := db.Connect(mode)
	if err != nil {
		t.Fatalf("Connect(%s): %v", mode, err)
	}
	return c
}

// putRecord writes rec through an explicit view.
func putRecord(t *testing.T, db *DB, c ClientID, rec int32, data []byte) {
	t.Helper()
	v, err := db.Lock(c, rec, LockWrite)
	if err != nil {
		t.Fatalf("Lock(%d): %v", rec, err)
	}
	if err := db.Write(c, v, data); err != nil {
		t.Fatalf("Write(%d): %v", rec, err)
	}
	if err := db.Unlock(c, v); err != nil {
		t.Fatalf("Unlock(%d): %v", rec, err)
	}
}

// getRecord reads rec's full contents.
func getRecord(t *testing.T, db *DB, c ClientID, rec int32) []byte {
	t.Helper()
	info, err := db.RecordInfo(rec)
	if err != nil {
		t.Fatalf("RecordInfo(%d): %v", rec, err)
	}
	buf := make([]byte, info.Used)
	n, err := db.ReadRecord(c, rec, buf)
	if err != nil {
		t.Fatalf("ReadRecord(%d): %v", rec, err)
	}
	return buf[:n]
}

func TestOpenMissingAndExisting(t *testing.T) {
	path := testPath(t)

	opts := testOptions()
	opts.CreateIfMissing = false
	if _, err := Open(path, opts); !errors.Is(err, ErrNotExist) {
		t.Fatalf("Open missing store: got %v, want ErrNotExist", err)
	}

	db := openTestDB(t, path, testOptions())
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := db.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close: got %v, want ErrClosed", err)
	}

	opts = testOptions()
	opts.ErrorIfExists = true
	if _, err := Open(path, opts); !errors.Is(err, ErrExists) {
		t.Fatalf("Open existing store with ErrorIfExists: got %v, want ErrExists", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
	}{
		{"negative block size", func(o *Options) { o.BlockSize = -1 }},
		{"no clients", func(o *Options) { o.MaxClients = 0 }},
		{"negative cache", func(o *Options) { o.IndexCacheSize = -1 }},
		{"bad format", func(o *Options) { o.Format = 7 }},
		{"read-only block size change", func(o *Options) { o.ReadOnly = true; o.ChangeBlockSize = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.modify(opts)
			if _, err := Open(testPath(t), opts); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("got %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestRoundTripAcrossReopen(t *testing.T) {
	lengths := []int{0, 1, 15, 16, 17, 100, 1000}
	for _, save := range []bool{true, false} {
		t.Run(fmt.Sprintf("save=%v", save), func(t *testing.T) {
			path := testPath(t)
			opts := testOptions()
			opts.SaveFreeTree = save
			db := openTestDB(t, path, opts)
			c := connect(t, db, LockWrite)

			want := make(map[int32][]byte)
			for i, n := range lengths {
				data := bytes.Repeat([]byte{byte('a' + i)}, n)
				putRecord(t, db, c, int32(i), data)
				want[int32(i)] = data
			}
			before, err := db.FreeExtents()
			if err != nil {
				t.Fatalf("FreeExtents: %v", err)
			}
			if err := db.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			db = openTestDB(t, path, opts)
			defer db.Close()
			c = connect(t, db, LockRead)
			for rec, data := range want {
				buf := make([]byte, len(data)+8)
				for i := range buf {
					buf[i] = 0xff
				}
				n, err := db.ReadRecord(c, rec, buf)
				if err != nil {
					t.Fatalf("ReadRecord(%d): %v", rec, err)
				}
				if n != len(data) {
					t.Errorf("record %d: got %d bytes, want %d", rec, n, len(data))
				}
				if !bytes.Equal(buf[:len(data)], data) {
					t.Errorf("record %d: contents differ", rec)
				}
				if !bytes.Equal(buf[len(data):], make([]byte, 8)) {
					t.Errorf("record %d: tail not zero-filled: %v", rec, buf[len(data):])
				}
			}
			after, err := db.FreeExtents()
			if err != nil {
				t.Fatalf("FreeExtents: %v", err)
			}
			if fmt.Sprint(after) != fmt.Sprint(before) {
				t.Errorf("free extents after reopen = %v, want %v", after, before)
			}
		})
	}
}

func TestBlockSize16Scenario(t *testing.T) {
	db := openTestDB(t, testPath(t), testOptions())
	defer db.Close()
	c := connect(t, db, LockWrite)

	if err := db.WriteRecord(c, 0, []byte("hello")); err != nil {
		t.Fatalf("WriteRecord(0): %v", err)
	}
	if err := db.WriteRecord(c, 1, bytes.Repeat([]byte("x"), 20)); err != nil {
		t.Fatalf("WriteRecord(1): %v", err)
	}
	r0, _ := db.RecordInfo(0)
	r1, _ := db.RecordInfo(1)
	if r0.Image != 0 || r0.Allocated != 16 {
		t.Errorf("record 0 = %+v, want image 0 allocated 16", r0)
	}
	if r1.Image != 16 || r1.Allocated != 32 {
		t.Errorf("record 1 = %+v, want image 16 allocated 32", r1)
	}

	if err := db.RemoveRecord(c, 0); err != nil {
		t.Fatalf("RemoveRecord(0): %v", err)
	}
	free, _ := db.FreeExtents()
	if len(free) != 2 || free[0] != (Extent{Pos: 0, Len: 16}) || free[1].Pos != 48 {
		t.Fatalf("free extents = %v, want [0,16) and wilderness from 48", free)
	}

	if err := db.WriteRecord(c, 2, []byte("ten bytes!")); err != nil {
		t.Fatalf("WriteRecord(2): %v", err)
	}
	if r2, _ := db.RecordInfo(2); r2.Image != 0 {
		t.Errorf("record 2 placed at %d, want 0", r2.Image)
	}
	if err := db.CheckFreeSpace(); err != nil {
		t.Errorf("CheckFreeSpace: %v", err)
	}
}

func TestGrowThenShrink(t *testing.T) {
	path := testPath(t)
	db := openTestDB(t, path, testOptions())
	c := connect(t, db, LockWrite)

	v, err := db.Lock(c, 0, LockWrite)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := db.Write(c, v, []byte("ten bytes!")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := db.Flush(c, v); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	long := bytes.Repeat([]byte("L"), 40)
	if err := db.Write(c, v, long); err != nil {
		t.Fatalf("Write(40): %v", err)
	}
	info, _ := db.ViewInfo(c, v)
	if info.Cache.Image != 16 || info.Cache.Allocated != 48 {
		t.Fatalf("after growing, cache = %+v, want image 16 allocated 48", info.Cache)
	}
	if err := db.Write(c, v, []byte("short")); err != nil {
		t.Fatalf("Write(5): %v", err)
	}
	info, _ = db.ViewInfo(c, v)
	if info.Cache.Image != 16 || info.Cache.Used != 5 {
		t.Fatalf("shrinking should rewrite in place, cache = %+v", info.Cache)
	}
	if err := db.Unlock(c, v); err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	r, _ := db.RecordInfo(0)
	if r.Image != 16 || r.Used != 5 || r.Allocated != 16 {
		t.Errorf("record = %+v, want image 16 used 5 allocated 16 after trimming", r)
	}
	free, _ := db.FreeExtents()
	if len(free) != 2 || free[0] != (Extent{Pos: 0, Len: 16}) || free[1].Pos != 32 {
		t.Errorf("free extents = %v, want [0,16) and wilderness from 32", free)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db = openTestDB(t, path, testOptions())
	defer db.Close()
	c = connect(t, db, LockRead)
	if got := getRecord(t, db, c, 0); string(got) != "short" {
		t.Errorf("after reopen got %q, want %q", got, "short")
	}
}

func TestCrashBetweenIndexAndHeader(t *testing.T) {
	path := testPath(t)
	fs := vfs.NewFaultInjectionFS(vfs.Default())
	opts := testOptions()
	opts.FS = fs
	db := openTestDB(t, path, opts)
	c := connect(t, db, LockWrite)

	if err := db.WriteRecord(c, 0, []byte("old")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	// The index slot write goes through, the header write does not.
	fs.FailWritesAfter(path+gfile.AuxSuffix, 1)
	err := db.WriteRecord(c, 0, []byte("new contents"))
	if !IsFatal(err) {
		t.Fatalf("WriteRecord during crash: got %v, want a fatal error", err)
	}
	if db.Err() == nil {
		t.Fatal("DB not poisoned")
	}
	if _, err := db.Lock(c, 0, LockRead); !IsFatal(err) {
		t.Errorf("Lock after fatal error: got %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db = openTestDB(t, path, testOptions())
	defer db.Close()
	c = connect(t, db, LockRead)
	if got := getRecord(t, db, c, 0); string(got) != "old" {
		t.Errorf("after crash got %q, want %q", got, "old")
	}
}

func TestExternalHeaderChangeIsFatal(t *testing.T) {
	path := testPath(t)
	var logBuf bytes.Buffer
	opts := testOptions()
	opts.Logger = logging.NewLogger(&logBuf, logging.LevelWarn)
	db := openTestDB(t, path, opts)
	defer db.Close()
	c := connect(t, db, LockWrite)

	if err := db.WriteRecord(c, 0, []byte("mine")); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	// Another process bumps the edit time behind our back.
	h, _ := db.Header()
	h.LastTime += 5
	f, err := os.OpenFile(path+gfile.AuxSuffix, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open aux: %v", err)
	}
	if err := db.file.Codec().WriteHeader(f, &h); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	_ = f.Close()

	err = db.WriteRecord(c, 1, []byte("theirs"))
	if !errors.Is(err, ErrHeaderChanged) || !IsFatal(err) {
		t.Fatalf("WriteRecord: got %v, want ErrHeaderChanged", err)
	}
	if !errors.Is(db.Err(), ErrHeaderChanged) {
		t.Errorf("Err() = %v, want ErrHeaderChanged", db.Err())
	}
	if !strings.Contains(logBuf.String(), "FATAL") {
		t.Errorf("no FATAL line logged:\n%s", logBuf.String())
	}
	if _, err := db.Connect(LockRead); !errors.Is(err, ErrHeaderChanged) {
		t.Errorf("Connect after fatal error: got %v", err)
	}
}

func TestSharedLoggerIsolatesFatalErrors(t *testing.T) {
	var logBuf bytes.Buffer
	shared := logging.NewLogger(&logBuf, logging.LevelWarn)
	var handled []string
	shared.SetFatalHandler(func(msg string) { handled = append(handled, msg) })

	opts := testOptions()
	opts.Logger = shared
	path1, path2 := testPath(t), testPath(t)+"-2"
	db1 := openTestDB(t, path1, opts)
	defer db1.Close()
	db2 := openTestDB(t, path2, opts)
	defer db2.Close()
	c1 := connect(t, db1, LockWrite)
	c2 := connect(t, db2, LockWrite)
	putRecord(t, db1, c1, 0, []byte("one"))
	putRecord(t, db2, c2, 0, []byte("two"))

	// Another process bumps the edit time of the first store.
	h, _ := db1.Header()
	h.LastTime += 5
	f, err := os.OpenFile(path1+gfile.AuxSuffix, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open aux: %v", err)
	}
	if err := db1.file.Codec().WriteHeader(f, &h); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	_ = f.Close()

	if err := db1.WriteRecord(c1, 1, []byte("x")); !errors.Is(err, ErrHeaderChanged) {
		t.Fatalf("WriteRecord on first store: got %v, want ErrHeaderChanged", err)
	}
	if !errors.Is(db1.Err(), ErrHeaderChanged) {
		t.Errorf("first store Err() = %v, want ErrHeaderChanged", db1.Err())
	}
	if len(handled) != 1 {
		t.Errorf("caller's fatal handler called %d times, want 1", len(handled))
	}

	if err := db2.Err(); err != nil {
		t.Fatalf("second store poisoned by the first: %v", err)
	}
	putRecord(t, db2, c2, 1, []byte("still fine"))
	if got := getRecord(t, db2, c2, 1); string(got) != "still fine" {
		t.Errorf("second store record 1 = %q", got)
	}
}

func TestReadOnlyDB(t *testing.T) {
	path := testPath(t)
	db := openTestDB(t, path, testOptions())
	c := connect(t, db, LockWrite)
	putRecord(t, db, c, 3, []byte("read me"))
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	opts := testOptions()
	opts.ReadOnly = true
	db = openTestDB(t, path, opts)
	defer db.Close()
	if !db.ReadOnly() {
		t.Error("ReadOnly() = false")
	}
	if _, err := db.Connect(LockWrite); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Connect(write): got %v, want ErrReadOnly", err)
	}
	c = connect(t, db, LockRead)
	if got := getRecord(t, db, c, 3); string(got) != "read me" {
		t.Errorf("got %q", got)
	}
	if n := db.NumRecords(); n != 4 {
		t.Errorf("NumRecords = %d, want 4", n)
	}
	// Records beyond the index read as empty and are not created.
	buf := []byte{1, 2, 3}
	if n, err := db.ReadRecord(c, 10, buf); err != nil || n != 0 || !bytes.Equal(buf, []byte{0, 0, 0}) {
		t.Errorf("ReadRecord(10) = %d, %v, %v", n, err, buf)
	}
	if n := db.NumRecords(); n != 4 {
		t.Errorf("NumRecords after reading past the end = %d, want 4", n)
	}
}

func TestFormatsRoundTrip(t *testing.T) {
	tests := []struct {
		format Format
		order  binary.ByteOrder
	}{
		{Format32, binary.LittleEndian},
		{Format32, binary.BigEndian},
		{Format64, binary.LittleEndian},
		{Format64, binary.BigEndian},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-%s", tt.format, tt.order), func(t *testing.T) {
			path := testPath(t)
			opts := testOptions()
			opts.Format = tt.format
			opts.ByteOrder = tt.order
			db := openTestDB(t, path, opts)
			c := connect(t, db, LockWrite)
			for rec := int32(0); rec < 8; rec++ {
				putRecord(t, db, c, rec, []byte(fmt.Sprintf("record %d", rec)))
			}
			want, _ := db.Header()
			if err := db.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			// Reopen without naming the format.
			reopenOpts := DefaultOptions()
			reopenOpts.Logger = logging.Discard
			db = openTestDB(t, path, reopenOpts)
			defer db.Close()
			if f := db.file.Codec().Format(); f != tt.format {
				t.Errorf("detected format %s, want %s", f, tt.format)
			}
			got, _ := db.Header()
			if got.NumRecords != want.NumRecords || got.LastTime != want.LastTime ||
				got.BlockSize != want.BlockSize || got.FileSize != want.FileSize {
				t.Errorf("header = %+v, want %+v", got, want)
			}
			c = connect(t, db, LockRead)
			for rec := int32(0); rec < 8; rec++ {
				if got := getRecord(t, db, c, rec); string(got) != fmt.Sprintf("record %d", rec) {
					t.Errorf("record %d = %q", rec, got)
				}
			}
		})
	}
}

func TestCachedIndexDB(t *testing.T) {
	path := testPath(t)
	opts := testOptions()
	opts.IndexCacheSize = 4
	opts.IndexBlockEntries = 3
	db := openTestDB(t, path, opts)
	c := connect(t, db, LockWrite)
	for rec := int32(0); rec < 30; rec++ {
		putRecord(t, db, c, rec, bytes.Repeat([]byte{byte(rec)}, int(rec)+1))
	}
	for rec := int32(0); rec < 30; rec++ {
		if got := getRecord(t, db, c, rec); !bytes.Equal(got, bytes.Repeat([]byte{byte(rec)}, int(rec)+1)) {
			t.Fatalf("record %d = %v", rec, got)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db = openTestDB(t, path, opts)
	defer db.Close()
	c = connect(t, db, LockRead)
	for rec := int32(0); rec < 30; rec++ {
		if got := getRecord(t, db, c, rec); len(got) != int(rec)+1 {
			t.Fatalf("record %d after reopen has %d bytes", rec, len(got))
		}
	}
}

func TestCachedIndexForgetsReleasedRecords(t *testing.T) {
	opts := testOptions()
	opts.IndexCacheSize = 2
	opts.IndexBlockEntries = 1
	db := openTestDB(t, testPath(t), opts)
	defer db.Close()
	c := connect(t, db, LockWrite)

	// A flushed view that shrank its image in place keeps a 48-byte
	// reservation, which pins the record's entry until the view lets go.
	va, err := db.Lock(c, 0, LockWrite)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := db.Write(c, va, bytes.Repeat([]byte("x"), 40)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := db.Write(c, va, []byte("small")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := db.Flush(c, va); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	vb, err := db.Lock(c, 0, LockRead)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := db.Unlock(c, vb); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	for rec := int32(1); rec < 10; rec++ {
		putRecord(t, db, c, rec, []byte{byte(rec)})
	}

	info, err := db.RecordInfo(0)
	if err != nil {
		t.Fatalf("RecordInfo: %v", err)
	}
	if info.Allocated != 48 || info.Used != 5 {
		t.Errorf("record 0 while flushed = %+v, want used 5 allocated 48", info)
	}

	if err := db.Unlock(c, va); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	info, err = db.RecordInfo(0)
	if err != nil {
		t.Fatalf("RecordInfo: %v", err)
	}
	if info.Allocated != 16 || info.Used != 5 {
		t.Errorf("record 0 after release = %+v, want used 5 allocated 16", info)
	}
	if got := getRecord(t, db, c, 0); string(got) != "small" {
		t.Errorf("record 0 = %q, want %q", got, "small")
	}
	for rec := int32(1); rec < 10; rec++ {
		if got := getRecord(t, db, c, rec); !bytes.Equal(got, []byte{byte(rec)}) {
			t.Errorf("record %d = %v", rec, got)
		}
	}
}

func TestChangeBlockSize(t *testing.T) {
	path := testPath(t)
	db := openTestDB(t, path, testOptions())
	c := connect(t, db, LockWrite)
	putRecord(t, db, c, 0, []byte("hello"))
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Without ChangeBlockSize the stored block size wins.
	opts := testOptions()
	opts.BlockSize = 64
	db = openTestDB(t, path, opts)
	if bs := db.BlockSize(); bs != 16 {
		t.Errorf("BlockSize = %d, want stored 16", bs)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	opts.ChangeBlockSize = true
	db = openTestDB(t, path, opts)
	defer db.Close()
	if bs := db.BlockSize(); bs != 64 {
		t.Errorf("BlockSize = %d, want 64", bs)
	}
	h, _ := db.Header()
	if !h.BlockSizeChanged() {
		t.Error("block-size-changed flag not set")
	}
	c = connect(t, db, LockWrite)
	if got := getRecord(t, db, c, 0); string(got) != "hello" {
		t.Errorf("got %q", got)
	}
}
