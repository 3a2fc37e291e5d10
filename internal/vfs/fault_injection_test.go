package vfs

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestOSFile_ReadWriteAt(t *testing.T) {
	dir := t.TempDir()
	fs := Default()
	path := filepath.Join(dir, "data")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte("world"), 6); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if _, err := f.WriteAt([]byte("hello "), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	buf := make([]byte, 11)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "hello world" {
		t.Errorf("ReadAt = %q, want %q", buf, "hello world")
	}

	size, err := f.Size()
	if err != nil || size != 11 {
		t.Errorf("Size = %d, %v; want 11", size, err)
	}
	if err := f.Truncate(5); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if size, _ := f.Size(); size != 5 {
		t.Errorf("Size after truncate = %d, want 5", size)
	}
	if !fs.Exists(path) {
		t.Error("file should exist")
	}
}

func TestOSFile_ReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	fs := Default()
	path := filepath.Join(dir, "data")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.Close()

	ro, err := fs.Open(path, true)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ro.Close()
	if _, err := ro.WriteAt([]byte("x"), 0); err == nil {
		t.Error("write through a read-only handle should fail")
	}
}

func TestFaultInjectionFS_InjectWriteError(t *testing.T) {
	dir := t.TempDir()
	fs := NewFaultInjectionFS(Default())
	path := filepath.Join(dir, "test")

	fs.InjectWriteError(path)
	if _, err := fs.Create(path); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("Expected ErrInjectedWriteError, got %v", err)
	}

	fs.ClearErrors()
	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed after clearing errors: %v", err)
	}
	f.Close()
}

func TestFaultInjectionFS_InjectReadError(t *testing.T) {
	dir := t.TempDir()
	fs := NewFaultInjectionFS(Default())
	path := filepath.Join(dir, "test")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteAt([]byte("content"), 0); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}

	fs.InjectReadError(path)
	if _, err := f.ReadAt(make([]byte, 7), 0); !errors.Is(err, ErrInjectedReadError) {
		t.Errorf("Expected ErrInjectedReadError, got %v", err)
	}
	if _, err := fs.Open(path, true); !errors.Is(err, ErrInjectedReadError) {
		t.Errorf("Expected ErrInjectedReadError on open, got %v", err)
	}
}

func TestFaultInjectionFS_FailWritesAfter(t *testing.T) {
	dir := t.TempDir()
	fs := NewFaultInjectionFS(Default())
	path := filepath.Join(dir, "test")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	fs.FailWritesAfter(path, 2)
	for i := range 2 {
		if _, err := f.WriteAt([]byte{byte('a' + i)}, int64(i)); err != nil {
			t.Fatalf("write %d should succeed: %v", i, err)
		}
	}
	if _, err := f.WriteAt([]byte("c"), 2); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("third write: expected ErrInjectedWriteError, got %v", err)
	}
	if got := fs.WriteCount(path); got != 2 {
		t.Errorf("WriteCount = %d, want 2", got)
	}

	buf := make([]byte, 2)
	if _, err := f.ReadAt(buf, 0); err != nil || !bytes.Equal(buf, []byte("ab")) {
		t.Errorf("ReadAt = %q, %v; want \"ab\"", buf, err)
	}

	fs.ClearErrors()
	if _, err := f.WriteAt([]byte("c"), 2); err != nil {
		t.Errorf("write after ClearErrors failed: %v", err)
	}
}

func TestFaultInjectionFS_SyncAndInactive(t *testing.T) {
	dir := t.TempDir()
	fs := NewFaultInjectionFS(Default())
	path := filepath.Join(dir, "test")

	f, err := fs.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	fs.InjectSyncError()
	if err := f.Sync(); !errors.Is(err, ErrInjectedSyncError) {
		t.Errorf("Expected ErrInjectedSyncError, got %v", err)
	}
	fs.ClearErrors()

	fs.SetFilesystemActive(false)
	if _, err := f.WriteAt([]byte("x"), 0); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("write on inactive fs: got %v", err)
	}
	if err := f.Truncate(0); !errors.Is(err, ErrInjectedWriteError) {
		t.Errorf("truncate on inactive fs: got %v", err)
	}
	fs.SetFilesystemActive(true)
	if _, err := f.WriteAt([]byte("x"), 0); err != nil {
		t.Errorf("write after reactivation failed: %v", err)
	}
}
