// Package vfs provides a virtual filesystem abstraction layer.
//
// This allows gapdb to:
//   - Use the real OS filesystem in production
//   - Use a fault-injection filesystem for crash testing
//
// A store keeps two files open for its whole lifetime and updates both in
// place, so the only file type is a positional read/write handle.
package vfs

import (
	"io"
	"os"
)

// FS is the main filesystem interface.
type FS interface {
	// Create creates a new read/write file, truncating any existing one.
	Create(name string) (File, error)

	// Open opens an existing file. A read-only handle rejects writes.
	Open(name string, readOnly bool) (File, error)

	// Remove deletes a file.
	Remove(name string) error

	// Exists returns true if the file exists.
	Exists(name string) bool
}

// File is an open file addressed by absolute offset.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Sync flushes the file contents to stable storage.
	Sync() error

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Size returns the current file size.
	Size() (int64, error)
}

// osFS implements FS using the OS filesystem.
type osFS struct{}

// Default returns the default OS filesystem.
func Default() FS {
	return &osFS{}
}

func (fs *osFS) Create(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (fs *osFS) Open(name string, readOnly bool) (File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(name, flag, 0)
	if err != nil {
		return nil, err
	}
	return &osFile{f: f}, nil
}

func (fs *osFS) Remove(name string) error {
	return os.Remove(name)
}

func (fs *osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// osFile wraps os.File for the File interface.
type osFile struct {
	f *os.File
}

func (of *osFile) ReadAt(p []byte, off int64) (int, error) {
	return of.f.ReadAt(p, off)
}

func (of *osFile) WriteAt(p []byte, off int64) (int, error) {
	return of.f.WriteAt(p, off)
}

func (of *osFile) Close() error {
	return of.f.Close()
}

func (of *osFile) Sync() error {
	return of.f.Sync()
}

func (of *osFile) Truncate(size int64) error {
	return of.f.Truncate(size)
}

func (of *osFile) Size() (int64, error) {
	info, err := of.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
