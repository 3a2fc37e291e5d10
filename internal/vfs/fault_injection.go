// FaultInjectionFS wraps a real filesystem and allows injecting errors
// and simulating crashes for testing recovery code.
package vfs

import (
	"errors"
	"path/filepath"
	"sync"
)

var (
	// ErrInjectedReadError is returned when a read error is injected.
	ErrInjectedReadError = errors.New("vfs: injected read error")

	// ErrInjectedWriteError is returned when a write error is injected.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned when a sync error is injected.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")
)

// FaultInjectionFS wraps an FS and allows injecting errors.
//
// A crash in the middle of a multi-write protocol is simulated with
// FailWritesAfter: the next n writes to the file go through, every later
// one fails, exactly as if the process had died after the n-th write.
type FaultInjectionFS struct {
	base FS

	mu sync.RWMutex

	injectReadError  bool
	injectWriteError bool
	injectSyncError  bool
	readErrorPath    string
	writeErrorPath   string

	// Remaining successful writes per file; absent means unlimited.
	writeBudget map[string]int

	// Per-file count of successful writes.
	writes map[string]int

	// When false every mutation fails.
	filesystemActive bool
}

// NewFaultInjectionFS creates a new fault-injecting filesystem wrapper.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:             base,
		writeBudget:      make(map[string]int),
		writes:           make(map[string]int),
		filesystemActive: true,
	}
}

// SetFilesystemActive enables or disables the filesystem.
// When disabled, all writes fail. Used to simulate crash.
func (fs *FaultInjectionFS) SetFilesystemActive(active bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.filesystemActive = active
}

// InjectReadError makes reads of the given path fail.
// An empty path matches every file.
func (fs *FaultInjectionFS) InjectReadError(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectReadError = true
	fs.readErrorPath = absPath(path)
}

// InjectWriteError makes writes to the given path fail.
// An empty path matches every file.
func (fs *FaultInjectionFS) InjectWriteError(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectWriteError = true
	fs.writeErrorPath = absPath(path)
}

// InjectSyncError makes all syncs fail.
func (fs *FaultInjectionFS) InjectSyncError() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectSyncError = true
}

// FailWritesAfter lets n more writes to path succeed and fails the rest.
func (fs *FaultInjectionFS) FailWritesAfter(path string, n int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.writeBudget[absPath(path)] = n
}

// WriteCount returns the number of successful writes to path.
func (fs *FaultInjectionFS) WriteCount(path string) int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.writes[absPath(path)]
}

// ClearErrors clears all error injection.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.injectReadError = false
	fs.injectWriteError = false
	fs.injectSyncError = false
	fs.readErrorPath = ""
	fs.writeErrorPath = ""
	fs.writeBudget = make(map[string]int)
}

// Create creates a new file with fault injection.
func (fs *FaultInjectionFS) Create(name string) (File, error) {
	path := absPath(name)
	if err := fs.checkWrite(path, false); err != nil {
		return nil, err
	}
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	return &faultFile{base: f, fs: fs, path: path}, nil
}

// Open opens an existing file with fault injection.
func (fs *FaultInjectionFS) Open(name string, readOnly bool) (File, error) {
	path := absPath(name)
	if err := fs.checkRead(path); err != nil {
		return nil, err
	}
	f, err := fs.base.Open(name, readOnly)
	if err != nil {
		return nil, err
	}
	return &faultFile{base: f, fs: fs, path: path}, nil
}

// Remove deletes a file.
func (fs *FaultInjectionFS) Remove(name string) error {
	if err := fs.checkWrite(absPath(name), false); err != nil {
		return err
	}
	return fs.base.Remove(name)
}

// Exists returns true if the file exists.
func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

func (fs *FaultInjectionFS) checkRead(path string) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.injectReadError && (fs.readErrorPath == "" || fs.readErrorPath == path) {
		return ErrInjectedReadError
	}
	return nil
}

// checkWrite reports whether a mutation of path may proceed. When consume
// is set a successful check uses up one unit of the file's write budget.
func (fs *FaultInjectionFS) checkWrite(path string, consume bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.filesystemActive {
		return ErrInjectedWriteError
	}
	if fs.injectWriteError && (fs.writeErrorPath == "" || fs.writeErrorPath == path) {
		return ErrInjectedWriteError
	}
	if !consume {
		return nil
	}
	if budget, ok := fs.writeBudget[path]; ok {
		if budget <= 0 {
			return ErrInjectedWriteError
		}
		fs.writeBudget[path] = budget - 1
	}
	fs.writes[path]++
	return nil
}

// faultFile wraps File with fault injection.
type faultFile struct {
	base File
	fs   *FaultInjectionFS
	path string
}

func (f *faultFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.fs.checkRead(f.path); err != nil {
		return 0, err
	}
	return f.base.ReadAt(p, off)
}

func (f *faultFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.fs.checkWrite(f.path, true); err != nil {
		return 0, err
	}
	return f.base.WriteAt(p, off)
}

func (f *faultFile) Close() error {
	return f.base.Close()
}

func (f *faultFile) Sync() error {
	f.fs.mu.RLock()
	injected := f.fs.injectSyncError
	f.fs.mu.RUnlock()
	if injected {
		return ErrInjectedSyncError
	}
	return f.base.Sync()
}

func (f *faultFile) Truncate(size int64) error {
	if err := f.fs.checkWrite(f.path, false); err != nil {
		return err
	}
	return f.base.Truncate(size)
}

func (f *faultFile) Size() (int64, error) {
	return f.base.Size()
}

func absPath(name string) string {
	if name == "" {
		return ""
	}
	p, err := filepath.Abs(name)
	if err != nil {
		return name
	}
	return p
}
