package gapdb

// errors.go collects the errors returned by the DB.
//
// Usage errors, resource exhaustion and I/O failures are ordinary errors:
// the call fails and the store is unchanged. Errors wrapping ErrFatal are
// not: the DB is poisoned and every later call returns the first of them.

import (
	"errors"

	"github.com/staden/gapdb/internal/freetree"
	"github.com/staden/gapdb/internal/gfile"
	"github.com/staden/gapdb/internal/logging"
)

// Usage errors.
var (
	// ErrInvalidArgument is returned for a malformed argument such as an
	// unknown lock mode or an oversized buffer.
	ErrInvalidArgument = errors.New("gapdb: invalid argument")

	// ErrBadClient is returned for a client id that is out of range or not
	// connected.
	ErrBadClient = errors.New("gapdb: bad client")

	// ErrBadView is returned for a view id that is out of range, released,
	// or owned by another client.
	ErrBadView = errors.New("gapdb: bad view")

	// ErrBadRecord is returned for a negative record number or one beyond
	// the store's maximum.
	ErrBadRecord = gfile.ErrRecordRange

	// ErrReadOnly is returned by any write to a read-only store.
	ErrReadOnly = gfile.ErrReadOnly

	// ErrLockMode is returned when a lock or write needs a stronger mode
	// than the client or view holds.
	ErrLockMode = errors.New("gapdb: lock mode not permitted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gapdb: db is closed")

	// ErrNotExist is returned by Open for a missing store when
	// CreateIfMissing is not set.
	ErrNotExist = errors.New("gapdb: store does not exist")

	// ErrExists is returned by Open for an existing store when
	// ErrorIfExists is set.
	ErrExists = errors.New("gapdb: store already exists")
)

// Resource errors.
var (
	// ErrNoSpace is returned when the data file cannot hold an allocation.
	ErrNoSpace = freetree.ErrNoSpace

	// ErrMaxClients is returned by Connect when the client table is full.
	ErrMaxClients = errors.New("gapdb: too many clients")

	// ErrClientConnected is returned by ConnectClient for a slot in use.
	ErrClientConnected = errors.New("gapdb: client already connected")

	// ErrFileLocked is returned by LockFile while another client holds the
	// file lock, and by UnlockFile from a client that does not hold it.
	ErrFileLocked = errors.New("gapdb: file locked by another client")

	// ErrRecordLocked is returned by Lock when an exclusive lock on the
	// record is held, or when an exclusive lock is requested on a record
	// that has open views.
	ErrRecordLocked = errors.New("gapdb: record locked")

	// ErrConflict is returned when a view commits a record that another
	// view committed after this view last loaded it.
	ErrConflict = errors.New("gapdb: record changed by another view")
)

// ErrIO wraps failed reads, writes and syncs of the store files.
var ErrIO = gfile.ErrIO

// Free-space tree errors. During open an overlap is reported as
// ErrCorruption instead.
var (
	ErrOverlap  = freetree.ErrOverlap
	ErrNotFound = freetree.ErrNotFound
)

// Fatal errors.
var (
	// ErrFatal is wrapped by every unrecoverable error.
	ErrFatal = logging.ErrFatal

	// ErrCorruption means two records claim the same space.
	ErrCorruption = gfile.ErrCorruption

	// ErrHeaderChanged means another process wrote the store.
	ErrHeaderChanged = gfile.ErrHeaderChanged

	// ErrTimeWrap means the edit time counter is exhausted.
	ErrTimeWrap = gfile.ErrTimeWrap

	// ErrRollback means a failed commit could not be undone.
	ErrRollback = gfile.ErrRollback
)

// IsFatal reports whether err means the store must not be used any more.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
