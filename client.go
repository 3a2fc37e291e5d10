package gapdb

// client.go implements the client table.

import (
	"errors"
	"fmt"

	"github.com/staden/gapdb/internal/logging"
)

// ClientID identifies a connected client. It indexes the client table.
type ClientID int32

// LockMode is the strength of a view's claim on its record.
type LockMode int8

const (
	// LockNone reads without any claim.
	LockNone LockMode = iota
	// LockRead reads.
	LockRead
	// LockWrite reads and writes. Other views may read and write the
	// record too; concurrent commits are detected as ErrConflict.
	LockWrite
	// LockExclusive reads and writes, and keeps every other view off the
	// record until it is released.
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockRead:
		return "read"
	case LockWrite:
		return "write"
	case LockExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("LockMode(%d)", int8(m))
	}
}

func (m LockMode) valid() bool { return m >= LockNone && m <= LockExclusive }

type client struct {
	connected bool
	maxMode   LockMode
	views     int
}

// Connect attaches a new client that may lock records up to maxMode and
// returns its id.
func (db *DB) Connect(maxMode LockMode) (ClientID, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return -1, err
	}
	for i := range db.clients {
		if !db.clients[i].connected {
			id := ClientID(i)
			return id, db.connect(id, maxMode)
		}
	}
	return -1, ErrMaxClients
}

// ConnectClient attaches a client under a caller-chosen id.
func (db *DB) ConnectClient(id ClientID, maxMode LockMode) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.usable(); err != nil {
		return err
	}
	if id < 0 || int(id) >= len(db.clients) {
		return fmt.Errorf("%w: %d", ErrBadClient, id)
	}
	if db.clients[id].connected {
		return fmt.Errorf("%w: %d", ErrClientConnected, id)
	}
	return db.connect(id, maxMode)
}

func (db *DB) connect(id ClientID, maxMode LockMode) error {
	if !maxMode.valid() {
		return fmt.Errorf("%w: lock mode %d", ErrInvalidArgument, maxMode)
	}
	if maxMode > LockRead && db.opts.ReadOnly {
		return fmt.Errorf("%w: client wants %s access", ErrReadOnly, maxMode)
	}
	db.clients[id] = client{connected: true, maxMode: maxMode}
	db.logger.Debugf(logging.NSGDB+"client %d connected (%s)", id, maxMode)
	return nil
}

// Disconnect detaches a client. Its open views are abandoned, including
// commits it has queued behind another client's file lock. If it holds the
// file lock, the lock is released and the queue committed as by UnlockFile.
func (db *DB) Disconnect(id ClientID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	if err := db.checkClient(id); err != nil {
		return err
	}

	var errs []error
	abandoned := 0
	for i := range db.views {
		v := &db.views[i]
		if v.link == linkFree || v.client != id {
			continue
		}
		if v.link == linkQueued {
			db.dequeue(ViewID(i))
		}
		db.dropPending(v)
		if err := db.release(ViewID(i)); err != nil {
			errs = append(errs, err)
		}
		abandoned++
	}
	if abandoned > 0 {
		db.logger.Warnf(logging.NSGDB+"client %d disconnected with %d open views", id, abandoned)
	}

	if db.flock.held && db.flock.owner == id {
		errs = append(errs, db.releaseFileLock())
	}
	db.clients[id] = client{}
	db.logger.Debugf(logging.NSGDB+"client %d disconnected", id)
	return errors.Join(errs...)
}

func (db *DB) checkClient(id ClientID) error {
	if id < 0 || int(id) >= len(db.clients) || !db.clients[id].connected {
		return fmt.Errorf("%w: %d", ErrBadClient, id)
	}
	return nil
}
