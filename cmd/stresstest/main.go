// Stress test for gapdb
//
// Worker goroutines each own a pair of clients and issue random record
// operations against a shared store while an in-memory oracle tracks the
// expected content of every record.
//
// Features:
//   - Per-record oracle locks, held across lock, write and unlock, so the
//     oracle and the store change together.
//   - File-lock batches: a worker holds the file lock with one client and
//     commits a group of records through the other.
//   - Forced conflicts: two clients race on the same record and the loser
//     must see ErrConflict.
//   - Periodic reopens that check persistence of everything committed.
//
// Usage: go run ./cmd/stresstest [flags]
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/staden/gapdb"
	"github.com/staden/gapdb/internal/logging"
)

var (
	duration     = flag.Duration("duration", 30*time.Second, "Test duration")
	numRecords   = flag.Int("records", 1000, "Number of records in the record space")
	valueSize    = flag.Int("value-size", 200, "Maximum record size in bytes")
	numThreads   = flag.Int("threads", 8, "Number of worker goroutines")
	reopenPeriod = flag.Duration("reopen", 5*time.Second, "Period between store reopens (0 to disable)")
	blockSize    = flag.Int("block-size", 64, "Block size of the new store")
	dbPath       = flag.String("db", "", "Store path (default: temp directory)")
	keepDB       = flag.Bool("keep", false, "Keep the store after the test")
	verbose      = flag.Bool("v", false, "Verbose output")
	seed         = flag.Int64("seed", 0, "Random seed (0 for time-based)")

	// Operation weights
	writeWeight    = flag.Int("write", 40, "Write operation weight")
	readWeight     = flag.Int("read", 30, "Read operation weight")
	removeWeight   = flag.Int("remove", 10, "Remove operation weight")
	batchWeight    = flag.Int("batch", 10, "File-lock batch weight")
	conflictWeight = flag.Int("conflict", 5, "Forced conflict weight")
	abandonWeight  = flag.Int("abandon", 5, "Abandoned write weight")
)

// Stats tracks operation counts.
type Stats struct {
	writes    atomic.Uint64
	reads     atomic.Uint64
	removes   atomic.Uint64
	batches   atomic.Uint64
	conflicts atomic.Uint64
	abandons  atomic.Uint64
	reopens   atomic.Uint64
	errors    atomic.Uint64
}

// oracle holds the expected content of every record.
type oracle struct {
	locks []sync.Mutex
	data  [][]byte
}

func newOracle(n int) *oracle {
	return &oracle{locks: make([]sync.Mutex, n), data: make([][]byte, n)}
}

type stress struct {
	mu     sync.RWMutex // held exclusively for batches and reopens
	db     *gapdb.DB
	path   string
	opts   *gapdb.Options
	oracle *oracle
	stats  Stats
	failed atomic.Pointer[error]
}

func (s *stress) fail(err error) {
	s.stats.errors.Add(1)
	s.failed.CompareAndSwap(nil, &err)
}

func main() {
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := *dbPath
	if path == "" {
		dir, err := os.MkdirTemp("", "gapdb-stress-*")
		if err != nil {
			return err
		}
		if !*keepDB {
			defer os.RemoveAll(dir)
		}
		path = filepath.Join(dir, "store")
	}

	opts := gapdb.DefaultOptions()
	opts.CreateIfMissing = true
	opts.BlockSize = int32(*blockSize)
	opts.MaxClients = 2 * *numThreads
	opts.MaxRecords = int32(*numRecords)
	if *verbose {
		opts.Logger = logging.NewLogger(os.Stderr, logging.LevelWarn)
	} else {
		opts.Logger = logging.Discard
	}
	db, err := gapdb.Open(path, opts)
	if err != nil {
		return err
	}
	opts.CreateIfMissing = false

	s := &stress{db: db, path: path, opts: opts, oracle: newOracle(*numRecords)}

	fmt.Println("=== gapdb stress test ===")
	fmt.Printf("Store:    %s\n", path)
	fmt.Printf("Seed:     %d\n", *seed)
	fmt.Printf("Threads:  %d, records: %d, duration: %v\n", *numThreads, *numRecords, *duration)
	fmt.Println()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < *numThreads; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(id, stop)
		}(i)
	}

	if *reopenPeriod > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(*reopenPeriod)
			defer t.Stop()
			for {
				select {
				case <-stop:
					return
				case <-t.C:
					if err := s.reopen(); err != nil {
						s.fail(fmt.Errorf("reopen: %w", err))
					}
				}
			}
		}()
	}

	deadline := time.After(*duration)
wait:
	for s.failed.Load() == nil {
		select {
		case <-deadline:
			break wait
		case <-time.After(100 * time.Millisecond):
		}
	}
	close(stop)
	wg.Wait()

	if p := s.failed.Load(); p != nil {
		s.db.Close()
		return *p
	}
	if err := s.reopen(); err != nil {
		return fmt.Errorf("final reopen: %w", err)
	}
	if err := s.db.Close(); err != nil {
		return err
	}

	fmt.Printf("writes:    %d\n", s.stats.writes.Load())
	fmt.Printf("reads:     %d\n", s.stats.reads.Load())
	fmt.Printf("removes:   %d\n", s.stats.removes.Load())
	fmt.Printf("batches:   %d\n", s.stats.batches.Load())
	fmt.Printf("conflicts: %d\n", s.stats.conflicts.Load())
	fmt.Printf("abandons:  %d\n", s.stats.abandons.Load())
	fmt.Printf("reopens:   %d\n", s.stats.reopens.Load())
	fmt.Println()
	fmt.Println("PASS")
	return nil
}

// clients returns the fixed client pair of worker id.
func clients(id int) (gapdb.ClientID, gapdb.ClientID) {
	return gapdb.ClientID(2 * id), gapdb.ClientID(2*id + 1)
}

func (s *stress) connect(id int) error {
	a, b := clients(id)
	if err := s.db.ConnectClient(a, gapdb.LockExclusive); err != nil {
		return err
	}
	return s.db.ConnectClient(b, gapdb.LockExclusive)
}

// reopen closes and reopens the store, reconnects every worker's clients and
// verifies every record against the oracle.
func (s *stress) reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return err
	}
	db, err := gapdb.Open(s.path, s.opts)
	if err != nil {
		return err
	}
	s.db = db
	s.stats.reopens.Add(1)

	for i := 0; i < *numThreads; i++ {
		if err := s.connect(i); err != nil {
			return err
		}
	}
	if err := db.CheckFreeSpace(); err != nil {
		return err
	}
	c, _ := clients(0)
	for rec := range s.oracle.data {
		if err := s.verify(c, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *stress) worker(id int, stop <-chan struct{}) {
	// A reopen may already have connected this worker's clients.
	s.mu.RLock()
	err := s.connect(id)
	s.mu.RUnlock()
	if err != nil && !errors.Is(err, gapdb.ErrClientConnected) {
		s.fail(err)
		return
	}

	rng := rand.New(rand.NewSource(*seed + int64(id)))
	total := *writeWeight + *readWeight + *removeWeight + *batchWeight + *conflictWeight + *abandonWeight
	for n := 0; ; n++ {
		select {
		case <-stop:
			return
		default:
		}
		if s.failed.Load() != nil {
			return
		}

		rec := rng.Intn(*numRecords)
		w := rng.Intn(total)
		switch {
		case w < *writeWeight:
			err = s.opWrite(id, rec, value(rng, id, n))
		case w < *writeWeight+*readWeight:
			err = s.opRead(id, rec)
		case w < *writeWeight+*readWeight+*removeWeight:
			err = s.opWrite(id, rec, nil)
		case w < *writeWeight+*readWeight+*removeWeight+*batchWeight:
			err = s.opBatch(id, rng, n)
		case w < total-*abandonWeight:
			err = s.opConflict(id, rec, rng, n)
		default:
			err = s.opAbandon(id, rec, value(rng, id, n))
		}
		if err != nil {
			s.fail(fmt.Errorf("worker %d: %w", id, err))
			return
		}
	}
}

func value(rng *rand.Rand, id, n int) []byte {
	head := fmt.Sprintf("w%d-op%d:", id, n)
	buf := make([]byte, len(head)+rng.Intn(*valueSize))
	copy(buf, head)
	for i := len(head); i < len(buf); i++ {
		buf[i] = byte('A' + rng.Intn(26))
	}
	return buf
}

// verify compares record rec with the oracle. The caller holds the record's
// oracle lock or s.mu exclusively.
func (s *stress) verify(c gapdb.ClientID, rec int) error {
	want := s.oracle.data[rec]
	buf := make([]byte, len(want)+1)
	n, err := s.db.ReadRecord(c, int32(rec), buf)
	if err != nil {
		return fmt.Errorf("read record %d: %w", rec, err)
	}
	if !bytes.Equal(buf[:n], want) {
		return fmt.Errorf("record %d: got %d bytes %q, want %d bytes %q",
			rec, n, trunc(buf[:n]), len(want), trunc(want))
	}
	return nil
}

func trunc(b []byte) []byte {
	if len(b) > 24 {
		return b[:24]
	}
	return b
}

func (s *stress) opWrite(id, rec int, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.oracle.locks[rec].Lock()
	defer s.oracle.locks[rec].Unlock()

	c, _ := clients(id)
	var err error
	if data == nil {
		err = s.db.RemoveRecord(c, int32(rec))
		s.stats.removes.Add(1)
	} else {
		err = s.db.WriteRecord(c, int32(rec), data)
		s.stats.writes.Add(1)
	}
	if err != nil {
		return fmt.Errorf("write record %d: %w", rec, err)
	}
	s.oracle.data[rec] = data
	return nil
}

func (s *stress) opRead(id, rec int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.oracle.locks[rec].Lock()
	defer s.oracle.locks[rec].Unlock()

	c, _ := clients(id)
	s.stats.reads.Add(1)
	return s.verify(c, rec)
}

// opBatch commits several records as one file-lock batch: one client holds
// the file lock while the other queues its commits.
func (s *stress) opBatch(id int, rng *rand.Rand, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	holder, writer := clients(id)
	recs := rng.Perm(*numRecords)[:min(8, *numRecords)]
	sort.Ints(recs)

	if err := s.db.LockFile(holder); err != nil {
		return fmt.Errorf("lock file: %w", err)
	}
	values := make([][]byte, len(recs))
	for i, rec := range recs {
		values[i] = value(rng, id, n*16+i)
		if err := s.db.WriteRecord(writer, int32(rec), values[i]); err != nil {
			return fmt.Errorf("queue record %d: %w", rec, err)
		}
	}
	// Queued commits are invisible until the file lock is released.
	for _, rec := range recs {
		if err := s.verify(holder, rec); err != nil {
			return fmt.Errorf("before batch: %w", err)
		}
	}
	if err := s.db.UnlockFile(holder); err != nil {
		return fmt.Errorf("unlock file: %w", err)
	}
	for i, rec := range recs {
		s.oracle.data[rec] = values[i]
	}
	s.stats.batches.Add(1)
	return nil
}

// opConflict locks rec from both clients, commits through the first and
// expects the second to conflict.
func (s *stress) opConflict(id, rec int, rng *rand.Rand, n int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.oracle.locks[rec].Lock()
	defer s.oracle.locks[rec].Unlock()

	a, b := clients(id)
	va, err := s.db.Lock(a, int32(rec), gapdb.LockWrite)
	if err != nil {
		return err
	}
	vb, err := s.db.Lock(b, int32(rec), gapdb.LockWrite)
	if err != nil {
		return err
	}
	first, second := value(rng, id, n), value(rng, id, n+1)
	if err := s.db.Write(a, va, first); err != nil {
		return err
	}
	if err := s.db.Write(b, vb, second); err != nil {
		return err
	}
	if err := s.db.Unlock(a, va); err != nil {
		return fmt.Errorf("first unlock: %w", err)
	}
	s.oracle.data[rec] = first

	err = s.db.Unlock(b, vb)
	if !errors.Is(err, gapdb.ErrConflict) {
		return fmt.Errorf("record %d: second unlock returned %v, want ErrConflict", rec, err)
	}
	s.stats.conflicts.Add(1)
	// The losing view was reloaded with the winner's image.
	if err := s.db.Abandon(b, vb); err != nil {
		return err
	}
	return s.verify(b, rec)
}

func (s *stress) opAbandon(id, rec int, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.oracle.locks[rec].Lock()
	defer s.oracle.locks[rec].Unlock()

	c, _ := clients(id)
	v, err := s.db.Lock(c, int32(rec), gapdb.LockWrite)
	if err != nil {
		return err
	}
	if err := s.db.Write(c, v, data); err != nil {
		return err
	}
	if err := s.db.Abandon(c, v); err != nil {
		return err
	}
	s.stats.abandons.Add(1)
	return s.verify(c, rec)
}
