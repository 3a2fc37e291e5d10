// Crash test orchestrator for gapdb
//
// The parent process repeatedly re-executes itself as a writer child with
// GAPDB_KILL_POINT set, so the child dies at a chosen point of the commit
// path. After each cycle the parent reopens the store and checks that every
// record holds either its previous or its new generation, that batch commits
// are all or nothing, and that the free-space map and the live images do
// not overlap.
//
// Kill points only fire in a binary built with -tags crashtest:
//
//	go build -tags crashtest -o /tmp/crashtest ./cmd/crashtest
//	/tmp/crashtest -cycles=50 -records=64
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/staden/gapdb"
	"github.com/staden/gapdb/internal/logging"
	"github.com/staden/gapdb/internal/testutil"
)

var (
	dbPath     = flag.String("db", "", "Store path (default: temp directory)")
	numRecords = flag.Int("records", 64, "Number of records each generation rewrites")
	numCycles  = flag.Int("cycles", 24, "Number of crash cycles")
	seed       = flag.Int64("seed", 0, "Random seed (0 for time-based)")
	batch      = flag.Bool("batch", true, "Commit each generation as one file-lock batch")
	keepDB     = flag.Bool("keep", false, "Keep the store after the test")
	verbose    = flag.Bool("v", false, "Verbose output")

	// Child mode, set by the parent.
	childMode = flag.Bool("child", false, "Run as the writer child")
	childGen  = flag.Int("gen", 0, "Generation the child writes")
	armAfter  = flag.Int("arm-after", 0, "Records the child writes before arming the kill point")
)

func main() {
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	if *childMode {
		if err := runChild(); err != nil {
			fmt.Fprintf(os.Stderr, "child: %v\n", err)
			os.Exit(2)
		}
		return
	}

	if err := runParent(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
}

// content returns the deterministic image of record rec at generation gen.
// Lengths vary between generations so rewrites move records around.
func content(gen, rec int) []byte {
	if gen == 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(*seed ^ int64(gen)<<20 ^ int64(rec)))
	head := fmt.Sprintf("g%08d r%08d|", gen, rec)
	buf := make([]byte, len(head)+rng.Intn(300))
	copy(buf, head)
	for i := len(head); i < len(buf); i++ {
		buf[i] = byte('a' + rng.Intn(26))
	}
	return buf
}

// generationOf parses the generation stamped into a record image.
func generationOf(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	var gen, rec int
	if _, err := fmt.Sscanf(string(data), "g%08d r%08d|", &gen, &rec); err != nil {
		return -1, fmt.Errorf("unrecognized image %q", truncate(data))
	}
	return gen, nil
}

func truncate(b []byte) []byte {
	if len(b) > 32 {
		return b[:32]
	}
	return b
}

func runChild() error {
	if *armAfter > 0 {
		testutil.DisarmKillPoint()
	}

	opts := gapdb.DefaultOptions()
	opts.CreateIfMissing = true
	opts.SyncWrites = true
	opts.BlockSize = 64
	db, err := gapdb.Open(*dbPath, opts)
	if err != nil {
		return err
	}

	writer, err := db.Connect(gapdb.LockWrite)
	if err != nil {
		return err
	}
	var holder gapdb.ClientID
	if *batch {
		if holder, err = db.Connect(gapdb.LockWrite); err != nil {
			return err
		}
		if err := db.LockFile(holder); err != nil {
			return err
		}
	}

	for rec := 0; rec < *numRecords; rec++ {
		if *armAfter > 0 && rec == *armAfter {
			testutil.ArmKillPoint()
		}
		if err := db.WriteRecord(writer, int32(rec), content(*childGen, rec)); err != nil {
			return fmt.Errorf("write record %d: %w", rec, err)
		}
	}
	if *batch {
		if err := db.UnlockFile(holder); err != nil {
			return fmt.Errorf("unlock file: %w", err)
		}
	}
	return db.Close()
}

func runParent() error {
	path := *dbPath
	if path == "" {
		dir, err := os.MkdirTemp("", "gapdb-crashtest-*")
		if err != nil {
			return err
		}
		if !*keepDB {
			defer os.RemoveAll(dir)
		}
		path = filepath.Join(dir, "store")
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(*seed))
	fmt.Println("=== gapdb crash test ===")
	fmt.Printf("Store:   %s\n", path)
	fmt.Printf("Seed:    %d\n", *seed)
	fmt.Printf("Records: %d, cycles: %d, batch: %v\n", *numRecords, *numCycles, *batch)
	fmt.Println()

	gens := make([]int, *numRecords)
	killed := 0
	for cycle := 1; cycle <= *numCycles; cycle++ {
		point := ""
		if cycle%(len(testutil.CommitKillPoints)+1) != 0 {
			point = testutil.CommitKillPoints[rng.Intn(len(testutil.CommitKillPoints))]
		}
		arm := 0
		if !*batch && *numRecords > 1 {
			arm = rng.Intn(*numRecords)
		}

		cmd := exec.Command(exe,
			"-child",
			"-db="+path,
			fmt.Sprintf("-records=%d", *numRecords),
			fmt.Sprintf("-gen=%d", cycle),
			fmt.Sprintf("-seed=%d", *seed),
			fmt.Sprintf("-batch=%v", *batch),
			fmt.Sprintf("-arm-after=%d", arm),
		)
		cmd.Env = append(os.Environ(), testutil.KillPointEnvVar+"="+point)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("cycle %d: child at %q: %w\n%s", cycle, point, err, stderr.String())
		}

		moved, err := verify(path, gens, cycle)
		if err != nil {
			return fmt.Errorf("cycle %d: after kill at %q: %w", cycle, point, err)
		}
		if moved < *numRecords {
			killed++
		}
		if *verbose {
			fmt.Printf("cycle %3d: kill point %-22q %d/%d records at generation %d\n",
				cycle, point, moved, *numRecords, cycle)
		}
	}

	fmt.Println()
	fmt.Printf("PASS: %d cycles, %d interrupted before completion\n", *numCycles, killed)
	if killed == 0 && *numCycles > 1 {
		fmt.Println("warning: no child was interrupted; was the binary built with -tags crashtest?")
	}
	return nil
}

// verify reopens the store and checks every record against its previous
// generation and next. It updates gens and returns how many records reached
// next.
func verify(path string, gens []int, next int) (int, error) {
	opts := gapdb.DefaultOptions()
	opts.Logger = logging.Discard
	db, err := gapdb.Open(path, opts)
	if err != nil {
		return 0, fmt.Errorf("reopen: %w", err)
	}
	defer db.Close()

	c, err := db.Connect(gapdb.LockRead)
	if err != nil {
		return 0, err
	}

	moved := 0
	for rec := range gens {
		info, err := db.RecordInfo(int32(rec))
		if err != nil {
			return 0, err
		}
		buf := make([]byte, info.Used)
		n, err := db.ReadRecord(c, int32(rec), buf)
		if err != nil {
			return 0, fmt.Errorf("record %d: %w", rec, err)
		}
		data := buf[:n]
		gen, err := generationOf(data)
		if err != nil {
			return 0, fmt.Errorf("record %d: %w", rec, err)
		}
		if gen != gens[rec] && gen != next {
			return 0, fmt.Errorf("record %d at generation %d, want %d or %d", rec, gen, gens[rec], next)
		}
		if !bytes.Equal(data, content(gen, rec)) {
			return 0, fmt.Errorf("record %d: generation %d image is corrupt", rec, gen)
		}
		if gen == next {
			moved++
		}
		gens[rec] = gen
	}

	if *batch && moved != 0 && moved != len(gens) {
		return 0, fmt.Errorf("batch commit torn: %d of %d records moved", moved, len(gens))
	}
	if err := db.CheckFreeSpace(); err != nil {
		return 0, err
	}
	if err := checkOverlap(db, len(gens)); err != nil {
		return 0, err
	}
	return moved, nil
}

type span struct {
	pos, end int64
	what     string
}

// checkOverlap verifies that no live image overlaps another image or a free
// extent.
func checkOverlap(db *gapdb.DB, n int) error {
	extents, err := db.FreeExtents()
	if err != nil {
		return err
	}
	var spans []span
	for i, e := range extents {
		end := e.Pos + e.Len
		if i == len(extents)-1 {
			end = 1<<63 - 1
		}
		spans = append(spans, span{e.Pos, end, "free"})
	}
	for rec := 0; rec < n; rec++ {
		info, err := db.RecordInfo(int32(rec))
		if err != nil {
			return err
		}
		if info.HasImage() {
			spans = append(spans, span{info.Image, info.Image + info.Allocated, fmt.Sprintf("record %d", rec)})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].pos < spans[j].pos })
	for i := 1; i < len(spans); i++ {
		if spans[i].pos < spans[i-1].end {
			return errors.New(spans[i-1].what + " overlaps " + spans[i].what)
		}
	}
	return nil
}
