//go:build crashtest

// Package testutil provides the kill points used by the crash-consistency
// harness.
//
// A kill point deterministically exits the process at a named location in
// the commit protocol. The harness sets the target through an environment
// variable, runs a writer until it dies, then reopens the store and checks
// that every record shows either its old or its new content.
//
// Usage:
//
//	// In engine code (compiled out without the build tag):
//	testutil.MaybeKill(testutil.KPCommitWriteIndex1)
//
//	// In the harness:
//	testutil.SetKillPoint(testutil.KPCommitWriteIndex1)
//
// Build with kill points enabled:
//
//	go build -tags crashtest ./...
package testutil

import (
	"os"
	"sync"
	"sync/atomic"
)

// killPointState holds the global kill point configuration.
type killPointState struct {
	// target is the name of the kill point that should trigger exit.
	// Empty string means no kill point is set.
	target atomic.Value // stores string

	// armed controls whether kill points are active.
	// This allows temporarily disabling kill points without clearing the target.
	armed atomic.Bool

	// hitCount tracks how many times each kill point was reached.
	// Useful for debugging and verification.
	mu        sync.RWMutex
	hitCounts map[string]int64
}

// globalKillPoint is the singleton kill point state.
var globalKillPoint = &killPointState{
	hitCounts: make(map[string]int64),
}

// KillPointEnvVar is the environment variable used to set the kill point target.
const KillPointEnvVar = "GAPDB_KILL_POINT"

func init() {
	// Check environment variable on startup
	if target := os.Getenv(KillPointEnvVar); target != "" {
		globalKillPoint.target.Store(target)
		globalKillPoint.armed.Store(true)
	}
}

// SetKillPoint sets the target kill point name.
// When MaybeKill is called with this name, the process will exit.
func SetKillPoint(name string) {
	globalKillPoint.target.Store(name)
	globalKillPoint.armed.Store(true)
}

// ClearKillPoint clears the kill point target.
func ClearKillPoint() {
	globalKillPoint.target.Store("")
	globalKillPoint.armed.Store(false)
}

// ArmKillPoint enables kill point processing.
func ArmKillPoint() {
	globalKillPoint.armed.Store(true)
}

// DisarmKillPoint disables kill point processing without clearing the target.
func DisarmKillPoint() {
	globalKillPoint.armed.Store(false)
}

// IsKillPointArmed returns whether kill points are currently armed.
func IsKillPointArmed() bool {
	return globalKillPoint.armed.Load()
}

// GetKillPointTarget returns the current kill point target.
func GetKillPointTarget() string {
	if v := globalKillPoint.target.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// GetKillPointHitCount returns how many times a kill point was reached.
func GetKillPointHitCount(name string) int64 {
	globalKillPoint.mu.RLock()
	defer globalKillPoint.mu.RUnlock()
	return globalKillPoint.hitCounts[name]
}

// ResetKillPointCounts resets all hit counts.
func ResetKillPointCounts() {
	globalKillPoint.mu.Lock()
	defer globalKillPoint.mu.Unlock()
	globalKillPoint.hitCounts = make(map[string]int64)
}

// MaybeKill checks if the named kill point matches the target and exits if so.
// This is the primary entry point for kill points in production code.
//
// If the kill point is armed and the name matches the target, the process
// exits with code 0 (clean exit, not a crash signal).
func MaybeKill(name string) {
	if !globalKillPoint.armed.Load() {
		return
	}

	// Track hit count
	globalKillPoint.mu.Lock()
	globalKillPoint.hitCounts[name]++
	globalKillPoint.mu.Unlock()

	// Check if this is the target
	target, ok := globalKillPoint.target.Load().(string)
	if !ok || target == "" {
		return
	}

	if target == name {
		// Exit code 0 marks an intentional kill, not a failure.
		os.Exit(0)
	}
}

// Kill point names follow "Component.Operation:N" where N is 0 for "before"
// and 1 for "after".
const (
	// Data file kill points
	KPDataWrite1 = "Data.Write:1" // After a record image is written
	KPDataSync0  = "Data.Sync:0"  // Before the data file sync of a commit

	// Commit kill points
	KPCommitWriteIndex0  = "Commit.WriteIndex:0"  // Before the index slots of a batch are written
	KPCommitWriteIndex1  = "Commit.WriteIndex:1"  // After the index slots, before the header
	KPCommitWriteHeader0 = "Commit.WriteHeader:0" // After the index sync, before the header write
	KPCommitWriteHeader1 = "Commit.WriteHeader:1" // After the header write

	// Free tree kill points
	KPFreeTreeSave0 = "FreeTree.Save:0" // Before the free tree blob is written at close
	KPFreeTreeSave1 = "FreeTree.Save:1" // After the blob, before the header records it
)

// CommitKillPoints lists the kill points the crash harness cycles through,
// in the order a commit reaches them.
var CommitKillPoints = []string{
	KPDataWrite1,
	KPDataSync0,
	KPCommitWriteIndex0,
	KPCommitWriteIndex1,
	KPCommitWriteHeader0,
	KPCommitWriteHeader1,
}
