//go:build !crashtest

// Package testutil provides the kill points used by the crash-consistency
// harness.
//
// This file provides no-op implementations for production builds. Without
// the "crashtest" tag every kill point call compiles to nothing.
package testutil

// KillPointEnvVar is the environment variable used to set the kill point target.
// In production builds, this is defined but ignored.
const KillPointEnvVar = "GAPDB_KILL_POINT"

// SetKillPoint is a no-op in production builds.
func SetKillPoint(_ string) {}

// ClearKillPoint is a no-op in production builds.
func ClearKillPoint() {}

// ArmKillPoint is a no-op in production builds.
func ArmKillPoint() {}

// DisarmKillPoint is a no-op in production builds.
func DisarmKillPoint() {}

// IsKillPointArmed always returns false in production builds.
func IsKillPointArmed() bool { return false }

// GetKillPointTarget always returns empty string in production builds.
func GetKillPointTarget() string { return "" }

// GetKillPointHitCount always returns 0 in production builds.
func GetKillPointHitCount(_ string) int64 { return 0 }

// ResetKillPointCounts is a no-op in production builds.
func ResetKillPointCounts() {}

// MaybeKill is a no-op in production builds.
// The compiler should inline and eliminate this entirely.
func MaybeKill(_ string) {}

// Kill point name constants, defined for API compatibility in production builds.
const (
	KPDataWrite1 = "Data.Write:1"
	KPDataSync0  = "Data.Sync:0"

	KPCommitWriteIndex0  = "Commit.WriteIndex:0"
	KPCommitWriteIndex1  = "Commit.WriteIndex:1"
	KPCommitWriteHeader0 = "Commit.WriteHeader:0"
	KPCommitWriteHeader1 = "Commit.WriteHeader:1"

	KPFreeTreeSave0 = "FreeTree.Save:0"
	KPFreeTreeSave1 = "FreeTree.Save:1"
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
