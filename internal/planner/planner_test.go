package planner

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ValXp/btrfs-to-s3/internal/state"
	"github.com/stretchr/testify/require"
)

func withExistingPaths(t *testing.T, existing map[string]bool) {
	t.Helper()
	orig := pathExists
	pathExists = func(p string) bool { return existing[p] }
	t.Cleanup(func() { pathExists = orig })
}

func TestDecideSkipsWhenNotDueAndNotOnce(t *testing.T) {
	now := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	in := Input{
		Now:                  now,
		Once:                 false,
		Global:               GlobalState{LastRunAt: now.Add(-time.Hour)},
		FullEveryDays:        180,
		IncrementalEveryDays: 1,
	}
	plan := Decide(in)
	require.Equal(t, Skip, plan.Kind)
}

func TestDecideFullOnFirstRun(t *testing.T) {
	now := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	in := Input{
		Now:                  now,
		Once:                 true,
		FullEveryDays:        180,
		IncrementalEveryDays: 1,
	}
	plan := Decide(in)
	require.Equal(t, Full, plan.Kind)
}

func TestDecideFullWhenCadenceDue(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	lastFull := now.AddDate(0, 0, -200)
	in := Input{
		Now:                  now,
		Once:                 true,
		FullEveryDays:        180,
		IncrementalEveryDays: 1,
		Subvolume: state.SubvolumeState{
			LastFullAt:       lastFull,
			LastManifestKey:  "some/key",
			LastSnapshotPath: "/snap/data__X__full",
		},
	}
	withExistingPaths(t, map[string]bool{"/snap/data__X__full": true})
	plan := Decide(in)
	require.Equal(t, Full, plan.Kind)
}

func TestDecideFallsBackToFullWhenManifestMissing(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	in := Input{
		Now:                  now,
		Once:                 true,
		FullEveryDays:        180,
		IncrementalEveryDays: 1,
		Subvolume: state.SubvolumeState{
			LastFullAt: now.AddDate(0, 0, -5),
		},
	}
	plan := Decide(in)
	require.Equal(t, Full, plan.Kind)
	require.NotEmpty(t, plan.FallbackReason)
}

func TestDecideFallsBackToFullWhenSnapshotMissingOnDisk(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	in := Input{
		Now:                  now,
		Once:                 true,
		FullEveryDays:        180,
		IncrementalEveryDays: 1,
		Subvolume: state.SubvolumeState{
			LastFullAt:       now.AddDate(0, 0, -5),
			LastManifestKey:  "some/key",
			LastSnapshotPath: filepath.Join("snap", "missing"),
		},
	}
	withExistingPaths(t, map[string]bool{})
	plan := Decide(in)
	require.Equal(t, Full, plan.Kind)
	require.NotEmpty(t, plan.FallbackReason)
}

func TestDecideIncrementalWhenEverythingPresent(t *testing.T) {
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	in := Input{
		Now:                  now,
		Once:                 true,
		FullEveryDays:        180,
		IncrementalEveryDays: 1,
		Subvolume: state.SubvolumeState{
			LastFullAt:       now.AddDate(0, 0, -5),
			LastManifestKey:  "backups/subvol/data/full/X/manifest.json",
			LastSnapshotPath: "/snap/data__X__full",
		},
	}
	withExistingPaths(t, map[string]bool{"/snap/data__X__full": true})
	plan := Decide(in)
	require.Equal(t, Incremental, plan.Kind)
	require.Equal(t, "/snap/data__X__full", plan.ParentSnapshotPath)
	require.Equal(t, "backups/subvol/data/full/X/manifest.json", plan.ParentManifestKey)
	require.Empty(t, plan.FallbackReason)
}

func TestDueByDayUsesCalendarBoundaryNotExactDuration(t *testing.T) {
	last := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	now := time.Date(2026, 1, 2, 0, 1, 0, 0, time.UTC) // only 2 minutes later, next calendar day
	require.True(t, dueByDay(last, 1, now))
}
