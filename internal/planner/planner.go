// Package planner implements the full-vs-incremental decision table from
// section 4.4: a pure function of config cadences, persisted per-subvolume
// state, and the current time, with no side effects of its own.
package planner

import (
	"time"

	"github.com/ValXp/btrfs-to-s3/internal/state"
)

// Kind is the chosen backup kind for this run.
type Kind int

const (
	// Skip means no backup runs this invocation (schedule not due).
	Skip Kind = iota
	// Full means a full backup, with no parent.
	Full
	// Incremental means a chained incremental against a parent snapshot
	// and parent manifest.
	Incremental
)

func (k Kind) String() string {
	switch k {
	case Full:
		return "full"
	case Incremental:
		return "incremental"
	default:
		return "skip"
	}
}

// Plan is the planner's decision for one subvolume.
type Plan struct {
	Kind               Kind
	ParentSnapshotPath string
	ParentManifestKey  string
	// FallbackReason is non-empty when an Incremental was downgraded to
	// Full because the normal incremental preconditions weren't met; it
	// is logged at info level by the caller.
	FallbackReason string
}

// Input bundles everything the decision table needs.
type Input struct {
	Now    time.Time
	Once   bool
	Global GlobalState

	FullEveryDays        int
	IncrementalEveryDays int

	Subvolume state.SubvolumeState
}

// GlobalState is the subset of top-level state the planner consults to
// decide whether the schedule is due at all.
type GlobalState struct {
	LastRunAt time.Time
}

// Decide evaluates the decision table from section 4.4, top to bottom.
func Decide(in Input) Plan {
	if !in.Once && !scheduleDue(in) {
		return Plan{Kind: Skip}
	}

	if in.Subvolume.LastFullAt.IsZero() {
		return Plan{Kind: Full}
	}

	if dueByDay(in.Subvolume.LastFullAt, in.FullEveryDays, in.Now) {
		return Plan{Kind: Full}
	}

	if in.Subvolume.LastManifestKey == "" {
		return Plan{Kind: Full, FallbackReason: "no last manifest recorded"}
	}

	if in.Subvolume.LastSnapshotPath == "" || !pathExists(in.Subvolume.LastSnapshotPath) {
		return Plan{Kind: Full, FallbackReason: "last snapshot path missing on disk"}
	}

	return Plan{
		Kind:               Incremental,
		ParentSnapshotPath: in.Subvolume.LastSnapshotPath,
		ParentManifestKey:  in.Subvolume.LastManifestKey,
	}
}

// scheduleDue reports whether either cadence could possibly be due, using
// the shorter of the two intervals against the last overall run time. A
// zero LastRunAt (first run ever) is always due.
func scheduleDue(in Input) bool {
	if in.Global.LastRunAt.IsZero() {
		return true
	}
	shortest := in.FullEveryDays
	if in.IncrementalEveryDays < shortest {
		shortest = in.IncrementalEveryDays
	}
	return dueByDay(in.Global.LastRunAt, shortest, in.Now)
}

// dueByDay compares calendar-day boundaries in UTC rather than exact
// 24h*N durations, per section 4.4's "monotonic daily boundary" rule.
func dueByDay(last time.Time, intervalDays int, now time.Time) bool {
	lastDay := truncateToDay(last)
	nowDay := truncateToDay(now)
	due := lastDay.AddDate(0, 0, intervalDays)
	return !nowDay.Before(due)
}

func truncateToDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// pathExists is overridable in tests.
var pathExists = defaultPathExists
