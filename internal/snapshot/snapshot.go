// Package snapshot implements the Btrfs snapshot manager from section 4.3:
// deterministic second-resolution naming, read-only snapshot creation,
// enumeration, and age-ordered pruning that unconditionally preserves the
// parent needed for the next incremental. Subprocess invocation follows the
// same run-external-tool-and-check-output shape Btrfs storage drivers in
// the wild use (e.g. LXD's storageBtrfs.subvolCreate/subvolDelete).
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ValXp/btrfs-to-s3/internal/errs"
	"github.com/google/uuid"
)

// Kind distinguishes a full snapshot (no parent reference needed) from an
// incremental one (sent with `-p` against a parent).
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "inc"
)

// timestampLayout is the second-resolution UTC format from section 3.
const timestampLayout = "20060102T150405Z"

// Record describes one read-only Btrfs snapshot as defined in section 3.
type Record struct {
	Subvolume  string
	Timestamp  time.Time
	Kind       Kind
	Path       string
	UUID       string
	ParentUUID string
}

// Name returns the deterministic "<subvol>__<timestamp>__<kind>" name.
func (r Record) Name() string {
	return fmt.Sprintf("%s__%s__%s", r.Subvolume, r.Timestamp.Format(timestampLayout), r.Kind)
}

var nameRe = regexp.MustCompile(`^(.+)__(\d{8}T\d{6}Z)__(full|inc)$`)

func parseName(name string) (subvol string, ts time.Time, kind Kind, ok bool) {
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, "", false
	}
	parsed, err := time.Parse(timestampLayout, m[2])
	if err != nil {
		return "", time.Time{}, "", false
	}
	return m[1], parsed, Kind(m[3]), true
}

// Runner abstracts external command execution so the manager can be tested
// without a real Btrfs filesystem.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

// Manager creates, lists, and prunes snapshots under a single root
// directory on the snapshot filesystem.
type Manager struct {
	root   string
	runner Runner
}

// NewManager returns a Manager rooted at root (e.g. config's
// snapshots.root), using runner to invoke `btrfs`.
func NewManager(root string, runner Runner) *Manager {
	return &Manager{root: root, runner: runner}
}

// Create takes a read-only snapshot of subvolPath for subvolName, naming it
// deterministically. A name collision within the same second for the same
// subvolume is a fatal environment error per section 4.3.
func (m *Manager) Create(ctx context.Context, subvolPath, subvolName string, kind Kind) (Record, error) {
	rec := Record{
		Subvolume: subvolName,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Kind:      kind,
	}
	rec.Path = filepath.Join(m.root, rec.Name())

	if _, err := os.Stat(rec.Path); err == nil {
		return Record{}, errs.Snapshot(fmt.Sprintf("snapshot name collision at %s", rec.Path), nil)
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return Record{}, errs.Snapshot("failed to create snapshot root", err)
	}

	if _, err := m.runner.Run(ctx, "btrfs", "subvolume", "snapshot", "-r", subvolPath, rec.Path); err != nil {
		return Record{}, errs.Snapshot(fmt.Sprintf("btrfs subvolume snapshot failed for %s", subvolPath), err)
	}

	if uuid, parent, err := m.showUUIDs(ctx, rec.Path); err == nil {
		rec.UUID = uuid
		rec.ParentUUID = parent
	}

	return rec, nil
}

// showUUIDs runs `btrfs subvolume show` and extracts the UUID and parent
// UUID lines. Failure here is non-fatal: the UUIDs are optional metadata.
func (m *Manager) showUUIDs(ctx context.Context, path string) (string, string, error) {
	out, err := m.runner.Run(ctx, "btrfs", "subvolume", "show", path)
	if err != nil {
		return "", "", err
	}

	var uid, parentUID string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "UUID:"):
			uid = strings.TrimSpace(strings.TrimPrefix(line, "UUID:"))
		case strings.HasPrefix(line, "Parent UUID:"):
			parentUID = strings.TrimSpace(strings.TrimPrefix(line, "Parent UUID:"))
			if parentUID == "-" {
				parentUID = ""
			}
		}
	}

	if uid != "" {
		if _, err := uuid.Parse(uid); err != nil {
			uid = ""
		}
	}
	if parentUID != "" {
		if _, err := uuid.Parse(parentUID); err != nil {
			parentUID = ""
		}
	}
	return uid, parentUID, nil
}

// List enumerates existing snapshots for subvolName, sorted oldest first.
func (m *Manager) List(subvolName string) ([]Record, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Snapshot("failed to list snapshot root", err)
	}

	var recs []Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		subvol, ts, kind, ok := parseName(e.Name())
		if !ok || subvol != subvolName {
			continue
		}
		recs = append(recs, Record{
			Subvolume: subvol,
			Timestamp: ts,
			Kind:      kind,
			Path:      filepath.Join(m.root, e.Name()),
		})
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	return recs, nil
}

// Prune deletes snapshots for subvolName in age order, newest first,
// stopping once keepCount remain, and unconditionally preserves
// requiredParent regardless of how old it is.
func (m *Manager) Prune(ctx context.Context, subvolName string, keepCount int, requiredParent string) error {
	recs, err := m.List(subvolName)
	if err != nil {
		return err
	}

	// Newest first for the keep-window walk.
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.After(recs[j].Timestamp) })

	kept := 0
	for _, rec := range recs {
		if rec.Path == requiredParent {
			kept++
			continue
		}
		if kept < keepCount {
			kept++
			continue
		}
		if _, err := m.runner.Run(ctx, "btrfs", "subvolume", "delete", rec.Path); err != nil {
			return errs.Snapshot(fmt.Sprintf("failed to prune snapshot %s", rec.Path), err)
		}
	}
	return nil
}

// Exists reports whether path is still present on disk, used by the
// planner to detect a missing incremental parent (section 4.4).
func Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
