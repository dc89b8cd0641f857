// Package verify implements the post-restore verifier from section 4.10:
// a Btrfs-metadata check (subvolume, read-only flag, valid UUID) plus an
// optional content comparison against a reference snapshot, in `none`,
// `sample`, or `full` mode. Grounded in the same `btrfs subvolume show`
// UUID-parsing idiom internal/snapshot uses, applied here to the restore
// target instead of a freshly created snapshot.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ValXp/btrfs-to-s3/internal/errs"
)

// Mode selects how much of the restored tree's content gets compared
// against the reference snapshot.
type Mode string

const (
	ModeNone   Mode = "none"
	ModeSample Mode = "sample"
	ModeFull   Mode = "full"
)

// Config parameterizes one verification run.
type Config struct {
	Mode                  Mode
	SampleMaxFiles        int
	ReferenceSnapshotPath string
}

// Result summarizes what a verification run actually checked.
type Result struct {
	Mode           Mode
	MetadataOK     bool
	ContentSkipped bool
	SkipReason     string
	FilesChecked   int
}

// Runner is the subset of subprocess execution the verifier needs;
// satisfied by snapshot.ExecRunner.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Verifier is the post-restore verifier.
type Verifier struct {
	runner Runner
}

// New constructs a Verifier.
func New(runner Runner) *Verifier {
	return &Verifier{runner: runner}
}

// Verify runs the configured verification mode against targetPath. An
// empty ReferenceSnapshotPath means the content phase is skipped and only
// Btrfs metadata is checked.
func (v *Verifier) Verify(ctx context.Context, targetPath string, cfg Config) (Result, error) {
	res := Result{Mode: cfg.Mode}

	if cfg.Mode == ModeNone {
		res.ContentSkipped = true
		res.SkipReason = "verify mode is none"
		return res, nil
	}

	if err := v.checkMetadata(ctx, targetPath); err != nil {
		return res, err
	}
	res.MetadataOK = true

	if cfg.ReferenceSnapshotPath == "" {
		res.ContentSkipped = true
		res.SkipReason = "reference snapshot path unavailable"
		return res, nil
	}

	refFiles, err := listRelPaths(cfg.ReferenceSnapshotPath)
	if err != nil {
		return res, errs.Precondition(fmt.Sprintf("failed to walk reference snapshot: %v", err))
	}
	sort.Strings(refFiles)

	switch cfg.Mode {
	case ModeSample:
		n := cfg.SampleMaxFiles
		if n <= 0 || n > len(refFiles) {
			n = len(refFiles)
		}
		for _, rel := range refFiles[:n] {
			if err := compareFile(cfg.ReferenceSnapshotPath, targetPath, rel); err != nil {
				return res, err
			}
			res.FilesChecked++
		}
	case ModeFull:
		restFiles, err := listRelPaths(targetPath)
		if err != nil {
			return res, errs.Precondition(fmt.Sprintf("failed to walk restored tree: %v", err))
		}
		sort.Strings(restFiles)
		checked, err := diffTrees(cfg.ReferenceSnapshotPath, targetPath, refFiles, restFiles)
		res.FilesChecked = checked
		if err != nil {
			return res, err
		}
	default:
		return res, errs.Precondition(fmt.Sprintf("unknown verify mode %q", cfg.Mode))
	}

	return res, nil
}

// checkMetadata confirms the restore target exists, resolves to a
// subvolume, carries the expected read-only flag, and has a valid UUID.
func (v *Verifier) checkMetadata(ctx context.Context, targetPath string) error {
	if _, err := os.Stat(targetPath); err != nil {
		return errs.Precondition(fmt.Sprintf("restore target does not exist: %s", targetPath))
	}

	out, err := v.runner.Run(ctx, "btrfs", "subvolume", "show", targetPath)
	if err != nil {
		return errs.Integrity(fmt.Sprintf("restore target does not resolve to a subvolume: %v", err))
	}

	var uuidStr, flags string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "UUID:"):
			uuidStr = strings.TrimSpace(strings.TrimPrefix(line, "UUID:"))
		case strings.HasPrefix(line, "Flags:"):
			flags = strings.TrimSpace(strings.TrimPrefix(line, "Flags:"))
		}
	}

	if _, err := uuid.Parse(uuidStr); err != nil {
		return errs.Integrity(fmt.Sprintf("restored subvolume has no valid UUID: %q", uuidStr))
	}
	if !strings.Contains(flags, "readonly") {
		return errs.Integrity("restored subvolume is not read-only as expected")
	}
	return nil
}

// diffTrees performs a sorted merge-join between the reference and
// restored file lists, failing on the first discrepancy encountered in
// relative-path order: a file missing from one side, or present in both
// but differing in size or hash.
func diffTrees(refRoot, targetRoot string, refFiles, restFiles []string) (int, error) {
	checked := 0
	i, j := 0, 0
	for i < len(refFiles) && j < len(restFiles) {
		switch {
		case refFiles[i] == restFiles[j]:
			if err := compareFile(refRoot, targetRoot, refFiles[i]); err != nil {
				return checked, err
			}
			checked++
			i++
			j++
		case refFiles[i] < restFiles[j]:
			return checked, errs.Integrity(fmt.Sprintf("missing file: %s", refFiles[i]))
		default:
			return checked, errs.Integrity(fmt.Sprintf("extra file: %s", restFiles[j]))
		}
	}
	if i < len(refFiles) {
		return checked, errs.Integrity(fmt.Sprintf("missing file: %s", refFiles[i]))
	}
	if j < len(restFiles) {
		return checked, errs.Integrity(fmt.Sprintf("extra file: %s", restFiles[j]))
	}
	return checked, nil
}

// compareFile stats and hashes the same relative path on both sides,
// failing with the offending relative path on any discrepancy.
func compareFile(refRoot, targetRoot, rel string) error {
	refPath := filepath.Join(refRoot, rel)
	targetPath := filepath.Join(targetRoot, rel)

	refInfo, err := os.Stat(refPath)
	if err != nil {
		return errs.Integrity(fmt.Sprintf("missing file: %s", rel))
	}
	targetInfo, err := os.Stat(targetPath)
	if err != nil {
		return errs.Integrity(fmt.Sprintf("missing file: %s", rel))
	}
	if refInfo.Size() != targetInfo.Size() {
		return errs.Integrity(fmt.Sprintf("size mismatch: %s", rel))
	}

	refHash, err := sha256File(refPath)
	if err != nil {
		return errs.Integrity(fmt.Sprintf("unreadable file: %s", rel))
	}
	targetHash, err := sha256File(targetPath)
	if err != nil {
		return errs.Integrity(fmt.Sprintf("unreadable file: %s", rel))
	}
	if refHash != targetHash {
		return errs.Integrity(fmt.Sprintf("hash mismatch: %s", rel))
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// listRelPaths walks root and returns every regular file's path relative
// to root.
func listRelPaths(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
