// Package state implements the local state store from section 4.2: a
// single JSON document, read-modify-write, atomically persisted via
// write-temp-then-rename within the same directory. The process lock makes
// the store single-writer, so no internal locking is required here.
package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
)

// SubvolumeState is the per-subvolume slice of local state defined in
// section 3.
type SubvolumeState struct {
	LastSnapshotName string    `json:"lastSnapshotName"`
	LastSnapshotPath string    `json:"lastSnapshotPath"`
	LastManifestKey  string    `json:"lastManifestKey"`
	LastFullAt       time.Time `json:"lastFullAt"`
}

// State is the top-level persisted document from section 3.
type State struct {
	LastRunAt  time.Time                  `json:"lastRunAt"`
	Subvolumes map[string]SubvolumeState `json:"subvolumes"`
}

// Subvolume returns the state for name, or the zero value if unknown.
func (s State) Subvolume(name string) SubvolumeState {
	if s.Subvolumes == nil {
		return SubvolumeState{}
	}
	return s.Subvolumes[name]
}

// WithSubvolume returns a copy of s with sv recorded under name.
func (s State) WithSubvolume(name string, sv SubvolumeState) State {
	next := s
	next.Subvolumes = make(map[string]SubvolumeState, len(s.Subvolumes)+1)
	for k, v := range s.Subvolumes {
		next.Subvolumes[k] = v
	}
	next.Subvolumes[name] = sv
	return next
}

// Store is the contract for loading and persisting State.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// FileStore implements Store on the local filesystem with atomic writes.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore rooted at path. The containing directory
// is created on demand at Save time, not here.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the state document, returning the zero State if it doesn't
// exist yet (first run).
func (f *FileStore) Load(ctx context.Context) (State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{Subvolumes: map[string]SubvolumeState{}}, nil
		}
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("failed to decode state file: %w", err)
	}
	if s.Subvolumes == nil {
		s.Subvolumes = map[string]SubvolumeState{}
	}
	return s, nil
}

// Save persists s atomically: write to a temp file in the same directory,
// then rename over the target path.
func (f *FileStore) Save(ctx context.Context, s State) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("failed to atomically replace state file: %w", err)
	}
	return nil
}
