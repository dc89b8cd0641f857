package restore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/ValXp/btrfs-to-s3/internal/errs"
	"github.com/ValXp/btrfs-to-s3/internal/manifest"
	"github.com/ValXp/btrfs-to-s3/internal/testutil"
)

// fakeLoader resolves manifests and pointers from an in-memory map.
type fakeLoader struct {
	manifests map[string]manifest.Manifest
	pointers  map[string]manifest.Pointer
}

func (l *fakeLoader) LoadManifest(ctx context.Context, bucket, key string) (manifest.Manifest, error) {
	m, ok := l.manifests[key]
	if !ok {
		return manifest.Manifest{}, fmt.Errorf("no manifest at %s", key)
	}
	return m, nil
}

func (l *fakeLoader) LoadPointer(ctx context.Context, bucket, key string) (manifest.Pointer, error) {
	p, ok := l.pointers[key]
	if !ok {
		return manifest.Pointer{}, fmt.Errorf("no pointer at %s", key)
	}
	return p, nil
}

// fakeRunner satisfies Runner without shelling out.
type fakeRunner struct {
	fail bool
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if r.fail {
		return "", errors.New("not a subvolume")
	}
	return "", nil
}

// fakeSink is a receiveSink double that discards the bytes written to it
// and, on construction, creates the target directory so the engine's
// post-receive os.Rename step has something real to operate on.
type fakeSink struct {
	dir  string
	fail bool
}

func newFakeSinkFactory(names []string) func(ctx context.Context, parentDir string) (receiveSink, error) {
	idx := 0
	return func(ctx context.Context, parentDir string) (receiveSink, error) {
		if idx >= len(names) {
			return nil, fmt.Errorf("unexpected extra receive call")
		}
		path := filepath.Join(parentDir, names[idx])
		idx++
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
		return &fakeSink{dir: path}, nil
	}
}

func (s *fakeSink) Write(p []byte) (int, error) { return len(p), nil }
func (s *fakeSink) Finish() (string, error) {
	if s.fail {
		return "receive failed", errors.New("boom")
	}
	return "", nil
}
func (s *fakeSink) Abort() (string, error) { return "aborted", nil }

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func buildFullManifest(data []byte) manifest.Manifest {
	return manifest.Manifest{
		SchemaVersion: manifest.SchemaVersion,
		Subvolume:     "data",
		Kind:          manifest.KindFull,
		CreatedAt:     time.Unix(0, 0).UTC(),
		Snapshot:      manifest.SnapshotDescriptor{Name: "data-20260101T000000Z"},
		Chunks: []manifest.ChunkRecord{
			{Ordinal: 0, Key: "chunks/full-0.bin", Size: int64(len(data)), SHA256: sha256Hex(data)},
		},
		TotalBytes: int64(len(data)),
		ChunkSize:  int64(len(data)),
	}
}

func TestRestoreStreamsChunksAndRenamesIntoPlace(t *testing.T) {
	data := []byte("full snapshot stream bytes")
	m := buildFullManifest(data)

	s3c := testutil.NewFakeS3()
	s3c.Put(m.Chunks[0].Key, data, types.StorageClassStandard)

	loader := &fakeLoader{
		manifests: map[string]manifest.Manifest{"manifest/full.json": m},
		pointers:  map[string]manifest.Pointer{"subvol/data/current.json": {ManifestKey: "manifest/full.json"}},
	}

	restoreRoot := t.TempDir()
	target := filepath.Join(restoreRoot, "restored-data")

	origOpen := openReceive
	openReceive = newFakeSinkFactory([]string{m.Snapshot.Name})
	t.Cleanup(func() { openReceive = origOpen })

	eng := New(s3c, loader, &fakeRunner{}, Config{Bucket: "b", Prefix: "p"})
	total, err := eng.Restore(context.Background(), "data", target, "manifest/full.json")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), total)

	info, err := os.Stat(target)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestRestoreFailsIfTargetAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "exists")
	require.NoError(t, os.MkdirAll(target, 0o755))

	eng := New(testutil.NewFakeS3(), &fakeLoader{}, &fakeRunner{}, Config{Bucket: "b", Prefix: "p"})
	_, err := eng.Restore(context.Background(), "data", target, "whatever")

	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindPrecondition, e.Kind)
}

func TestRestoreFailsOnChunkHashMismatch(t *testing.T) {
	data := []byte("tampered bytes")
	m := buildFullManifest(data)
	m.Chunks[0].SHA256 = sha256Hex([]byte("different bytes"))

	s3c := testutil.NewFakeS3()
	s3c.Put(m.Chunks[0].Key, data, types.StorageClassStandard)

	loader := &fakeLoader{manifests: map[string]manifest.Manifest{"manifest/full.json": m}}

	restoreRoot := t.TempDir()
	target := filepath.Join(restoreRoot, "restored-data")

	origOpen := openReceive
	openReceive = newFakeSinkFactory([]string{m.Snapshot.Name})
	t.Cleanup(func() { openReceive = origOpen })

	eng := New(s3c, loader, &fakeRunner{}, Config{Bucket: "b", Prefix: "p"})
	_, err := eng.Restore(context.Background(), "data", target, "manifest/full.json")

	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindIntegrity, e.Kind)

	_, statErr := os.Stat(target)
	require.True(t, os.IsNotExist(statErr))
}

func TestRestoreRequestsAndWaitsOutArchiveTierChunks(t *testing.T) {
	data := []byte("archived chunk bytes")
	m := buildFullManifest(data)

	s3c := testutil.NewFakeS3()
	s3c.Put(m.Chunks[0].Key, data, types.StorageClassGlacier)

	loader := &fakeLoader{manifests: map[string]manifest.Manifest{"manifest/full.json": m}}

	restoreRoot := t.TempDir()
	target := filepath.Join(restoreRoot, "restored-data")

	origOpen := openReceive
	openReceive = newFakeSinkFactory([]string{m.Snapshot.Name})
	t.Cleanup(func() { openReceive = origOpen })

	// Flip the chunk to "restored" shortly after the poll loop starts.
	key := m.Chunks[0].Key
	go func() {
		time.Sleep(50 * time.Millisecond)
		s3c.SetRestoreState(key, `ongoing-request="false"`)
	}()

	eng := New(s3c, loader, &fakeRunner{}, Config{
		Bucket:                "b",
		Prefix:                "p",
		RestoreTier:           types.TierStandard,
		WaitForRestore:        true,
		RestoreTimeoutSeconds: 5,
	})
	total, err := eng.Restore(context.Background(), "data", target, "manifest/full.json")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), total)
	require.Contains(t, s3c.RestoreCalls(), key)
}

func TestRestoreFailsFastWhenArchivedAndNotWaiting(t *testing.T) {
	data := []byte("archived chunk bytes")
	m := buildFullManifest(data)

	s3c := testutil.NewFakeS3()
	s3c.Put(m.Chunks[0].Key, data, types.StorageClassDeepArchive)

	loader := &fakeLoader{manifests: map[string]manifest.Manifest{"manifest/full.json": m}}

	target := filepath.Join(t.TempDir(), "restored-data")

	eng := New(s3c, loader, &fakeRunner{}, Config{Bucket: "b", Prefix: "p", WaitForRestore: false})
	_, err := eng.Restore(context.Background(), "data", target, "manifest/full.json")

	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindPrecondition, e.Kind)
}

func TestRestoreAppliesIncrementalChainInOrder(t *testing.T) {
	fullData := []byte("base stream")
	incData := []byte("incremental delta stream")

	full := buildFullManifest(fullData)
	fullKey := "manifest/full.json"

	incKey := "manifest/inc.json"
	inc := manifest.Manifest{
		SchemaVersion:  manifest.SchemaVersion,
		Subvolume:      "data",
		Kind:           manifest.KindIncremental,
		CreatedAt:      time.Unix(1, 0).UTC(),
		Snapshot:       manifest.SnapshotDescriptor{Name: "data-20260102T000000Z"},
		Chunks:         []manifest.ChunkRecord{{Ordinal: 0, Key: "chunks/inc-0.bin", Size: int64(len(incData)), SHA256: sha256Hex(incData)}},
		ParentManifest: &fullKey,
		TotalBytes:     int64(len(incData)),
		ChunkSize:      int64(len(incData)),
	}

	s3c := testutil.NewFakeS3()
	s3c.Put(full.Chunks[0].Key, fullData, types.StorageClassStandard)
	s3c.Put(inc.Chunks[0].Key, incData, types.StorageClassStandard)

	loader := &fakeLoader{manifests: map[string]manifest.Manifest{fullKey: full, incKey: inc}}

	target := filepath.Join(t.TempDir(), "restored-data")

	var received []string
	origOpen := openReceive
	openReceive = func(ctx context.Context, parentDir string) (receiveSink, error) {
		received = append(received, parentDir)
		name := full.Snapshot.Name
		if len(received) == 2 {
			name = inc.Snapshot.Name
		}
		path := filepath.Join(parentDir, name)
		require.NoError(t, os.MkdirAll(path, 0o755))
		return &fakeSink{dir: path}, nil
	}
	t.Cleanup(func() { openReceive = origOpen })

	eng := New(s3c, loader, &fakeRunner{}, Config{Bucket: "b", Prefix: "p"})
	total, err := eng.Restore(context.Background(), "data", target, incKey)
	require.NoError(t, err)
	require.Equal(t, int64(len(fullData)+len(incData)), total)
	require.Len(t, received, 2)

	info, err := os.Stat(target)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
