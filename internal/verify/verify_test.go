package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ValXp/btrfs-to-s3/internal/errs"
)

type fakeRunner struct {
	output string
	err    error
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	return r.output, r.err
}

func validShowOutput() string {
	return "\tName: \t\t\tdata\n" +
		"\tUUID: \t\t\t" + uuid.New().String() + "\n" +
		"\tFlags: \t\t\treadonly\n"
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestVerifyNoneModeSkipsEverything(t *testing.T) {
	v := New(&fakeRunner{})
	res, err := v.Verify(context.Background(), "/does/not/matter", Config{Mode: ModeNone})
	require.NoError(t, err)
	require.True(t, res.ContentSkipped)
	require.False(t, res.MetadataOK)
}

func TestVerifyFailsIfTargetMissing(t *testing.T) {
	v := New(&fakeRunner{})
	_, err := v.Verify(context.Background(), filepath.Join(t.TempDir(), "nope"), Config{Mode: ModeSample})
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindPrecondition, e.Kind)
}

func TestVerifyFailsIfNotReadOnly(t *testing.T) {
	target := t.TempDir()
	v := New(&fakeRunner{output: "\tUUID: \t\t\t" + uuid.New().String() + "\n\tFlags: \t\t\t-\n"})
	_, err := v.Verify(context.Background(), target, Config{Mode: ModeSample})
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindIntegrity, e.Kind)
}

func TestVerifyFailsOnInvalidUUID(t *testing.T) {
	target := t.TempDir()
	v := New(&fakeRunner{output: "\tUUID: \t\t\tnot-a-uuid\n\tFlags: \t\t\treadonly\n"})
	_, err := v.Verify(context.Background(), target, Config{Mode: ModeSample})
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindIntegrity, e.Kind)
}

func TestVerifySkipsContentWhenReferenceUnavailable(t *testing.T) {
	target := t.TempDir()
	v := New(&fakeRunner{output: validShowOutput()})
	res, err := v.Verify(context.Background(), target, Config{Mode: ModeFull})
	require.NoError(t, err)
	require.True(t, res.MetadataOK)
	require.True(t, res.ContentSkipped)
}

func TestVerifyFullModeMatchingTrees(t *testing.T) {
	ref := t.TempDir()
	target := t.TempDir()

	writeFile(t, filepath.Join(ref, "a.txt"), "hello")
	writeFile(t, filepath.Join(ref, "sub/b.txt"), "world")
	writeFile(t, filepath.Join(target, "a.txt"), "hello")
	writeFile(t, filepath.Join(target, "sub/b.txt"), "world")

	v := New(&fakeRunner{output: validShowOutput()})
	res, err := v.Verify(context.Background(), target, Config{Mode: ModeFull, ReferenceSnapshotPath: ref})
	require.NoError(t, err)
	require.Equal(t, 2, res.FilesChecked)
}

func TestVerifyFullModeDetectsHashMismatch(t *testing.T) {
	ref := t.TempDir()
	target := t.TempDir()

	writeFile(t, filepath.Join(ref, "a.txt"), "hello")
	writeFile(t, filepath.Join(target, "a.txt"), "world")

	v := New(&fakeRunner{output: validShowOutput()})
	_, err := v.Verify(context.Background(), target, Config{Mode: ModeFull, ReferenceSnapshotPath: ref})
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.KindIntegrity, e.Kind)
	require.Contains(t, e.Msg, "a.txt")
}

func TestVerifyFullModeDetectsMissingFile(t *testing.T) {
	ref := t.TempDir()
	target := t.TempDir()

	writeFile(t, filepath.Join(ref, "a.txt"), "hello")
	writeFile(t, filepath.Join(ref, "b.txt"), "world")
	writeFile(t, filepath.Join(target, "a.txt"), "hello")

	v := New(&fakeRunner{output: validShowOutput()})
	_, err := v.Verify(context.Background(), target, Config{Mode: ModeFull, ReferenceSnapshotPath: ref})
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Contains(t, e.Msg, "b.txt")
}

func TestVerifyFullModeDetectsExtraFile(t *testing.T) {
	ref := t.TempDir()
	target := t.TempDir()

	writeFile(t, filepath.Join(ref, "a.txt"), "hello")
	writeFile(t, filepath.Join(target, "a.txt"), "hello")
	writeFile(t, filepath.Join(target, "z-extra.txt"), "surprise")

	v := New(&fakeRunner{output: validShowOutput()})
	_, err := v.Verify(context.Background(), target, Config{Mode: ModeFull, ReferenceSnapshotPath: ref})
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Contains(t, e.Msg, "extra file")
	require.Contains(t, e.Msg, "z-extra.txt")
}

func TestVerifySampleModeCapsFileCount(t *testing.T) {
	ref := t.TempDir()
	target := t.TempDir()

	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		writeFile(t, filepath.Join(ref, name), "content-"+name)
		writeFile(t, filepath.Join(target, name), "content-"+name)
	}

	v := New(&fakeRunner{output: validShowOutput()})
	res, err := v.Verify(context.Background(), target, Config{
		Mode:                  ModeSample,
		SampleMaxFiles:        2,
		ReferenceSnapshotPath: ref,
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.FilesChecked)
}
