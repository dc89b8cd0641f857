package streamer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeFakeBtrfs creates a fake `btrfs` executable so these tests exercise
// the real process-management logic without a real Btrfs filesystem.
func writeFakeBtrfs(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-btrfs")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func withFakeBtrfs(t *testing.T, path string) {
	t.Helper()
	orig := btrfsBinary
	btrfsBinary = path
	t.Cleanup(func() { btrfsBinary = orig })
}

func TestOpenSendStreamsStdout(t *testing.T) {
	withFakeBtrfs(t, writeFakeBtrfs(t, `
if [ "$1" = "send" ]; then
  printf 'hello-send-stream'
  exit 0
fi
exit 1
`))

	s, err := OpenSend(context.Background(), "/snap/data", "")
	require.NoError(t, err)

	body, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "hello-send-stream", string(body))

	tail, exitErr := s.Close()
	require.NoError(t, exitErr)
	require.Empty(t, tail)
}

func TestOpenSendWithParentPassesDashP(t *testing.T) {
	withFakeBtrfs(t, writeFakeBtrfs(t, `
if [ "$1" = "send" ] && [ "$2" = "-p" ]; then
  printf 'incremental: parent=%s snapshot=%s' "$3" "$4"
  exit 0
fi
exit 1
`))

	s, err := OpenSend(context.Background(), "/snap/data__2", "/snap/data__1")
	require.NoError(t, err)

	body, err := io.ReadAll(s)
	require.NoError(t, err)
	require.Equal(t, "incremental: parent=/snap/data__1 snapshot=/snap/data__2", string(body))

	_, exitErr := s.Close()
	require.NoError(t, exitErr)
}

func TestOpenSendCapturesStderrTailOnFailure(t *testing.T) {
	withFakeBtrfs(t, writeFakeBtrfs(t, `
echo "send failed: no such snapshot" 1>&2
exit 1
`))

	s, err := OpenSend(context.Background(), "/snap/missing", "")
	require.NoError(t, err)

	_, _ = io.ReadAll(s)
	tail, exitErr := s.Close()
	require.Error(t, exitErr)
	require.Contains(t, tail, "send failed")
}

func TestReceiveSinkFinishesAfterStdinEOF(t *testing.T) {
	withFakeBtrfs(t, writeFakeBtrfs(t, `
if [ "$1" = "receive" ]; then
  cat > /dev/null
  exit 0
fi
exit 1
`))

	r, err := OpenReceive(context.Background(), "/mnt/target-parent")
	require.NoError(t, err)

	_, err = r.Write([]byte("stream-bytes"))
	require.NoError(t, err)

	tail, exitErr := r.Finish()
	require.NoError(t, exitErr)
	require.Empty(t, tail)
}

// TestReceiveSinkFinishDoesNotSignalWhileChildStillFlushing guards against
// Finish racing a SIGTERM against a receive child that is still writing
// out buffered data after stdin EOF: the fake script sleeps well past
// stdin close before exiting cleanly, so a premature SIGTERM would show
// up as a non-nil "signal: terminated" exit error here.
func TestReceiveSinkFinishDoesNotSignalWhileChildStillFlushing(t *testing.T) {
	withFakeBtrfs(t, writeFakeBtrfs(t, `
if [ "$1" = "receive" ]; then
  cat > /dev/null
  sleep 0.3
  exit 0
fi
exit 1
`))

	r, err := OpenReceive(context.Background(), "/mnt/target-parent")
	require.NoError(t, err)

	_, err = r.Write([]byte("stream-bytes"))
	require.NoError(t, err)

	tail, exitErr := r.Finish()
	require.NoError(t, exitErr)
	require.Empty(t, tail)
}

func TestReceiveSinkAbortOnFailure(t *testing.T) {
	withFakeBtrfs(t, writeFakeBtrfs(t, `
if [ "$1" = "receive" ]; then
  echo "receive corrupt stream" 1>&2
  cat > /dev/null
  exit 1
fi
exit 1
`))

	r, err := OpenReceive(context.Background(), "/mnt/target-parent")
	require.NoError(t, err)

	_, _ = r.Write([]byte("partial"))
	// Abort signals the child right away, so wait until the child has
	// reported its failure on stderr before aborting it.
	require.Eventually(t, func() bool {
		return strings.Contains(r.stderr.String(), "receive corrupt stream")
	}, 5*time.Second, 10*time.Millisecond)
	tail, exitErr := r.Abort()
	require.Error(t, exitErr)
	require.Contains(t, tail, "receive corrupt stream")
}

func TestRingBufferKeepsNewestBytes(t *testing.T) {
	r := newRingBuffer(8)
	_, _ = r.Write([]byte("0123456789"))
	require.Equal(t, "23456789", r.String())

	_, _ = r.Write([]byte("AB"))
	require.Equal(t, "456789AB", r.String())
}
