// Package streamer wraps the `btrfs send` and `btrfs receive` child
// processes as specified in section 4.5: an unbuffered stdout byte stream
// on the send side, a stdin byte sink on the receive side, a bounded
// stderr ring buffer on both, and a close sequence that always waits out
// the child before returning.
package streamer

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// stderrCap is the ring buffer capacity: 64 KiB, newest bytes kept.
const stderrCap = 64 * 1024

// gracePeriod is how long Close waits after SIGTERM before escalating to
// SIGKILL.
const gracePeriod = 5 * time.Second

// receiveGracePeriod bounds how long Finish waits for `btrfs receive` to
// exit on its own after stdin EOF before falling back to the same
// signal-and-escalate sequence Abort uses. It is long because a receive
// child legitimately keeps flushing to disk well after EOF on a large
// stream; this is a backstop against a truly stuck process, not the
// normal exit path.
const receiveGracePeriod = 5 * time.Minute

// btrfsBinary is the executable invoked for send/receive. Overridable in
// tests to exercise the process-management logic against a fake script.
var btrfsBinary = "btrfs"

// SendStream exposes the stdout of a running `btrfs send` as an
// io.Reader, with a bounded tail of its stderr available after Close.
type SendStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *ringBuffer
}

// OpenSend spawns `btrfs send [-p parentPath] snapshotPath`. When
// parentPath is empty, no `-p` flag is passed (full send).
func OpenSend(ctx context.Context, snapshotPath, parentPath string) (*SendStream, error) {
	args := []string{"send"}
	if parentPath != "" {
		args = append(args, "-p", parentPath)
	}
	args = append(args, snapshotPath)

	cmd := exec.CommandContext(ctx, btrfsBinary, args...)
	ring := newRingBuffer(stderrCap)
	cmd.Stderr = ring

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open btrfs send stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start btrfs send: %w", err)
	}

	return &SendStream{cmd: cmd, stdout: stdout, stderr: ring}, nil
}

// Read reads from the send child's stdout.
func (s *SendStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Close closes the stdout pipe, signals the child if it is still running,
// waits with a bounded grace period before escalating to SIGKILL, and
// returns the captured stderr tail alongside the child's exit error (nil
// on a clean exit).
func (s *SendStream) Close() (stderrTail string, exitErr error) {
	_ = s.stdout.Close()
	return closeChild(s.cmd, s.stderr, nil)
}

// ReceiveSink exposes the stdin of a running `btrfs receive` as an
// io.Writer, with a bounded tail of its stderr available after Close.
type ReceiveSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *ringBuffer
}

// OpenReceive spawns `btrfs receive targetParentDir`. The stream must be
// restored into a path that does not yet exist; targetParentDir is the
// directory `btrfs receive` will create the subvolume underneath.
func OpenReceive(ctx context.Context, targetParentDir string) (*ReceiveSink, error) {
	cmd := exec.CommandContext(ctx, btrfsBinary, "receive", targetParentDir)
	ring := newRingBuffer(stderrCap)
	cmd.Stderr = ring

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open btrfs receive stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start btrfs receive: %w", err)
	}

	return &ReceiveSink{cmd: cmd, stdin: stdin, stderr: ring}, nil
}

// Write feeds bytes into the receive child's stdin.
func (r *ReceiveSink) Write(p []byte) (int, error) {
	return r.stdin.Write(p)
}

// Finish closes stdin (signaling EOF of the stream) and waits for the
// receive child to exit normally, without signaling it: `btrfs receive`
// keeps writing out buffered data after stdin EOF, and a SIGTERM raced
// against that flush can kill it mid-write and corrupt the restored
// subvolume. Call this on the success path. Only past receiveGracePeriod
// does it fall back to Abort's signal-and-escalate sequence, as a
// backstop against a child that never exits.
func (r *ReceiveSink) Finish() (stderrTail string, exitErr error) {
	_ = r.stdin.Close()

	waitDone := make(chan error, 1)
	go func() { waitDone <- r.cmd.Wait() }()

	select {
	case err := <-waitDone:
		return r.stderr.String(), err
	case <-time.After(receiveGracePeriod):
		return closeChild(r.cmd, r.stderr, waitDone)
	}
}

// Abort closes stdin, signals the child, and waits with a bounded grace
// period before escalating. Call this when the stream fails mid-flight.
func (r *ReceiveSink) Abort() (stderrTail string, exitErr error) {
	_ = r.stdin.Close()
	return closeChild(r.cmd, r.stderr, nil)
}

// closeChild signals the child (if still running), waits with a bounded
// grace period, escalates to SIGKILL, and always returns after wait()
// completes so no child is left orphaned. If waitDone is non-nil, a
// cmd.Wait() call is already in flight on it (Finish's grace-period
// fallback); otherwise one is started here.
func closeChild(cmd *exec.Cmd, stderr *ringBuffer, waitDone chan error) (string, error) {
	if waitDone == nil {
		waitDone = make(chan error, 1)
		go func() { waitDone <- cmd.Wait() }()
	}

	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case err := <-waitDone:
		return stderr.String(), err
	case <-time.After(gracePeriod):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		err := <-waitDone
		return stderr.String(), err
	}
}
