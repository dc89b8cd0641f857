// Package lock implements the process-wide mutual exclusion primitive from
// section 4.1: a single lock file whose presence means "held", with
// stale-owner recovery driven by a PID liveness probe rather than a
// refreshed timestamp — acquisition is fail-fast, not a kept-alive
// distributed lock.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	json "github.com/goccy/go-json"

	"github.com/ValXp/btrfs-to-s3/internal/errs"
)

// record is the JSON content of the lock file: just enough to identify and
// probe the owning process.
type record struct {
	PID int `json:"pid"`
}

// Lock is a single named lock file. Acquire/Release do not block: contention
// is a fail-fast condition per section 4.1.
type Lock struct {
	path string
	held bool
}

// New returns a Lock bound to path. The lock is not acquired yet.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Acquire attempts to create the lock file exclusively. If the file already
// exists, it reads the recorded PID and probes liveness with signal 0. A
// dead owner's stale file is removed and acquisition retried exactly once;
// a live owner causes acquisition to fail with a LockHeld error. The probe
// re-checks file presence after deciding to remove a stale file, to stay
// race-safe against another process winning the removal first.
func (l *Lock) Acquire() error {
	if l.held {
		return nil
	}

	if err := l.tryCreate(); err == nil {
		l.held = true
		return nil
	} else if !os.IsExist(err) {
		return errs.LockHeld(fmt.Sprintf("failed to create lock file %s: %v", l.path, err))
	}

	owner, err := l.readOwner()
	if err != nil {
		if os.IsNotExist(err) {
			// Raced with the owner's release; retry once.
			if err := l.tryCreate(); err != nil {
				return errs.LockHeld(fmt.Sprintf("lock contended at %s", l.path))
			}
			l.held = true
			return nil
		}
		return errs.LockHeld(fmt.Sprintf("failed to read lock file %s: %v", l.path, err))
	}

	if processAlive(owner.PID) {
		return errs.LockHeld(fmt.Sprintf("lock held by live process %d at %s", owner.PID, l.path))
	}

	// Stale owner: re-check the file, then remove it and retry exactly once.
	current, err := l.readOwner()
	if err == nil && current.PID != owner.PID && processAlive(current.PID) {
		return errs.LockHeld(fmt.Sprintf("lock held by live process %d at %s", current.PID, l.path))
	}
	if err == nil || !os.IsNotExist(err) {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return errs.LockHeld(fmt.Sprintf("failed to remove stale lock %s: %v", l.path, err))
		}
	}
	if err := l.tryCreate(); err != nil {
		return errs.LockHeld(fmt.Sprintf("lock re-contended at %s after stale recovery", l.path))
	}
	l.held = true
	return nil
}

// Release removes the lock file. It must run on every exit path; it is a
// no-op if the lock was never acquired.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	return nil
}

func (l *Lock) tryCreate() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(record{PID: os.Getpid()})
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

func (l *Lock) readOwner() (record, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return record{}, err
	}
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		// A corrupt lock file is treated as belonging to no live process,
		// so it can be cleared like any other stale lock.
		return record{PID: -1}, nil
	}
	return r, nil
}

// processAlive probes liveness with POSIX signal-0 semantics: sending
// signal 0 performs error checking without actually sending a signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// EPERM means the process exists but we can't signal it — still alive.
	return errors.Is(err, syscall.EPERM)
}
