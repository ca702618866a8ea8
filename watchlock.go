package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// watchLock keeps a single `rashberry watch` per data directory, since two
// watches would share one ledger. The lock file records the owner's PID and
// watched directory and carries an exclusive flock while the owner runs.
type watchLock struct {
	path string
	f    *os.File
}

// lockOwner is the content of a watch lock file.
type lockOwner struct {
	PID int
	Dir string
}

func acquireWatchLock(path, dir string) (*watchLock, error) {
	if path == "" {
		return nil, errors.New("watch lock path is empty (cannot determine data directory)")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating watch lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening watch lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, lockBusy(path, err)
	}

	if err := writeLockOwner(f, lockOwner{PID: os.Getpid(), Dir: dir}); err != nil {
		f.Close()
		return nil, err
	}

	return &watchLock{path: path, f: f}, nil
}

// Release removes the lock file and drops the flock. Safe to call twice.
func (l *watchLock) Release() {
	if l == nil || l.f == nil {
		return
	}

	os.Remove(l.path)
	l.f.Close()
	l.f = nil
}

// lockBusy explains a failed flock, naming the running watch when its lock
// file can be read.
func lockBusy(path string, lockErr error) error {
	if !errors.Is(lockErr, syscall.EWOULDBLOCK) {
		return fmt.Errorf("locking %s: %w", path, lockErr)
	}

	owner, err := readLockOwner(path)
	switch {
	case err != nil:
		return fmt.Errorf("another watch is already running (could not lock %s)", path)
	case owner.Dir != "":
		return fmt.Errorf("another watch is already running on %s (PID %d, lock %s)", owner.Dir, owner.PID, path)
	default:
		return fmt.Errorf("another watch is already running (PID %d, lock %s)", owner.PID, path)
	}
}

func writeLockOwner(f *os.File, owner lockOwner) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncating watch lock: %w", err)
	}

	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n%s\n", owner.PID, owner.Dir)), 0); err != nil {
		return fmt.Errorf("writing watch lock: %w", err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing watch lock: %w", err)
	}

	return nil
}

// readLockOwner parses a lock file. The directory line is optional.
func readLockOwner(path string) (lockOwner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return lockOwner{}, fmt.Errorf("reading watch lock: %w", err)
	}

	pidLine, dir, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")

	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return lockOwner{}, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return lockOwner{PID: pid, Dir: strings.TrimSpace(dir)}, nil
}
