// Package rialtoflock implements the companion lock file used to enforce
// at most one concurrent bound listener per socket path.
package rialtoflock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held companion lock at <path>.lock.
type Lock struct {
	path string
	fd   int
}

// Acquire creates (if absent) and flock(LOCK_EX|LOCK_NB)s <path>.lock, mode
// 0660. If another process already holds it, Acquire returns an error and
// the lock file is left intact (still held by the first server), exactly
// as spec.md's "second add_socket while the first is live fails" scenario
// requires.
//
// If a stale socket file already exists at path with user- or group-write
// bits, it is unlinked before Acquire returns (cleanup of a crashed
// server's leftover socket). sockPath is the socket path the lock guards,
// not the lock's own path.
func Acquire(sockPath string) (*Lock, error) {
	lockPath := sockPath + ".lock"

	fd, err := unix.Open(lockPath, unix.O_CREAT|unix.O_CLOEXEC|unix.O_RDWR, 0o660)
	if err != nil {
		return nil, fmt.Errorf("open lockfile %s: %w", lockPath, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("flock %s: %w (maybe another server is running)", lockPath, err)
	}

	if info, statErr := os.Stat(sockPath); statErr == nil {
		mode := info.Mode()
		if mode&0o200 != 0 || mode&0o020 != 0 {
			_ = os.Remove(sockPath)
		}
	}

	return &Lock{path: lockPath, fd: fd}, nil
}

// Release unlocks and closes the lock file. It does not remove the lock
// file itself; removal happens via Cleanup alongside the socket path.
func (l *Lock) Release() error {
	if l == nil || l.fd < 0 {
		return nil
	}
	unix.Flock(l.fd, unix.LOCK_UN)
	err := unix.Close(l.fd)
	l.fd = -1
	return err
}

// Cleanup releases the lock and best-effort removes both the lock file and
// the socket path it guarded (socket path first, then lock path, ignoring
// ENOENT).
func (l *Lock) Cleanup(sockPath string) {
	if l == nil {
		return
	}
	if sockPath != "" {
		_ = os.Remove(sockPath)
	}
	_ = l.Release()
	_ = os.Remove(l.path)
}
