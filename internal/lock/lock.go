// Package lock implements the host-local mutual-exclusion lock (spec.md
// §4.5): one file, advisory-locked exclusively and non-blocking at the OS
// level, with a diagnostic holder string written atomically inside the
// already-held lock. Grounded directly on the original implementation's
// lock.py, which uses fcntl.flock(LOCK_EX|LOCK_NB).
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lock wraps a single lock file path. The zero value is not usable —
// create instances with New.
type Lock struct {
	path string
	file *os.File
}

// New returns a Lock bound to path. The file is not touched until Acquire.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Acquire creates the parent directory if needed, opens the lock file, and
// attempts a non-blocking exclusive advisory lock. On success it truncates
// the file and writes holder, returning true. On contention (WouldBlock) it
// closes its descriptor and returns false — the caller should then call
// Holder to read the diagnostic string left by whoever holds the lock.
func (l *Lock) Acquire(holder string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return false, fmt.Errorf("lock: failed to create parent directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return false, fmt.Errorf("lock: failed to open %s: %w", l.path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("lock: flock failed on %s: %w", l.path, err)
	}

	// The OS lock is now held exclusively by this process — truncate and
	// write the holder string directly; no temp-file dance is needed
	// because no other process can observe a partial write while we hold
	// the exclusive lock.
	if err := f.Truncate(0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return false, fmt.Errorf("lock: failed to truncate %s: %w", l.path, err)
	}
	if _, err := f.WriteAt([]byte(holder), 0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return false, fmt.Errorf("lock: failed to write holder to %s: %w", l.path, err)
	}

	l.file = f
	return true, nil
}

// Holder reads the diagnostic holder string currently written to the lock
// file, without itself attempting to acquire the lock. Returns "" if the
// file does not exist.
func (l *Lock) Holder() (string, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lock: failed to read holder from %s: %w", l.path, err)
	}
	return string(data), nil
}

// Release closes the underlying file descriptor, which causes the OS to
// release the advisory lock automatically. Safe to call multiple times or
// when the lock was never acquired — stale lock files are impossible
// because the OS lock is the sole source of truth (spec.md §4.5).
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return f.Close()
}

// RemoteAcquireScript returns the shell command sequence that implements
// the equivalent lock protocol on a remote host over a persistent SSH
// session, so the OS releases the flock automatically when the session
// ends (spec.md §4.5 "target-side lock ... over the SSH transport on a
// persistent remote shell"). Ported from lock.py's acquire_target_lock.
func RemoteAcquireScript(path, holder string) string {
	return fmt.Sprintf(
		`mkdir -p %q && exec 9>>%q && flock -n 9 && truncate -s 0 %q && printf '%%s' %q >&9`,
		filepath.Dir(path), path, path, holder,
	)
}

// RemoteHolderScript returns the shell command that reads the remote
// holder string for diagnostics, matching lock.py's get_target_lock_holder.
func RemoteHolderScript(path string) string {
	return fmt.Sprintf("cat %q 2>/dev/null", path)
}
