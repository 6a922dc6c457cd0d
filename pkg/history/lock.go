package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/process"
)

// ErrLocked means another run currently holds the state store. Two
// overlapping runs would corrupt deduplication history, so the second
// one fails loudly instead of waiting.
var ErrLocked = errors.New("state store is locked by another run")

// Lock is the run-exclusion lock around the state store.
type Lock struct {
	fl   *flock.Flock
	path string
}

// Acquire takes the lock or fails immediately with ErrLocked. The
// holder's pid is recorded in the lock file so contention errors can
// say whether the other run is still alive or died without the kernel
// releasing the lock (which flock itself rules out, but operators ask).
func Acquire(path string) (*Lock, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock directory %s: %w", dir, err)
		}
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s%s", ErrLocked, path, ownerHint(path))
	}

	// Best effort; the flock is what actually excludes.
	os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)

	return &Lock{fl: fl, path: path}, nil
}

func ownerHint(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return ""
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return fmt.Sprintf(" (held by pid %d)", pid)
	}
	if alive {
		return fmt.Sprintf(" (held by running pid %d)", pid)
	}
	return fmt.Sprintf(" (lock file names pid %d, which is gone)", pid)
}

func (l *Lock) Release() error {
	// The file is left in place; removing it would race a concurrent
	// Acquire on the old inode.
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}
