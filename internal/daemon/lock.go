package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
)

// Lock is the cross-process lock that makes one process the only writer of
// a status store. Both the daemon and an offline scan take it.
type Lock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewLock creates an unlocked lock on path.
func NewLock(path string) *Lock {
	return &Lock{
		path:  path,
		flock: flock.New(path),
	}
}

// Acquire takes the lock without blocking. It fails with
// ERR_208_ALREADY_LOCKED when another process holds it.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return awerrors.New(awerrors.ErrCodeAlreadyLocked, "another annexwatch process owns this data directory", nil).
			WithDetail("lock", l.path).
			WithSuggestion("stop the running daemon, or query it through its socket")
	}
	l.locked = true
	return nil
}

// Release drops the lock. Safe to call on an unlocked Lock.
func (l *Lock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the path to the lock file.
func (l *Lock) Path() string {
	return l.path
}

// IsLocked returns true if the lock is currently held by this process.
func (l *Lock) IsLocked() bool {
	return l.locked
}
