package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another sync holds the lock.
var ErrLocked = errors.New("another sync is already running")

// Lock takes an exclusive, non-blocking lock on path so that overlapping
// runs cannot claim and delete against the same destination at once. The
// returned function releases it.
func Lock(path string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &Error{Stage: StageLock, Err: err}
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, &Error{Stage: StageLock, Err: fmt.Errorf("lock %s: %w", path, err)}
	}
	if !ok {
		return nil, &Error{Stage: StageLock, Err: fmt.Errorf("%w (lock %s)", ErrLocked, path)}
	}
	return fl.Unlock, nil
}
