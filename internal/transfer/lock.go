package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the directory lock.
var ErrLocked = errors.New("export directory is locked by another process")

// lockRetry is how often a held lock is retried until the context ends.
const lockRetry = 100 * time.Millisecond

// LockDir takes the lock file beside dir ("<dir>.lock") so two exports or
// imports cannot use the same directory at once. It waits for the lock
// until ctx is done. The returned function releases it.
func LockDir(ctx context.Context, dir string) (func() error, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(abs + ".lock")
	ok, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
	}
	return lock.Unlock, nil
}
