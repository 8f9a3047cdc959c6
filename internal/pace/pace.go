// Package pace provides the cancellable sleep used by polling loops and
// paced submissions, so tests can substitute a recording sleeper.
package pace

import (
	"context"
	"time"
)

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the
// latter case.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer sleeps on a real timer.
type Timer struct{}

func (Timer) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
