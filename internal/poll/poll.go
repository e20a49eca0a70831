// Package poll provides the cancellable timed wait used for end-of-move and
// phase-change waits.
package poll

import (
	"context"
	"time"

	"github.com/KevinKickass/MiniDiffCore/internal/types"
)

// Condition reports whether the wait is over.
type Condition func(ctx context.Context) bool

// Until evaluates cond every interval until it holds. A signal on wake
// re-evaluates immediately. A zero timeout waits until ctx is done.
// The first evaluation happens after one interval so that a just-issued
// command has time to be reflected by the hardware.
func Until(ctx context.Context, op string, interval, timeout time.Duration, wake <-chan struct{}, cond Condition) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return &types.TimeoutError{Operation: op, Timeout: timeout}
			}
			return ctx.Err()
		case <-deadline:
			return &types.TimeoutError{Operation: op, Timeout: timeout}
		case <-ticker.C:
		case <-wake:
		}

		if cond(ctx) {
			return nil
		}
	}
}
