// Package retry wraps a single send attempt with a bounded retry budget.
package retry

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// DefaultAttempts is the total number of tries, including the first.
const DefaultAttempts = 2

// ErrExhausted wraps the last error once the budget is spent.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Executor runs an operation up to Attempts times, calling Wait between
// failed tries. It never panics on failure; the caller decides how to record
// it.
type Executor struct {
	Attempts int
	// Wait runs between attempts, typically the pacing delay. A Wait error
	// (such as ctx cancellation) stops retrying.
	Wait func(ctx context.Context) error
}

// Do runs fn. It returns nil on the first success, or an error wrapping both
// ErrExhausted and the last failure. The attempt count actually used is
// returned for logging.
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := e.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	var last error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return i - 1, fmt.Errorf("retry: %w", err)
		}
		last = fn(ctx)
		if last == nil {
			return i, nil
		}
		log.WithField("attempt", i).WithError(last).Debug("retry: attempt failed")
		if i == attempts {
			break
		}
		if e.Wait != nil {
			if err := e.Wait(ctx); err != nil {
				return i, fmt.Errorf("retry: wait: %w (last error: %v)", err, last)
			}
		}
	}
	return attempts, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}
