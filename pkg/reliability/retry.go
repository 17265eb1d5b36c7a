// Package reliability retries transient failures with exponential backoff.
// Terminal-state gateway writes (complete/cancel) run through this so a run
// never ends in ambiguous server state.
package reliability

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/planrun/planrun/pkg/backoff"
	"github.com/planrun/planrun/pkg/errors"
)

// RetryStrategy retries a function on retryable errors while failing fast on
// everything else (user input, already-deleted, protocol errors).
type RetryStrategy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// Policy computes the delay before each retry.
	Policy backoff.Policy
}

// Default returns the retry strategy used for terminal-state writes.
func Default() *RetryStrategy {
	return &RetryStrategy{
		MaxRetries: 4,
		Policy: backoff.Policy{
			Base:       500 * time.Millisecond,
			Max:        8 * time.Second,
			Multiplier: 2.0,
			Jitter:     true,
		},
	}
}

// Execute runs fn, retrying on retryable errors up to MaxRetries times.
// Context cancellation stops the loop immediately. Returns nil on eventual
// success, the error unchanged on a non-retryable failure, or the last error
// wrapped once the budget is exhausted.
func (s *RetryStrategy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.Policy.Delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !isRetriable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", s.MaxRetries, lastErr)
}

// isRetriable consults the module error taxonomy. Context cancellation is
// never retried; plain context deadline errors are, since a single slow call
// may succeed with a fresh attempt.
func isRetriable(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return errors.IsRetryable(err)
}
