package reliability

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/planrun/planrun/pkg/backoff"
	"github.com/planrun/planrun/pkg/errors"
)

func fastStrategy(maxRetries int) *RetryStrategy {
	return &RetryStrategy{
		MaxRetries: maxRetries,
		Policy:     backoff.Policy{Base: 5 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2.0},
	}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := fastStrategy(3).Execute(context.Background(), func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := fastStrategy(3).Execute(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New(errors.ErrCodeTransientNetwork, "gateway unavailable")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestExecuteFailsFastOnAlreadyDeleted(t *testing.T) {
	deleted := errors.New(errors.ErrCodeAlreadyDeleted, "record gone")
	attempts := 0
	err := fastStrategy(3).Execute(context.Background(), func() error {
		attempts++
		return deleted
	})
	if !stderrors.Is(err, deleted) {
		t.Errorf("Execute() error = %v, want the already-deleted error unchanged", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on benign errors)", attempts)
	}
}

func TestExecuteExhaustsBudget(t *testing.T) {
	attempts := 0
	err := fastStrategy(2).Execute(context.Background(), func() error {
		attempts++
		return errors.New(errors.ErrCodeTransientNetwork, "still down")
	})
	if err == nil {
		t.Fatal("Execute() error = nil, want exhaustion error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
	if !errors.IsCode(err, errors.ErrCodeTransientNetwork) {
		t.Errorf("exhaustion error should wrap the last transient error, got %v", err)
	}
}

func TestExecuteStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	strategy := &RetryStrategy{
		MaxRetries: 10,
		Policy:     backoff.Policy{Base: 50 * time.Millisecond, Max: time.Second, Multiplier: 2.0},
	}
	err := strategy.Execute(ctx, func() error {
		attempts++
		cancel()
		return errors.New(errors.ErrCodeTransientNetwork, "down")
	})
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("Execute() error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
