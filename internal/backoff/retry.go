package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAttemptsExhausted is returned when every allowed attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Result holds the outcome of a Retry call.
type Result[T any] struct {
	Value    T
	Attempts int
	LastErr  error
}

// Retry calls fn until it succeeds, the policy is exhausted, or ctx ends.
// fn receives the 1-indexed attempt number. The returned error wraps
// ErrAttemptsExhausted and the last failure when the policy runs out.
func Retry[T any](ctx context.Context, policy Policy, fn func(attempt int) (T, error)) (Result[T], error) {
	var result Result[T]
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempts = attempt

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			result.LastErr = nil
			return result, nil
		}
		result.LastErr = err

		if policy.Exhausted(attempt) {
			return result, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, err)
		}
		if err := Sleep(ctx, policy.Backoff(attempt)); err != nil {
			return result, err
		}
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
