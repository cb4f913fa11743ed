package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EscalationError is returned by Do once a transient operation has
// exhausted its retry budget.
type EscalationError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("retry: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *EscalationError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do runs fn, retrying failures with the policy's backoff up to MaxRetries
// times. Context errors and Permanent errors stop immediately.
func Do(ctx context.Context, op string, s Settings, fn func(ctx context.Context) error) error {
	strategy := s.Strategy()
	attempts := 0
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempts > s.MaxRetries {
			return &EscalationError{Op: op, Attempts: attempts, Err: err}
		}

		timer := time.NewTimer(strategy.Delay(attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
