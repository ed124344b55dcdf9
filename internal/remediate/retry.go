package remediate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RetryPolicy is a reusable bounded-retry policy with exponential backoff.
// It wraps calls against the remote gateway; the irreversible terminate
// actions are never wrapped and execute at most once per pass.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration

	// Retryable decides whether an error is worth another attempt. Nil means
	// DefaultRetryable.
	Retryable func(error) bool

	// Limiter, when set, gates every attempt. Used for plex.tv calls.
	Limiter *rate.Limiter
}

// DefaultRetryable retries anything except authorization failures, not-found
// conditions, structural errors and context cancellation.
func DefaultRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotFound):
		return false
	case IsStructural(err):
		return false
	}
	return true
}

// Do runs fn under the policy. The delay before attempt n+1 is
// InitialDelay * 2^n. On exhaustion the last error is returned annotated with
// the attempt count.
func Do[T any](ctx context.Context, policy RetryPolicy, operation string, fn func() (T, error)) (T, error) {
	var zero T

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := policy.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	delay := policy.InitialDelay
	var lastErr error
	made := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		made = attempt
		if policy.Limiter != nil {
			if err := policy.Limiter.Wait(ctx); err != nil {
				return zero, err
			}
		}

		value, err := fn()
		if err == nil {
			return value, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !retryable(err) || attempt == attempts {
			break
		}

		log.Debug().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Remote call failed; retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		delay *= 2
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", operation, made, lastErr)
}
