package replication

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy governs 429/5xx retry for the HTTP client, per §6's
// "numberOfReplays / initialBackoff / preferRetryAfter" configuration.
// Grounded on the exponential-backoff retry idiom used for transient
// storage errors elsewhere in the pack (dolt/store.go's withRetry), adapted
// here to also honor a server-supplied Retry-After override.
type RetryPolicy struct {
	NumberOfReplays int           // max retry attempts after the first try
	InitialBackoff  time.Duration // base delay, doubled per attempt
	PreferRetryAfter bool         // honor a transientError's retryAfter hint when set
	MaxRetryAfter   time.Duration // cap on an honored Retry-After value
}

// DefaultRetryPolicy matches §6's enumerated defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		NumberOfReplays:  3,
		InitialBackoff:   250 * time.Millisecond,
		PreferRetryAfter: true,
		MaxRetryAfter:    time.Hour,
	}
}

// transientError marks an error as retryable and optionally carries a
// server-requested retry delay (from a Retry-After header).
type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// Do runs fn, retrying while it returns a transientError, up to
// p.NumberOfReplays additional attempts. fn reports a requested retry delay
// (zero means "let backoff decide"); when PreferRetryAfter is set and the
// delay is positive, it overrides the computed exponential delay for that
// attempt, capped at MaxRetryAfter.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) (retryAfter time.Duration, err error)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		delay, err := fn(attempt)
		if err == nil {
			return nil
		}

		var te transientError
		if !errors.As(err, &te) {
			return err
		}
		if attempt > p.NumberOfReplays {
			return err
		}

		wait := bo.NextBackOff()
		if p.PreferRetryAfter && delay > 0 {
			if delay > p.MaxRetryAfter {
				delay = p.MaxRetryAfter
			}
			wait = delay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
