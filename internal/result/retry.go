package result

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy implements the exponential-backoff-with-jitter retry
// described in §4.4: base 200ms, factor 2, max 3 attempts, jitter ±20%.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxAttempts uint64
	JitterFrac  float64
}

// DefaultRetryPolicy returns the policy §4.4 mandates for provider calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   200 * time.Millisecond,
		Factor:      2,
		MaxAttempts: 3,
		JitterFrac:  0.2,
	}
}

// IsTransient reports whether e belongs to one of the retryable classes
// named in §4.4 (Timeout, TransportError-shaped NETWORK errors, 5xx
// ProviderError). Non-transient classes must be surfaced immediately.
func IsTransient(e *Error) bool {
	if e == nil {
		return false
	}
	switch e.Category {
	case CategoryTimeout:
		return true
	case CategoryNetwork:
		return true
	case CategoryBusiness:
		// A ProviderError carrying a 5xx status is transient; 4xx is not.
		if status, ok := e.Context["status"].(int); ok && status >= 500 {
			return true
		}
		return false
	default:
		return false
	}
}

// backOff builds a cenkalti/backoff ExponentialBackOff tuned to p, capped
// at p.MaxAttempts tries via backoff.WithMaxRetries.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.Factor
	eb.RandomizationFactor = p.JitterFrac
	eb.MaxElapsedTime = 0 // bounded by MaxAttempts instead of wall-clock
	withCtx := backoff.WithContext(eb, ctx)
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	return backoff.WithMaxRetries(withCtx, attempts-1)
}

// Do runs op, retrying on transient failures per p until it succeeds, a
// non-transient error is returned, attempts are exhausted, or ctx is done.
// The last error is returned when retries are exhausted.
func Do[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) Result[T]) Result[T] {
	var last Result[T]
	retryable := func() error {
		last = op(ctx)
		if last.IsOk() {
			return nil
		}
		if !IsTransient(last.Error()) {
			return backoff.Permanent(last.Error())
		}
		return last.Error()
	}
	if err := backoff.Retry(retryable, p.backOff(ctx)); err != nil {
		return last
	}
	return last
}
