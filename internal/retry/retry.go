// Package retry runs an operation under an explicit policy: a maximum number
// of attempts, a backoff function and a predicate deciding which errors are
// worth another attempt. The same Policy type drives both the candle fetch
// and the archive upload, with different parameters.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrExhausted is wrapped around the last error once every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Backoff returns the delay to wait after the given failed attempt (1-based)
// before the next one.
type Backoff func(attempt int) time.Duration

// Linear waits attempt*base: base, 2*base, 3*base, ...
func Linear(base time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * base
	}
}

// Exponential waits initial*factor^(attempt-1), capped at maxDelay when
// maxDelay is positive.
func Exponential(initial time.Duration, factor float64, maxDelay time.Duration) Backoff {
	if factor < 1 {
		factor = 1
	}
	return func(attempt int) time.Duration {
		d := time.Duration(float64(initial) * math.Pow(factor, float64(attempt-1)))
		if maxDelay > 0 && (d > maxDelay || d < 0) {
			return maxDelay
		}
		return d
	}
}

// AfterHinter is implemented by errors that carry a server-provided wait,
// such as an HTTP 429 with a retry-after value. The policy waits at least
// that long, up to MaxDelay.
type AfterHinter interface {
	RetryAfter() time.Duration
}

// Policy describes how an operation is retried. The zero value performs a
// single attempt.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	// Retryable reports whether err deserves another attempt. Nil retries
	// every error.
	Retryable func(err error) bool
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
	// MaxDelay caps every delay, server hints included. Zero means no cap.
	MaxDelay time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. It returns the number of attempts made. Attempts are
// strictly sequential and no delay follows the final attempt.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := max(p.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempt, err
		}
		if attempt >= maxAttempts {
			return attempt, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		delay := p.delay(attempt, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return attempt, fmt.Errorf("retry interrupted: %w: %w", serr, err)
		}
	}
}

func (p Policy) delay(attempt int, err error) time.Duration {
	var d time.Duration
	if p.Backoff != nil {
		d = p.Backoff(attempt)
	}
	var hint AfterHinter
	if errors.As(err, &hint) && hint.RetryAfter() > d {
		d = hint.RetryAfter()
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
