// Package backoff provides bounded retry with pluggable delay strategies for
// transactional persistence steps. Strategies are stateless and safe for
// concurrent use.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed). Retry 1 is
	// the first retry after the initial failure.
	Delay(retry int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay on each retry, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter picks a random delay in [0, computed] when set.
	Jitter bool
}

// Delay returns min(Initial * 2^(retry-1), Max), optionally jittered.
func (e Exponential) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	base := float64(e.Initial) * math.Pow(2, float64(retry-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	if e.Jitter {
		return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(base)
}

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	Strategy    Strategy
	// Retryable decides whether an error is worth another attempt. A nil
	// Retryable retries nothing.
	Retryable func(error) bool
	// OnRetry is called before each retry with the failed attempt number.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy retries five times with jittered exponential delays from
// 25ms up to 1s.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 5,
		Strategy:    Exponential{Initial: 25 * time.Millisecond, Max: time.Second, Jitter: true},
		Retryable:   retryable,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, attempts
// run out, or ctx is done. The returned error wraps the last failure.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		var delay time.Duration
		if p.Strategy != nil {
			delay = p.Strategy.Delay(attempt)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, err)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}
