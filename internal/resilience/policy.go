// Package resilience wraps fallible remote calls with retry, jittered
// backoff, and a per-identity circuit breaker.
package resilience

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"
)

// Policy controls retry behavior for a single invocation. It is a value
// object: construct once, share read-only across goroutines.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration
	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64
	// Jitter perturbs each delay by a uniform fraction in [0, Jitter).
	Jitter float64
	// AttemptTimeout bounds each individual attempt. Zero means the
	// caller's context is the only deadline.
	AttemptTimeout time.Duration
	// Retryable reports whether a failure is worth another attempt.
	// A nil predicate retries everything except context cancellation.
	Retryable func(error) bool
}

// DefaultPolicy returns a policy with sane defaults: three attempts,
// 250ms initial delay doubling each time, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Validate checks the policy for obviously bad values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("policy max attempts must be >= 1")
	}
	if p.InitialDelay < 0 {
		return errors.New("policy initial delay must be >= 0")
	}
	if p.MaxAttempts > 1 && p.Multiplier < 1.0 {
		return errors.New("policy multiplier must be >= 1.0")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return errors.New("policy jitter must be in [0, 1)")
	}
	return nil
}

// shouldRetry consults the policy predicate. The caller is responsible
// for checking its own context; an attempt-level deadline is an ordinary
// failure and may be retried.
func (p Policy) shouldRetry(err error) bool {
	if p.Retryable == nil {
		return !errors.Is(err, context.Canceled)
	}
	return p.Retryable(err)
}

// delay computes the backoff before attempt n (n >= 2), jitter applied.
func (p Policy) delay(attempt int) time.Duration {
	if attempt < 2 || p.InitialDelay <= 0 {
		return 0
	}
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-2))
	d := time.Duration(base)
	if p.Jitter <= 0 {
		return d
	}
	spread := time.Duration(float64(d) * p.Jitter)
	d += randomJitter(spread*2) - spread
	if d < 0 {
		return 0
	}
	return d
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
