package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Invoker executes operations under a retry policy and per-identity
// circuit breakers. One Invoker is constructed at startup and shared by
// every component that talks to a remote backend; circuits are keyed by
// the caller-supplied identity string.
type Invoker struct {
	cfg    BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewInvoker builds an Invoker. A nil logger is replaced with a no-op.
func NewInvoker(cfg BreakerConfig, logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

// ExhaustedError wraps the final failure after all attempts were spent.
type ExhaustedError struct {
	CircuitID string
	Attempts  int
	Elapsed   time.Duration
	Cause     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("circuit %q: %d attempts exhausted after %s: %v", e.CircuitID, e.Attempts, e.Elapsed, e.Cause)
}

func (e *ExhaustedError) Unwrap() error { return e.Cause }

// State reports the current breaker position for a circuit identity.
// Unknown identities are closed.
func (inv *Invoker) State(circuitID string) CircuitState {
	inv.mu.Lock()
	c, ok := inv.circuits[circuitID]
	inv.mu.Unlock()
	if !ok {
		return CircuitClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == CircuitOpen && !inv.now().Before(c.openUntil) {
		return CircuitHalfOpen
	}
	return c.state
}

func (inv *Invoker) circuitFor(id string) *circuit {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	c, ok := inv.circuits[id]
	if !ok {
		c = &circuit{state: CircuitClosed}
		inv.circuits[id] = c
	}
	return c
}

// Do runs op under the policy and the circuit keyed by circuitID.
//
// Retries apply only to failures the policy deems retryable; everything
// else propagates immediately. While the circuit is open, Do fails fast
// with ErrCircuitOpen without invoking op or consuming an attempt.
// Backoff waits are cancellable through ctx.
func Do[T any](ctx context.Context, inv *Invoker, circuitID string, pol Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := pol.Validate(); err != nil {
		return zero, fmt.Errorf("invalid retry policy: %w", err)
	}

	c := inv.circuitFor(circuitID)
	start := inv.now()
	var lastErr error

	for attempt := 1; attempt <= pol.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, pol.delay(attempt)); err != nil {
				return zero, err
			}
		}

		state, err := c.allow(inv.cfg, inv.now())
		if err != nil {
			inv.logger.Warn("circuit rejected call",
				zap.String("circuit", circuitID),
				zap.Int("attempt", attempt),
			)
			return zero, err
		}

		val, opErr := runAttempt(ctx, pol, op)
		if opErr == nil {
			c.recordSuccess()
			return val, nil
		}
		lastErr = opErr
		c.recordFailure(inv.cfg, inv.now())
		inv.logger.Debug("attempt failed",
			zap.String("circuit", circuitID),
			zap.String("state", string(state)),
			zap.Int("attempt", attempt),
			zap.Error(opErr),
		)

		if ctx.Err() != nil {
			return zero, fmt.Errorf("invoke canceled: %w", ctx.Err())
		}
		if !pol.shouldRetry(opErr) {
			return zero, opErr
		}
	}

	return zero, &ExhaustedError{
		CircuitID: circuitID,
		Attempts:  pol.MaxAttempts,
		Elapsed:   inv.now().Sub(start),
		Cause:     lastErr,
	}
}

func runAttempt[T any](ctx context.Context, pol Policy, op func(context.Context) (T, error)) (T, error) {
	if pol.AttemptTimeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, pol.AttemptTimeout)
	defer cancel()
	return op(attemptCtx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff wait: %w", ctx.Err())
	}
}
