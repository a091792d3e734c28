package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the breaker refused the call without invoking
// the protected operation.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitState names the breaker position for a circuit identity.
type CircuitState string

// Circuit states.
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// BreakerConfig tunes circuit behavior shared by every circuit identity.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open after tripping.
	Cooldown time.Duration
	// MaxCooldown caps cooldown growth. Each re-open from half-open
	// doubles the cooldown up to this limit, protecting a struggling
	// backend from a thundering herd.
	MaxCooldown time.Duration
}

// DefaultBreakerConfig trips after five consecutive failures with a 30s
// cooldown growing to five minutes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

// circuit holds breaker bookkeeping for one identity. All fields are
// guarded by mu; the lock is held only for bookkeeping, never across a
// remote call.
type circuit struct {
	mu            sync.Mutex
	state         CircuitState
	failures      int
	openUntil     time.Time
	cooldown      time.Duration
	trialInFlight bool
}

// allow decides whether a call may proceed. It returns the state observed
// at decision time; when the state is open, err carries ErrCircuitOpen.
func (c *circuit) allow(cfg BreakerConfig, now time.Time) (CircuitState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		return CircuitClosed, nil
	case CircuitOpen:
		if now.Before(c.openUntil) {
			return CircuitOpen, fmt.Errorf("%w until %s", ErrCircuitOpen, c.openUntil.UTC().Format(time.RFC3339))
		}
		// Cooldown elapsed: permit exactly one trial call.
		c.state = CircuitHalfOpen
		c.trialInFlight = true
		return CircuitHalfOpen, nil
	case CircuitHalfOpen:
		if c.trialInFlight {
			return CircuitOpen, fmt.Errorf("%w: trial in flight", ErrCircuitOpen)
		}
		c.trialInFlight = true
		return CircuitHalfOpen, nil
	default:
		return CircuitClosed, nil
	}
}

func (c *circuit) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.failures = 0
	c.cooldown = 0
	c.trialInFlight = false
}

func (c *circuit) recordFailure(cfg BreakerConfig, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == CircuitHalfOpen {
		// Failed trial: re-open with a grown cooldown.
		c.trialInFlight = false
		c.cooldown = minDuration(c.cooldown*2, cfg.MaxCooldown)
		if c.cooldown <= 0 {
			c.cooldown = cfg.Cooldown
		}
		c.state = CircuitOpen
		c.openUntil = now.Add(c.cooldown)
		return
	}

	c.failures++
	if c.failures >= cfg.FailureThreshold && c.state == CircuitClosed {
		c.state = CircuitOpen
		c.cooldown = cfg.Cooldown
		c.openUntil = now.Add(c.cooldown)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
