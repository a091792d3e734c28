// Package session manages a bounded pool of reusable rendering sessions.
package session

import (
	"context"
	"time"
)

// Health is the session lifecycle state tracked by the pool.
type Health string

// Session health states.
const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
	Closed    Health = "closed"
)

// Handle is the underlying rendering resource a Session wraps, created
// by a Factory and destroyed by the pool.
type Handle interface {
	// Healthy reports whether the resource can still serve renders.
	Healthy(ctx context.Context) bool
	// Close releases the resource.
	Close(ctx context.Context) error
}

// Factory creates session handles. Construction is expensive and goes
// through the resilient invoker inside the pool.
type Factory interface {
	NewHandle(ctx context.Context) (Handle, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context) (Handle, error)

// NewHandle implements Factory.
func (f FactoryFunc) NewHandle(ctx context.Context) (Handle, error) {
	return f(ctx)
}

// Session is a borrowed rendering context. It is owned exclusively by
// the pool: callers borrow it between Acquire and Release and must not
// retain it afterwards.
type Session struct {
	ID        string
	CreatedAt time.Time
	LastUsed  time.Time
	health    Health
	handle    Handle
}

// Handle exposes the wrapped rendering resource.
func (s *Session) Handle() Handle {
	return s.handle
}

// Health reports the state recorded by the pool.
func (s *Session) Health() Health {
	return s.health
}
