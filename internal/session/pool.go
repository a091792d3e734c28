package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/rmarchant/webextract/internal/clock"
	"github.com/rmarchant/webextract/internal/id/uuid"
	"github.com/rmarchant/webextract/internal/metrics"
	"github.com/rmarchant/webextract/internal/resilience"
)

// Pool errors.
var (
	// ErrPoolExhausted indicates the acquire wait timed out with every
	// session in use.
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("session pool closed")
)

// CreateCircuitID keys the breaker protecting session construction.
const CreateCircuitID = "session-create"

// Config tunes the pool.
type Config struct {
	// Capacity is the maximum number of live sessions.
	Capacity int
	// AcquireTimeout bounds the wait for a free session. Zero means the
	// caller's context is the only deadline.
	AcquireTimeout time.Duration
	// CreatePolicy is the retry policy for session construction.
	CreatePolicy resilience.Policy
}

// Pool hands out sessions up to a fixed capacity. A weighted semaphore
// enforces the capacity bound; the idle stack and bookkeeping are
// guarded by mu. At most one borrower holds a session at a time.
type Pool struct {
	cfg     Config
	factory Factory
	invoker *resilience.Invoker
	logger  *zap.Logger
	clock   clock.Clock
	idGen   *uuid.Generator

	slots *semaphore.Weighted

	mu     sync.Mutex
	idle   []*Session
	inUse  map[string]*Session
	closed bool
}

// NewPool constructs a Pool. Sessions are created lazily on demand.
func NewPool(cfg Config, factory Factory, invoker *resilience.Invoker, clk clock.Clock, logger *zap.Logger) (*Pool, error) {
	if cfg.Capacity <= 0 {
		return nil, errors.New("pool capacity must be > 0")
	}
	if factory == nil {
		return nil, errors.New("pool factory is required")
	}
	if invoker == nil {
		return nil, errors.New("pool invoker is required")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		invoker: invoker,
		logger:  logger,
		clock:   clk,
		idGen:   uuid.NewGenerator(),
		slots:   semaphore.NewWeighted(int64(cfg.Capacity)),
		inUse:   make(map[string]*Session),
	}, nil
}

// Acquire returns a healthy session, creating one if under capacity, or
// waits for a release. The wait is bounded by cfg.AcquireTimeout and the
// caller's context.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	if err := p.slots.Acquire(ctx, 1); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrPoolExhausted
		}
		return nil, fmt.Errorf("acquire wait: %w", err)
	}
	// Holding a slot from here on; give it back on any failure path.

	if p.isClosed() {
		p.slots.Release(1)
		return nil, ErrPoolClosed
	}

	for {
		s := p.popIdle()
		if s == nil {
			break
		}
		if s.handle.Healthy(ctx) {
			return p.lend(s), nil
		}
		// Unhealthy idle sessions are destroyed and replaced, never
		// reused.
		p.logger.Warn("evicting unhealthy idle session", zap.String("session_id", s.ID))
		p.destroy(ctx, s)
	}

	s, err := p.create(ctx)
	if err != nil {
		p.slots.Release(1)
		return nil, err
	}
	return p.lend(s), nil
}

// Release returns a borrowed session. Callers flag sessions they
// corrupted as unhealthy; those are destroyed instead of pooled.
func (p *Pool) Release(s *Session, healthy bool) {
	if s == nil {
		return
	}
	p.mu.Lock()
	if _, borrowed := p.inUse[s.ID]; !borrowed {
		p.mu.Unlock()
		p.logger.Warn("release of session not in use", zap.String("session_id", s.ID))
		return
	}
	delete(p.inUse, s.ID)
	metrics.DecActiveSessions()
	s.LastUsed = p.clock.Now()
	closed := p.closed
	if healthy && !closed {
		s.health = Healthy
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		p.slots.Release(1)
		return
	}
	if !healthy {
		s.health = Unhealthy
	}
	p.mu.Unlock()

	p.destroy(context.Background(), s)
	p.slots.Release(1)
}

// CloseAll destroys idle sessions immediately and marks the pool closed;
// in-use sessions are destroyed as they are released. Subsequent Acquire
// calls fail fast with ErrPoolClosed.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, s := range idle {
		p.destroy(ctx, s)
	}
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() (idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.inUse)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) popIdle() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	s := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return s
}

func (p *Pool) lend(s *Session) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.LastUsed = p.clock.Now()
	p.inUse[s.ID] = s
	metrics.IncActiveSessions()
	return s
}

func (p *Pool) create(ctx context.Context) (*Session, error) {
	handle, err := resilience.Do(ctx, p.invoker, CreateCircuitID, p.cfg.CreatePolicy, func(ctx context.Context) (Handle, error) {
		return p.factory.NewHandle(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := p.idGen.NewID()
	if err != nil {
		_ = handle.Close(ctx)
		return nil, fmt.Errorf("create session id: %w", err)
	}
	now := p.clock.Now()
	s := &Session{
		ID:        id,
		CreatedAt: now,
		LastUsed:  now,
		health:    Healthy,
		handle:    handle,
	}
	p.logger.Debug("session created", zap.String("session_id", id))
	return s, nil
}

func (p *Pool) destroy(ctx context.Context, s *Session) {
	s.health = Closed
	if err := s.handle.Close(ctx); err != nil {
		p.logger.Warn("session close failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}
