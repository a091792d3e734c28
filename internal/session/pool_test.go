package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmarchant/webextract/internal/resilience"
)

// fakeHandle is a controllable session resource.
type fakeHandle struct {
	healthy atomic.Bool
	closed  atomic.Bool
}

func newFakeHandle() *fakeHandle {
	h := &fakeHandle{}
	h.healthy.Store(true)
	return h
}

func (h *fakeHandle) Healthy(context.Context) bool { return h.healthy.Load() }

func (h *fakeHandle) Close(context.Context) error {
	h.closed.Store(true)
	return nil
}

// countingFactory tracks handle creation.
type countingFactory struct {
	mu      sync.Mutex
	created []*fakeHandle
	failFor int
}

func (f *countingFactory) NewHandle(context.Context) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor > 0 {
		f.failFor--
		return nil, errors.New("browser refused to start")
	}
	h := newFakeHandle()
	f.created = append(f.created, h)
	return h, nil
}

func (f *countingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newTestPool(t *testing.T, capacity int, factory Factory) *Pool {
	t.Helper()
	inv := resilience.NewInvoker(resilience.BreakerConfig{FailureThreshold: 100}, nil)
	pol := resilience.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1.0}
	p, err := NewPool(Config{Capacity: capacity, CreatePolicy: pol}, factory, inv, nil, nil)
	require.NoError(t, err)
	return p
}

func TestAcquireCreatesLazily(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, 2, factory)
	defer p.CloseAll(context.Background())

	assert.Equal(t, 0, factory.count(), "no sessions before first acquire")

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, factory.count())
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, Healthy, s.Health())

	p.Release(s, true)
}

func TestAcquireReusesIdleSession(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, 2, factory)
	defer p.CloseAll(context.Background())

	s1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s1, true)

	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, 1, factory.count())
	p.Release(s2, true)
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, 1, factory)
	defer p.CloseAll(context.Background())

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Session, 1)
	go func() {
		waiter, err := p.Acquire(context.Background())
		if err == nil {
			acquired <- waiter
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(s, true)

	select {
	case waiter := <-acquired:
		p.Release(waiter, true)
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked by release")
	}
}

func TestAcquireTimeoutReportsExhaustion(t *testing.T) {
	factory := &countingFactory{}
	inv := resilience.NewInvoker(resilience.BreakerConfig{FailureThreshold: 100}, nil)
	p, err := NewPool(Config{
		Capacity:       1,
		AcquireTimeout: 30 * time.Millisecond,
		CreatePolicy:   resilience.Policy{MaxAttempts: 1},
	}, factory, inv, nil, nil)
	require.NoError(t, err)
	defer p.CloseAll(context.Background())

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s, true)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestInUseNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	factory := &countingFactory{}
	p := newTestPool(t, capacity, factory)
	defer p.CloseAll(context.Background())

	var peak atomic.Int64
	var current atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			current.Add(-1)
			p.Release(s, true)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(capacity))
	assert.LessOrEqual(t, factory.count(), capacity)
}

func TestUnhealthyReleaseDestroysSession(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, 1, factory)
	defer p.CloseAll(context.Background())

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	handle := s.Handle().(*fakeHandle)

	p.Release(s, false)
	assert.True(t, handle.closed.Load(), "corrupted session must be destroyed")

	// Capacity is freed: the next acquire creates a fresh session.
	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, s2.ID)
	assert.Equal(t, 2, factory.count())
	p.Release(s2, true)
}

func TestUnhealthyIdleSessionReplacedOnAcquire(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, 1, factory)
	defer p.CloseAll(context.Background())

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	handle := s.Handle().(*fakeHandle)
	p.Release(s, true)

	// The idle session goes bad while pooled.
	handle.healthy.Store(false)

	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, s2.ID)
	assert.True(t, handle.closed.Load())
	p.Release(s2, true)
}

func TestCreationFailureRetriesThenFails(t *testing.T) {
	factory := &countingFactory{failFor: 10}
	p := newTestPool(t, 1, factory)
	defer p.CloseAll(context.Background())

	_, err := p.Acquire(context.Background())
	require.Error(t, err)

	var exhausted *resilience.ExhaustedError
	assert.ErrorAs(t, err, &exhausted)

	// The failed acquire must give its slot back.
	factory.mu.Lock()
	factory.failFor = 0
	factory.mu.Unlock()
	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s, true)
}

func TestCloseAllFailsFastAndDestroysIdle(t *testing.T) {
	factory := &countingFactory{}
	p := newTestPool(t, 2, factory)

	s1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(s1, true)

	idleHandle := s1.Handle().(*fakeHandle)
	busyHandle := s2.Handle().(*fakeHandle)

	p.CloseAll(context.Background())
	assert.True(t, idleHandle.closed.Load(), "idle sessions destroyed immediately")
	assert.False(t, busyHandle.closed.Load(), "in-use sessions survive until release")

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)

	p.Release(s2, true)
	assert.True(t, busyHandle.closed.Load(), "in-use sessions destroyed on release after close")
}
