package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering for the Hub.
//   - BufferSize: ring capacity (default 1024). When the ring is full
//     the OLDEST event is dropped so the pipeline never stalls behind a
//     slow observer.
//   - SinkTimeout: per-sink timeout while delivering (default 10s).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize  int
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBufferSize  = 1024
	defaultSinkTimeout = 10 * time.Second
	dropLogInterval    = 5 * time.Second
)

// Hub buffers Events in a bounded ring and delivers them to sinks in
// emission order from a single background goroutine. Emit never blocks.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	mu     sync.Mutex
	ring   []Event
	notify chan struct{}

	stopCh   chan struct{}
	doneCh   chan struct{}
	closed   atomic.Bool
	dropped  atomic.Int64
	dropNext atomic.Int64

	closeOnce sync.Once
}

// NewHub starts the delivery goroutine; the Hub accepts events at once.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		logger: logger,
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go h.run()
	return h
}

// Emit enqueues an Event. It never blocks; when the ring is full the
// oldest buffered event is discarded to make room.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	h.mu.Lock()
	if len(h.ring) >= h.cfg.BufferSize {
		h.ring = h.ring[1:]
		h.noteDrop()
	}
	h.ring = append(h.ring, evt)
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close flushes buffered events and closes the sinks. It is safe to
// call more than once.
func (h *Hub) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	for {
		select {
		case <-h.notify:
			h.deliverPending()
		case <-h.stopCh:
			h.deliverPending()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) deliverPending() {
	for {
		h.mu.Lock()
		if len(h.ring) == 0 {
			h.mu.Unlock()
			return
		}
		batch := h.ring
		h.ring = nil
		h.mu.Unlock()

		for _, sink := range h.sinks {
			if sink == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
			if err := sink.Consume(ctx, batch); err != nil {
				h.logger.Warn("progress sink consume failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (h *Hub) closeSinks() {
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
		cancel()
	}
}

// noteDrop counts a dropped event, logging at most once per interval.
// Called with mu held.
func (h *Hub) noteDrop() {
	h.dropped.Add(1)
	now := time.Now().UnixNano()
	last := h.dropNext.Load()
	if now-last < dropLogInterval.Nanoseconds() {
		return
	}
	if h.dropNext.CompareAndSwap(last, now) {
		h.logger.Warn("progress buffer full, dropping oldest events",
			zap.Int64("dropped_total", h.dropped.Load()),
		)
	}
}
