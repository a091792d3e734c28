package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records every event it sees.
type captureSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.events = append(s.events, batch...)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func evt(step int, stage Stage) Event {
	return Event{
		RunID: "run-1",
		Step:  step,
		Total: 6,
		Stage: stage,
		TS:    time.Now(),
	}
}

func TestHubDeliversInOrder(t *testing.T) {
	sink := &captureSink{}
	hub := NewHub(Config{}, sink)

	stages := []Stage{StageAcquiring, StageRendering, StageBudgeting, StageExtracting, StageReleasing, StageDone}
	for i, stage := range stages {
		hub.Emit(evt(i+1, stage))
	}
	require.NoError(t, hub.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, len(stages))
	for i, e := range got {
		assert.Equal(t, i+1, e.Step, "events must arrive in emission order")
		assert.Equal(t, stages[i], e.Stage)
	}
}

func TestHubDropsOldestWhenFull(t *testing.T) {
	sink := &captureSink{block: make(chan struct{})}
	hub := NewHub(Config{BufferSize: 3}, sink)

	// First emit is picked up by the delivery goroutine and parks on the
	// blocked sink; the rest pile into the ring.
	hub.Emit(evt(1, StageAcquiring))
	time.Sleep(10 * time.Millisecond)
	for i := 2; i <= 6; i++ {
		hub.Emit(evt(i, StageRendering))
	}

	assert.GreaterOrEqual(t, hub.Dropped(), int64(1))
	close(sink.block)
	require.NoError(t, hub.Close(context.Background()))

	got := sink.snapshot()
	// The newest events survive; the oldest buffered ones were dropped.
	last := got[len(got)-1]
	assert.Equal(t, 6, last.Step)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	sink := &captureSink{block: make(chan struct{})}
	hub := NewHub(Config{BufferSize: 2}, sink)
	defer func() {
		close(sink.block)
		_ = hub.Close(context.Background())
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Emit(evt(i, StageRendering))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked behind a slow sink")
	}
}

func TestHubEmitAfterCloseIsIgnored(t *testing.T) {
	sink := &captureSink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(evt(1, StageAcquiring))
	assert.Empty(t, sink.snapshot())
}

func TestCallbackSink(t *testing.T) {
	var seen []Event
	sink := CallbackSink(func(e Event) { seen = append(seen, e) })
	require.NoError(t, sink.Consume(context.Background(), []Event{evt(1, StageAcquiring), evt(2, StageRendering)}))
	assert.Len(t, seen, 2)
}

func TestEventValidate(t *testing.T) {
	valid := evt(1, StageAcquiring)
	require.NoError(t, valid.Validate())

	noRun := valid
	noRun.RunID = ""
	require.Error(t, noRun.Validate())

	badStage := valid
	badStage.Stage = "WAT"
	require.Error(t, badStage.Validate())

	badStep := valid
	badStep.Step = 99
	require.Error(t, badStep.Validate())
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, evt(6, StageDone).Terminal())
	assert.True(t, evt(3, StageFailed).Terminal())
	assert.False(t, evt(2, StageRendering).Terminal())
}
