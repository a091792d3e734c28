package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe
// for repeated calls, honor ctx deadlines, and may be invoked
// concurrently with Emit (never with each other).
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so
// the pipeline stays agnostic about buffering and delivery.
type Emitter interface {
	Emit(evt Event)
}

// CallbackSink adapts a plain observer function to the Sink interface.
type CallbackSink func(Event)

// Consume invokes the callback for each event in order.
func (f CallbackSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		f(evt)
	}
	return nil
}

// Close implements Sink.
func (CallbackSink) Close(context.Context) error { return nil }
