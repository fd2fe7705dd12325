package progress

import "context"

// Sink receives batches from a Hub. Consume must honor ctx; the Hub calls
// different sinks concurrently but never calls one sink concurrently with
// itself.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function into a Sink with a no-op Close.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

// Close implements Sink.
func (SinkFunc) Close(context.Context) error {
	return nil
}

// Emitter is the write side of the Hub seen by the worker pool and the alert
// dispatcher. A nil Emitter is valid at every call site that accepts one.
type Emitter interface {
	Emit(evt Event)
}
