package progress

import "context"

// Sink receives the events the Hub has batched. Sinks pick out the stages they
// record and ignore the rest. Consume runs only on the Hub's flush goroutine
// and must return once ctx is done.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	// Close releases the sink after the final flush during Hub shutdown.
	Close(ctx context.Context) error
}

// Emitter is where the engine reports batch and per-URL milestones. Emit must
// not block a fetch.
type Emitter interface {
	Emit(evt Event)
}
