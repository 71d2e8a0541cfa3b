package progress

import "context"

// Sink consumes batches of progress events. Consume is called from a single
// goroutine and must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}
