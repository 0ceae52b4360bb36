package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-relay/internal/queue"
)

// FrameSink is the outbound half of a session connection.
type FrameSink interface {
	Send(ctx context.Context, data []byte) error
	CloseSend() error
}

// Forwarder drains a session queue into the sink in order.
type Forwarder struct {
	Queue  *queue.Queue
	Sink   FrameSink
	Logger *slog.Logger

	// OnForward, if set, is called after each chunk is written.
	OnForward func(n int)
}

// Run returns nil once a closed queue has been flushed, ctx.Err() when
// cancelled, and a *SendError when a write fails. A failed chunk is not
// retried.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := f.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				if closeErr := f.Sink.CloseSend(); closeErr != nil && f.Logger != nil {
					f.Logger.Debug("close frame not delivered", slogError(closeErr))
				}
				return nil
			}
			return err
		}
		if err := f.Sink.Send(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &SendError{Err: err}
		}
		if f.OnForward != nil {
			f.OnForward(len(chunk))
		}
	}
}
