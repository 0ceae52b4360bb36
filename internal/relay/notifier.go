package relay

import (
	"context"

	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// Notifier receives a session's push notifications. Calls for one session
// arrive from a single goroutine in delivery order; implementations must not
// retain the event past the call if they mutate it.
type Notifier interface {
	Transcript(ctx context.Context, evt protocol.TranscriptEvent)
	SessionEnded(ctx context.Context, evt protocol.SessionEnded)
}

// Notifiers delivers to each notifier in slice order.
type Notifiers []Notifier

func (n Notifiers) Transcript(ctx context.Context, evt protocol.TranscriptEvent) {
	for _, notifier := range n {
		if notifier != nil {
			notifier.Transcript(ctx, evt)
		}
	}
}

func (n Notifiers) SessionEnded(ctx context.Context, evt protocol.SessionEnded) {
	for _, notifier := range n {
		if notifier != nil {
			notifier.SessionEnded(ctx, evt)
		}
	}
}

// NotifierFuncs adapts plain functions; nil fields are skipped.
type NotifierFuncs struct {
	OnTranscript   func(context.Context, protocol.TranscriptEvent)
	OnSessionEnded func(context.Context, protocol.SessionEnded)
}

func (f NotifierFuncs) Transcript(ctx context.Context, evt protocol.TranscriptEvent) {
	if f.OnTranscript != nil {
		f.OnTranscript(ctx, evt)
	}
}

func (f NotifierFuncs) SessionEnded(ctx context.Context, evt protocol.SessionEnded) {
	if f.OnSessionEnded != nil {
		f.OnSessionEnded(ctx, evt)
	}
}
