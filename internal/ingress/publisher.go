package ingress

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// Publisher forwards relay notifications onto the bus: interim transcripts
// on stt.text.partial, finals on stt.text.final, and session ends on
// relay.session.ended.
type Publisher struct {
	bus *bus.Client
	log *slog.Logger
}

func NewPublisher(bus *bus.Client, log *slog.Logger) *Publisher {
	return &Publisher{bus: bus, log: log.With(slog.String("component", "publisher"))}
}

func (p *Publisher) Transcript(_ context.Context, evt protocol.TranscriptEvent) {
	subject := protocol.SubjectTranscriptPartial
	if evt.IsFinal {
		subject = protocol.SubjectTranscriptFinal
	}
	p.publish(subject, evt.SessionID, evt)
}

func (p *Publisher) SessionEnded(_ context.Context, evt protocol.SessionEnded) {
	p.publish(protocol.SubjectSessionEnded, evt.SessionID, evt)
}

func (p *Publisher) publish(subject, sessionID string, v any) {
	if err := p.bus.PublishJSON(subject, v); err != nil {
		p.log.Warn("publish failed",
			slog.String("subject", subject),
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}
