package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// Recorder writes relay notifications into the store. Interim transcripts
// are not recorded. Write failures are logged and never block the session.
type Recorder struct {
	store    *Store
	endpoint string
	log      *slog.Logger
}

func NewRecorder(store *Store, endpoint string, log *slog.Logger) *Recorder {
	return &Recorder{store: store, endpoint: endpoint, log: log}
}

// RecordStart opens the session row. It must run before any transcript of
// the session is recorded.
func (r *Recorder) RecordStart(ctx context.Context, sessionID string, startedAt time.Time) {
	if err := r.store.BeginSession(ctx, sessionID, r.endpoint, startedAt); err != nil {
		r.warn("record session start failed", sessionID, err)
		return
	}
	r.append(ctx, sessionID, TypeSessionStarted, map[string]string{"endpoint": r.endpoint}, startedAt)
}

func (r *Recorder) Transcript(ctx context.Context, evt protocol.TranscriptEvent) {
	if !evt.IsFinal {
		return
	}
	r.append(ctx, evt.SessionID, TypeTranscript, evt, evt.Timestamp)
}

func (r *Recorder) SessionEnded(ctx context.Context, evt protocol.SessionEnded) {
	r.append(ctx, evt.SessionID, TypeSessionEnded, evt, evt.Timestamp)
	if err := r.store.FinishSession(ctx, evt.SessionID, evt.Reason, evt.Dropped, evt.Timestamp); err != nil {
		r.warn("record session end failed", evt.SessionID, err)
	}
}

func (r *Recorder) append(ctx context.Context, sessionID, kind string, payload any, at time.Time) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.warn("encode event failed", sessionID, err)
		return
	}
	if err := r.store.AppendEvent(ctx, Event{SessionID: sessionID, Type: kind, Payload: data, CreatedAt: at}); err != nil {
		r.warn("append event failed", sessionID, err)
	}
}

func (r *Recorder) warn(msg, sessionID string, err error) {
	if r.log == nil {
		return
	}
	r.log.Warn(msg, slog.String("session_id", sessionID), slog.String("error", err.Error()))
}
