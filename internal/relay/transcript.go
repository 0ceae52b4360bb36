package relay

import (
	"context"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-relay/internal/protocol"
)

// TranscriptSnapshot is the accumulated text of the current or last session.
type TranscriptSnapshot struct {
	SessionID string `json:"session_id,omitempty"`
	Final     string `json:"final"`
	Interim   string `json:"interim,omitempty"`
	Ended     bool   `json:"ended"`
	Reason    string `json:"reason,omitempty"`
}

// TranscriptBuilder is a Notifier that keeps a running transcript: final
// segments are appended, the latest interim segment replaces the previous one.
type TranscriptBuilder struct {
	mu        sync.Mutex
	sessionID string
	finals    []string
	interim   string
	ended     bool
	reason    string
}

func NewTranscriptBuilder() *TranscriptBuilder {
	return &TranscriptBuilder{}
}

func (b *TranscriptBuilder) Transcript(_ context.Context, evt protocol.TranscriptEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if evt.SessionID != b.sessionID {
		b.resetLocked()
		b.sessionID = evt.SessionID
	}
	if evt.IsFinal {
		b.finals = append(b.finals, strings.TrimSpace(evt.Text))
		b.interim = ""
		return
	}
	b.interim = strings.TrimSpace(evt.Text)
}

func (b *TranscriptBuilder) SessionEnded(_ context.Context, evt protocol.SessionEnded) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if evt.SessionID != b.sessionID {
		b.resetLocked()
		b.sessionID = evt.SessionID
	}
	b.interim = ""
	b.ended = true
	b.reason = evt.Reason
}

func (b *TranscriptBuilder) Snapshot() TranscriptSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return TranscriptSnapshot{
		SessionID: b.sessionID,
		Final:     strings.Join(b.finals, " "),
		Interim:   b.interim,
		Ended:     b.ended,
		Reason:    b.reason,
	}
}

func (b *TranscriptBuilder) Reset() {
	b.mu.Lock()
	b.resetLocked()
	b.sessionID = ""
	b.mu.Unlock()
}

func (b *TranscriptBuilder) resetLocked() {
	b.finals = nil
	b.interim = ""
	b.ended = false
	b.reason = ""
}
