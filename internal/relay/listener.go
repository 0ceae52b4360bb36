package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/transport"
)

// FrameSource is the inbound half of a session connection.
type FrameSource interface {
	Receive() (transport.Frame, error)
}

// Listener reads frames from the source and turns transcript-bearing text
// frames into TranscriptEvents.
type Listener struct {
	SessionID string
	Source    FrameSource
	Notifier  Notifier
	Logger    *slog.Logger

	// OnSkip, if set, is called for every frame that yields no event.
	OnSkip func(reason string)
	// OnEmit, if set, is called after each event is delivered.
	OnEmit func(evt protocol.TranscriptEvent)

	clock func() time.Time
}

// Run returns ctx.Err() when cancelled and a *ReceiveError for any read
// failure, including a clean close by the remote side.
func (l *Listener) Run(ctx context.Context) error {
	now := l.clock
	if now == nil {
		now = time.Now
	}
	for {
		frame, err := l.Source.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ReceiveError{Err: err}
		}
		if frame.Type != transport.FrameText {
			l.skip("binary")
			continue
		}
		evt, ok := ExtractTranscript(frame.Data)
		if !ok {
			l.skip("no_transcript")
			continue
		}
		evt.SessionID = l.SessionID
		evt.Timestamp = now().UTC()
		if l.Notifier != nil {
			l.Notifier.Transcript(ctx, evt)
		}
		if l.OnEmit != nil {
			l.OnEmit(evt)
		}
	}
}

func (l *Listener) skip(reason string) {
	if l.OnSkip != nil {
		l.OnSkip(reason)
	}
}

type resultMessage struct {
	Channel struct {
		Alternatives []json.RawMessage `json:"alternatives"`
	} `json:"channel"`
	IsFinal     json.RawMessage `json:"is_final"`
	SpeechFinal json.RawMessage `json:"speech_final"`
	Start       json.RawMessage `json:"start"`
	Duration    json.RawMessage `json:"duration"`
}

type alternative struct {
	Transcript string          `json:"transcript"`
	Confidence json.RawMessage `json:"confidence"`
}

// ExtractTranscript pulls the first alternative's transcript and the
// finality flag out of a result message. It reports false for malformed
// input, a missing alternative, or empty text.
func ExtractTranscript(data []byte) (protocol.TranscriptEvent, bool) {
	var msg resultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return protocol.TranscriptEvent{}, false
	}
	if len(msg.Channel.Alternatives) == 0 {
		return protocol.TranscriptEvent{}, false
	}
	// Only the first alternative is decoded; later entries may be anything.
	var alt alternative
	if err := json.Unmarshal(msg.Channel.Alternatives[0], &alt); err != nil || alt.Transcript == "" {
		return protocol.TranscriptEvent{}, false
	}
	return protocol.TranscriptEvent{
		Text:        alt.Transcript,
		IsFinal:     lenientBool(msg.IsFinal),
		SpeechFinal: lenientBool(msg.SpeechFinal),
		Confidence:  lenientFloat(alt.Confidence),
		Start:       lenientFloat(msg.Start),
		Duration:    lenientFloat(msg.Duration),
	}, true
}

// lenientBool and lenientFloat keep a mistyped optional field from
// discarding an otherwise usable transcript.
func lenientBool(raw json.RawMessage) bool {
	var v bool
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return false
	}
	return v
}

func lenientFloat(raw json.RawMessage) float64 {
	var v float64
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return 0
	}
	return v
}
