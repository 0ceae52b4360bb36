package protocol

import "time"

// TranscriptEvent is one normalized transcript result relayed to callers.
type TranscriptEvent struct {
	SessionID   string    `json:"session_id,omitempty"`
	Text        string    `json:"text"`
	IsFinal     bool      `json:"is_final"`
	SpeechFinal bool      `json:"speech_final,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Start       float64   `json:"start,omitempty"`
	Duration    float64   `json:"duration,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SessionEnded is published once per session when it reaches Ended.
type SessionEnded struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
	Dropped   int       `json:"dropped,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionReply answers start/stop requests on the bus.
type SessionReply struct {
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

// Reasons carried by SessionEnded.
const (
	EndReasonStopped      = "stopped"
	EndReasonSendError    = "send_error"
	EndReasonReceiveError = "receive_error"
	EndReasonRemoteClosed = "remote_closed"
	EndReasonShutdown     = "shutdown"
)

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionEnded      = "relay.session.ended"
)

// SessionCommand is the optional body of a start or stop request. An empty
// body is accepted.
type SessionCommand struct {
	Requester string `json:"requester,omitempty"`
}
