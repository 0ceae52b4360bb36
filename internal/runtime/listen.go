package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/queue"
	"github.com/loqalabs/loqa-relay/internal/relay"
)

const (
	subscriberBuffer = 256
	writeWait        = 5 * time.Second
)

type hubEvent struct {
	transcript *protocol.TranscriptEvent
	ended      *protocol.SessionEnded
}

func (e hubEvent) sessionID() string {
	if e.transcript != nil {
		return e.transcript.SessionID
	}
	return e.ended.SessionID
}

// subscriber is one /v1/listen connection's view of the hub. lagged closes
// when its buffer overflowed; no further events are delivered after that.
type subscriber struct {
	events chan hubEvent
	lagged chan struct{}
}

// hub fans relay notifications out to /v1/listen connections. A subscriber
// that falls behind is cut off rather than handed a gapped stream.
type hub struct {
	log    *slog.Logger
	buffer int
	mu     sync.Mutex
	next   int
	subs   map[int]*subscriber
}

func newHub(log *slog.Logger, buffer int) *hub {
	return &hub{
		log:    log.With(slog.String("component", "listen")),
		buffer: buffer,
		subs:   make(map[int]*subscriber),
	}
}

func (h *hub) subscribe() (int, *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	sub := &subscriber{events: make(chan hubEvent, h.buffer), lagged: make(chan struct{})}
	h.subs[id] = sub
	return id, sub
}

func (h *hub) unsubscribe(id int) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *hub) Transcript(_ context.Context, evt protocol.TranscriptEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		select {
		case sub.events <- hubEvent{transcript: &evt}:
		default:
			h.log.Warn("listener lagging, disconnecting", slog.Int("subscriber", id), slog.String("session_id", evt.SessionID))
			delete(h.subs, id)
			close(sub.lagged)
		}
	}
}

func (h *hub) SessionEnded(ctx context.Context, evt protocol.SessionEnded) {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.events <- hubEvent{ended: &evt}:
		case <-sub.lagged:
		case <-ctx.Done():
			return
		}
	}
}

type controlMessage struct {
	Type string `json:"type"`
}

// handleListen runs one session over a client WebSocket: binary frames are
// submitted as audio, transcripts come back as JSON text frames and the
// session end closes the socket. A {"type":"CloseStream"} text frame stops
// the session gracefully.
func (r *Runtime) handleListen(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	subID, sub := r.hub.subscribe()
	defer r.hub.unsubscribe(subID)

	info, err := r.coord.Start(req.Context())
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, relay.ErrSessionActive) {
			code = websocket.CloseTryAgainLater
		}
		msg := websocket.FormatCloseMessage(code, truncateReason(err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}
	logger := r.logger.With(slog.String("session_id", info.ID), slog.String("remote", req.RemoteAddr))
	logger.Info("listen client attached")

	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writeEvents(conn, info.ID, sub, readerDone, logger)
	}()

	r.readAudio(req.Context(), conn, info.ID, logger)
	close(readerDone)

	// The client is gone or asked to stop; end the session if it is still ours.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := r.coord.StopSession(stopCtx, info.ID); err != nil && !errors.Is(err, relay.ErrNoSession) {
		logger.Warn("stop after client detach failed", slog.String("error", err.Error()))
	}
	cancel()
	<-writerDone
	logger.Info("listen client detached")
}

func (r *Runtime) readAudio(ctx context.Context, conn *websocket.Conn, sessionID string, logger *slog.Logger) {
	conn.SetReadLimit(maxChunkBytes)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("listen read ended", slog.String("error", err.Error()))
			}
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if err := r.coord.SubmitSession(ctx, sessionID, data); err != nil {
				if errors.Is(err, queue.ErrClosed) || errors.Is(err, relay.ErrNoSession) {
					return
				}
				logger.Warn("audio chunk not queued", slog.String("error", err.Error()))
				return
			}
		case websocket.TextMessage:
			var ctrl controlMessage
			if json.Unmarshal(data, &ctrl) == nil && ctrl.Type == "CloseStream" {
				return
			}
		}
	}
}

func (r *Runtime) writeEvents(conn *websocket.Conn, sessionID string, sub *subscriber, readerDone <-chan struct{}, logger *slog.Logger) {
	for {
		var evt hubEvent
		select {
		case evt = <-sub.events:
		case <-sub.lagged:
			closeLagging(conn, logger)
			return
		case <-readerDone:
			// Drain until our SessionEnded so the close frame carries the reason.
			select {
			case evt = <-sub.events:
			case <-sub.lagged:
				closeLagging(conn, logger)
				return
			case <-time.After(15 * time.Second):
				return
			}
		}
		if evt.sessionID() != sessionID {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if evt.ended != nil {
			code := websocket.CloseNormalClosure
			if evt.ended.Reason == protocol.EndReasonSendError || evt.ended.Reason == protocol.EndReasonReceiveError {
				code = websocket.CloseInternalServerErr
			}
			_ = conn.WriteJSON(evt.ended)
			msg := websocket.FormatCloseMessage(code, evt.ended.Reason)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			// Bound the wait for the client's close reply.
			_ = conn.SetReadDeadline(time.Now().Add(writeWait))
			return
		}
		if err := conn.WriteJSON(evt.transcript); err != nil {
			logger.Debug("listen write failed", slog.String("error", err.Error()))
			return
		}
	}
}

// closeLagging ends a connection whose transcript buffer overflowed. The
// reader then unblocks and the handler stops the session.
func closeLagging(conn *websocket.Conn, logger *slog.Logger) {
	logger.Warn("closing lagging listen client")
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "transcript stream lagging")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
}

// truncateReason keeps a close reason within the 123 bytes a control frame
// allows.
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
