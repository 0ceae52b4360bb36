package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/queue"
	"github.com/loqalabs/loqa-relay/internal/relay"
)

const maxChunkBytes = 1 << 20

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	mux.HandleFunc("POST /v1/session", r.handleStartSession)
	mux.HandleFunc("DELETE /v1/session", r.handleStopSession)
	mux.HandleFunc("GET /v1/session", r.handleSessionStatus)
	mux.HandleFunc("POST /v1/audio", r.handleAudio)
	mux.HandleFunc("GET /v1/transcript", r.handleTranscript)
	mux.HandleFunc("DELETE /v1/transcript", r.handleResetTranscript)
	mux.HandleFunc("GET /v1/sessions/{id}/events", r.handleSessionEvents)
	mux.HandleFunc("GET /v1/listen", r.handleListen)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.store.Ensure() == nil && (r.ingress == nil || r.ingress.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStartSession(w http.ResponseWriter, req *http.Request) {
	info, err := r.coord.Start(req.Context())
	if err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (r *Runtime) handleStopSession(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()
	if err := r.coord.Stop(ctx); err != nil {
		r.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, r.coord.Status())
}

func (r *Runtime) handleSessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.coord.Status())
}

// handleAudio queues the request body as one chunk. It blocks while the
// session queue is full.
func (r *Runtime) handleAudio(w http.ResponseWriter, req *http.Request) {
	chunk, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxChunkBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
		return
	}
	if len(chunk) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "empty audio chunk"})
		return
	}
	if err := r.coord.Submit(req.Context(), chunk); err != nil {
		r.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.transcript.Snapshot())
}

func (r *Runtime) handleResetTranscript(w http.ResponseWriter, _ *http.Request) {
	r.transcript.Reset()
	w.WriteHeader(http.StatusNoContent)
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type sessionEventsResponse struct {
	Session eventstore.Session `json:"session"`
	Events  []eventView        `json:"events"`
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	sess, err := r.store.GetSession(req.Context(), id)
	if err != nil {
		r.writeError(w, err)
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), id, limit)
	if err != nil {
		r.writeError(w, err)
		return
	}
	resp := sessionEventsResponse{Session: sess, Events: make([]eventView, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, eventView{ID: e.ID, Type: e.Type, Payload: e.Payload, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorBody struct {
	Error string `json:"error"`
}

func (r *Runtime) writeError(w http.ResponseWriter, err error) {
	var (
		cfgErr  *relay.ConfigError
		connErr *relay.ConnectionError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, relay.ErrSessionActive):
		status = http.StatusConflict
	case errors.Is(err, relay.ErrNoSession), errors.Is(err, queue.ErrClosed):
		status = http.StatusConflict
	case errors.Is(err, eventstore.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, relay.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.As(err, &cfgErr):
		status = http.StatusServiceUnavailable
	case errors.As(err, &connErr):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		r.logger.Warn("request failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
