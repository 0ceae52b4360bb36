package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/credential"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/relay"
	"github.com/loqalabs/loqa-relay/internal/transport"
)

// echoConn answers every audio chunk with a final transcript "heard <chunk>".
type echoConn struct {
	frames chan transport.Frame
	closed chan struct{}
	once   sync.Once
}

func newEchoConn() *echoConn {
	return &echoConn{frames: make(chan transport.Frame, 16), closed: make(chan struct{})}
}

func (c *echoConn) Send(_ context.Context, data []byte) error {
	frame := transport.Frame{
		Type: transport.FrameText,
		Data: []byte(`{"channel":{"alternatives":[{"transcript":"heard ` + string(data) + `"}]},"is_final":true}`),
	}
	select {
	case c.frames <- frame:
		return nil
	case <-c.closed:
		return errors.New("closed")
	}
}

func (c *echoConn) CloseSend() error { return nil }

func (c *echoConn) Receive() (transport.Frame, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.closed:
		return transport.Frame{}, errors.New("closed")
	}
}

func (c *echoConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func echoDialer() relay.Dialer {
	return relay.DialerFunc(func(context.Context, string) (relay.Conn, error) {
		c := newEchoConn()
		return relay.Conn{Sink: c, Source: c, Closer: c}, nil
	})
}

func newTestRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.Ingress.Enabled = false
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "relay.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(cfg, logger, WithDialer(echoDialer()), WithCredentials(credential.Static("test-key")))
	if err := r.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	srv := httptest.NewServer(r.routes())
	t.Cleanup(func() {
		srv.Close()
		r.teardown(context.Background())
	})
	return r, srv
}

func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	r, srv := newTestRuntime(t)

	if resp := do(t, http.MethodGet, srv.URL+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/readyz", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: %d", resp.StatusCode)
	}
	r.ready.Store(true)
	if resp := do(t, http.MethodGet, srv.URL+"/readyz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	_, srv := newTestRuntime(t)

	resp := do(t, http.MethodPost, srv.URL+"/v1/session", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d", resp.StatusCode)
	}
	var info struct {
		ID    string `json:"session_id"`
		State string `json:"state"`
	}
	decode(t, resp, &info)
	if info.ID == "" || info.State != "active" {
		t.Fatalf("unexpected start response %+v", info)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/v1/session", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start: %d", resp.StatusCode)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/v1/audio", []byte("hello")); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("audio: %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var snap relay.TranscriptSnapshot
		decode(t, do(t, http.MethodGet, srv.URL+"/v1/transcript", nil), &snap)
		if snap.Final == "heard hello" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcript not assembled: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp = do(t, http.MethodDelete, srv.URL+"/v1/session", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: %d", resp.StatusCode)
	}
	decode(t, resp, &info)
	if info.State != "ended" {
		t.Fatalf("expected ended after stop, got %+v", info)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/sessions/"+info.ID+"/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d", resp.StatusCode)
	}
	var timeline struct {
		Session eventstore.Session `json:"session"`
		Events  []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	decode(t, resp, &timeline)
	if timeline.Session.EndReason != protocol.EndReasonStopped {
		t.Fatalf("unexpected session row %+v", timeline.Session)
	}
	want := []string{eventstore.TypeSessionStarted, eventstore.TypeTranscript, eventstore.TypeSessionEnded}
	if len(timeline.Events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), timeline.Events)
	}
	for i, w := range want {
		if timeline.Events[i].Type != w {
			t.Fatalf("event %d: got %s want %s", i, timeline.Events[i].Type, w)
		}
	}

	if resp := do(t, http.MethodDelete, srv.URL+"/v1/transcript", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reset transcript: %d", resp.StatusCode)
	}
	var snap relay.TranscriptSnapshot
	decode(t, do(t, http.MethodGet, srv.URL+"/v1/transcript", nil), &snap)
	if snap.Final != "" {
		t.Fatalf("transcript not reset: %+v", snap)
	}
}

func TestAudioAndStopWithoutSession(t *testing.T) {
	_, srv := newTestRuntime(t)
	if resp := do(t, http.MethodPost, srv.URL+"/v1/audio", []byte("x")); resp.StatusCode != http.StatusConflict {
		t.Fatalf("audio without session: %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/v1/audio", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty audio: %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/v1/session", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("stop without session: %d", resp.StatusCode)
	}
	var info struct {
		State string `json:"state"`
	}
	decode(t, do(t, http.MethodGet, srv.URL+"/v1/session", nil), &info)
	if info.State != "idle" {
		t.Fatalf("expected idle, got %q", info.State)
	}
}

func TestUnknownSessionEvents(t *testing.T) {
	_, srv := newTestRuntime(t)
	if resp := do(t, http.MethodGet, srv.URL+"/v1/sessions/nope/events", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/v1/sessions/nope/events?limit=0", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestListenWebSocket(t *testing.T) {
	_, srv := newTestRuntime(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("ping")); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	var evt protocol.TranscriptEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if evt.Text != "heard ping" || !evt.IsFinal || evt.SessionID == "" {
		t.Fatalf("unexpected transcript %+v", evt)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		t.Fatalf("write close stream: %v", err)
	}
	var ended protocol.SessionEnded
	if err := conn.ReadJSON(&ended); err != nil {
		t.Fatalf("read session end: %v", err)
	}
	if ended.SessionID != evt.SessionID || ended.Reason != protocol.EndReasonStopped {
		t.Fatalf("unexpected end %+v", ended)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestListenRejectedWhileSessionActive(t *testing.T) {
	_, srv := newTestRuntime(t)
	if resp := do(t, http.MethodPost, srv.URL+"/v1/session", nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: %d", resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("expected try-again-later close, got %v", err)
	}
}
