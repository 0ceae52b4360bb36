package ingress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/relay"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "ingress-test", log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

type fakeController struct {
	mu      sync.Mutex
	active  bool
	chunks  []string
	started int
	stopped int
}

func (f *fakeController) Start(context.Context) (relay.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return relay.SessionInfo{}, relay.ErrSessionActive
	}
	f.active = true
	f.started++
	return relay.SessionInfo{ID: "s-1", State: relay.StateActive}, nil
}

func (f *fakeController) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return relay.ErrNoSession
	}
	f.active = false
	f.stopped++
	return nil
}

func (f *fakeController) Submit(_ context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return relay.ErrNoSession
	}
	f.chunks = append(f.chunks, string(chunk))
	return nil
}

func (f *fakeController) Status() relay.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return relay.SessionInfo{ID: "s-1", State: relay.StateActive}
	}
	return relay.SessionInfo{ID: "s-1", State: relay.StateEnded}
}

func (f *fakeController) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func request(t *testing.T, conn *nats.Conn, subject string) protocol.SessionReply {
	t.Helper()
	msg, err := conn.Request(subject, []byte(`{"requester":"test"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var reply protocol.SessionReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestServiceSessionLifecycle(t *testing.T) {
	client := startBus(t)
	ctrl := &fakeController{}
	cfg := config.Default().Ingress
	svc := NewService(context.Background(), cfg, client, ctrl, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start ingress: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected healthy ingress")
	}

	reply := request(t, client.Conn(), cfg.StartSubject)
	if reply.SessionID != "s-1" || reply.State != "active" || reply.Error != "" {
		t.Fatalf("unexpected start reply %+v", reply)
	}
	reply = request(t, client.Conn(), cfg.StartSubject)
	if reply.Error == "" {
		t.Fatalf("expected rejection while active, got %+v", reply)
	}

	for _, chunk := range []string{"a", "b", "c", "d"} {
		if err := client.Conn().Publish(cfg.AudioSubject, []byte(chunk)); err != nil {
			t.Fatalf("publish audio: %v", err)
		}
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.chunkCount() < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 4 chunks, got %d", ctrl.chunkCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	ctrl.mu.Lock()
	got := append([]string(nil), ctrl.chunks...)
	ctrl.mu.Unlock()
	for i, want := range []string{"a", "b", "c", "d"} {
		if got[i] != want {
			t.Fatalf("audio out of order: %v", got)
		}
	}

	reply = request(t, client.Conn(), cfg.StopSubject)
	if reply.State != "ended" || reply.Error != "" {
		t.Fatalf("unexpected stop reply %+v", reply)
	}
	reply = request(t, client.Conn(), cfg.StopSubject)
	if reply.Error == "" {
		t.Fatalf("expected error stopping idle relay, got %+v", reply)
	}

	svc.Close()
	if svc.Healthy() {
		t.Fatal("closed ingress must not report healthy")
	}
}

func TestPublisherRoutesBySubject(t *testing.T) {
	client := startBus(t)
	conn := client.Conn()

	partials, err := conn.SubscribeSync(protocol.SubjectTranscriptPartial)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	finals, err := conn.SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ended, err := conn.SubscribeSync(protocol.SubjectSessionEnded)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := NewPublisher(client, newLogger())
	ctx := context.Background()
	pub.Transcript(ctx, protocol.TranscriptEvent{SessionID: "s-1", Text: "hel"})
	pub.Transcript(ctx, protocol.TranscriptEvent{SessionID: "s-1", Text: "hello", IsFinal: true})
	pub.SessionEnded(ctx, protocol.SessionEnded{SessionID: "s-1", Reason: protocol.EndReasonStopped})

	var evt protocol.TranscriptEvent
	msg, err := partials.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.Text != "hel" || evt.IsFinal {
		t.Fatalf("unexpected partial %s", msg.Data)
	}
	msg, err = finals.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("final: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.Text != "hello" || !evt.IsFinal {
		t.Fatalf("unexpected final %s", msg.Data)
	}
	msg, err = ended.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("ended: %v", err)
	}
	var end protocol.SessionEnded
	if err := json.Unmarshal(msg.Data, &end); err != nil || end.Reason != protocol.EndReasonStopped {
		t.Fatalf("unexpected end %s", msg.Data)
	}
}
