package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-relay/internal/queue"
)

type recordingSink struct {
	sent       [][]byte
	failAfter  int
	err        error
	closeSends int
}

func (s *recordingSink) Send(_ context.Context, data []byte) error {
	if s.err != nil && len(s.sent) >= s.failAfter {
		return s.err
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *recordingSink) CloseSend() error {
	s.closeSends++
	return nil
}

func TestForwarderSendsInOrderUntilClosed(t *testing.T) {
	q := queue.New(8)
	for _, chunk := range []string{"a", "b", "c"} {
		if err := q.Enqueue(context.Background(), []byte(chunk)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	sink := &recordingSink{}
	forwarded := 0
	f := &Forwarder{Queue: q, Sink: sink, OnForward: func(int) { forwarded++ }}

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	waitFor(t, func() bool { return q.Len() == 0 })
	q.Close()
	if err := <-done; err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
	if len(sink.sent) != 3 || string(sink.sent[0]) != "a" || string(sink.sent[2]) != "c" {
		t.Fatalf("unexpected sends %q", sink.sent)
	}
	if forwarded != 3 {
		t.Fatalf("expected 3 forwarded, got %d", forwarded)
	}
	if sink.closeSends != 1 {
		t.Fatalf("expected one close frame, got %d", sink.closeSends)
	}
}

func TestForwarderSendFailure(t *testing.T) {
	q := queue.New(8)
	_ = q.Enqueue(context.Background(), []byte("a"))
	_ = q.Enqueue(context.Background(), []byte("b"))
	failure := errors.New("broken pipe")
	sink := &recordingSink{failAfter: 1, err: failure}

	err := (&Forwarder{Queue: q, Sink: sink}).Run(context.Background())
	var sendErr *SendError
	if !errors.As(err, &sendErr) || !errors.Is(err, failure) {
		t.Fatalf("expected SendError, got %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("failed chunk must not be retried, sent %d", len(sink.sent))
	}
}

func TestForwarderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := (&Forwarder{Queue: queue.New(1), Sink: &recordingSink{}}).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestForwarderFlushesClosedQueue(t *testing.T) {
	q := queue.New(8)
	for _, chunk := range []string{"a", "b", "c"} {
		if err := q.Enqueue(context.Background(), []byte(chunk)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	q.Close()

	sink := &recordingSink{}
	if err := (&Forwarder{Queue: q, Sink: sink}).Run(context.Background()); err != nil {
		t.Fatalf("expected clean exit, got %v", err)
	}
	if len(sink.sent) != 3 || sink.closeSends != 1 {
		t.Fatalf("expected 3 chunks then a close frame, got %q with %d close frames", sink.sent, sink.closeSends)
	}
}
