package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFIFOOrder(t *testing.T) {
	q := New(16)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := q.Enqueue(ctx, []byte(fmt.Sprintf("chunk-%d", i))); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		want := []byte(fmt.Sprintf("chunk-%d", i))
		if !bytes.Equal(got, want) {
			t.Fatalf("chunk %d: got %q want %q", i, got, want)
		}
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	q := New(2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Enqueue(ctx, []byte{2})
	}()

	select {
	case err := <-blocked:
		t.Fatalf("expected enqueue to block on a full queue, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("blocked enqueue failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("enqueue did not resume after space freed")
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 buffered chunks, got %d", q.Len())
	}
}

func TestEnqueueHonoursContext(t *testing.T) {
	q := New(1)
	if err := q.Enqueue(context.Background(), []byte{1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, []byte{2}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("timed out chunk must not be buffered, len=%d", q.Len())
	}
}

func TestCloseUnblocksDequeue(t *testing.T) {
	q := New(4)
	result := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue not released by close")
	}
}

func TestCloseRejectsEnqueueAndUnblocksProducers(t *testing.T) {
	q := New(1)
	ctx := context.Background()
	if err := q.Enqueue(ctx, []byte{1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	blocked := make(chan error, 1)
	go func() { blocked <- q.Enqueue(ctx, []byte{2}) }()
	time.Sleep(10 * time.Millisecond)

	q.Close()
	q.Close()

	select {
	case err := <-blocked:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed for blocked producer, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked producer not released by close")
	}
	if err := q.Enqueue(ctx, []byte{3}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if !q.Closed() {
		t.Fatal("expected Closed to report true")
	}
}

func TestClosedQueueHandsOutBufferedChunks(t *testing.T) {
	q := New(8)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	q.Close()
	for i := 0; i < 3; i++ {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d after close: %v", i, err)
		}
		if got[0] != byte(i) {
			t.Fatalf("chunk %d: got %d", i, got[0])
		}
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed once empty, got %v", err)
	}
}

func TestDrainCountsDroppedChunks(t *testing.T) {
	q := New(8)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	q.Close()
	if dropped := q.Drain(); dropped != 5 {
		t.Fatalf("expected 5 dropped, got %d", dropped)
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after drain")
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from drained queue, got %v", err)
	}
}

func TestDefaultCapacity(t *testing.T) {
	if got := New(0).Cap(); got != DefaultCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultCapacity, got)
	}
}
