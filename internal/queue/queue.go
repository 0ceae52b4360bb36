// Package queue provides the bounded FIFO that buffers audio chunks between
// the submitting caller and the session's outbound forwarder.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue and Dequeue once the queue is closed.
var ErrClosed = errors.New("audio queue closed")

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 100

// Queue is a bounded single-consumer FIFO of audio chunks. Enqueue blocks
// while the queue is full; chunks are never dropped except by Drain.
type Queue struct {
	items     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	// mu lets Close wait out producers that are mid-send before Drain runs.
	mu sync.RWMutex
}

func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		items: make(chan []byte, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue appends chunk, blocking until there is room, the queue closes or
// ctx ends.
func (q *Queue) Enqueue(ctx context.Context, chunk []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.items <- chunk:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue returns the oldest chunk, blocking until one is available, the
// queue closes or ctx ends. Chunks buffered before Close are still handed
// out; ErrClosed is returned once a closed queue is empty.
func (q *Queue) Dequeue(ctx context.Context) ([]byte, error) {
	select {
	case chunk := <-q.items:
		return chunk, nil
	default:
	}

	select {
	case chunk := <-q.items:
		return chunk, nil
	case <-q.done:
		return q.remaining()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// remaining waits out producers that raced Close, then returns whatever is
// left or ErrClosed.
func (q *Queue) remaining() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case chunk := <-q.items:
		return chunk, nil
	default:
		return nil, ErrClosed
	}
}

// Close stops accepting chunks. Buffered chunks stay available to Dequeue
// until Drain discards them. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
		q.mu.Lock()
		defer q.mu.Unlock()
	})
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Drain discards whatever is still buffered and returns the count. It is
// meant for teardown after Close, when nothing will Dequeue again.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for {
		select {
		case <-q.items:
			dropped++
		default:
			return dropped
		}
	}
}

func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) Cap() int { return cap(q.items) }
