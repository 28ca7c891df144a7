package channel

import (
	"context"
	"sync"
)

// Queue is a thread-safe unbounded FIFO implementing Sender and Receiver.
//
// Unbounded so a burst of dispatches never blocks inside the dispatch
// transaction. A buffered signal channel of size 1 coalesces wakeups and
// lets Receive wait on ctx at the same time.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Send appends msg. Returns ErrClosed, marked unavailable, after Close.
func (q *Queue[T]) Send(_ context.Context, msg T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return unavailable("queue closed", ErrClosed)
	}
	q.items = append(q.items, msg)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// TryReceive pops the front message without blocking.
func (q *Queue[T]) TryReceive() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	msg := q.items[0]
	// Clear the slot so the backing array does not pin the message.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return msg, true
}

// Receive pops the front message, waiting for one if the queue is empty.
// Returns ErrClosed once the queue is closed and drained.
func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	for {
		if msg, ok := q.TryReceive(); ok {
			return msg, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.signal:
		}
	}
}

// Drain pops every queued message.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = make([]T, 0, 16)
	return out
}

// Len returns the number of queued messages.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further sends and wakes blocked receivers. Queued messages
// can still be received.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
