package live

import (
	"context"
	"sync"
)

// Queue is the ordered hand-off between the capture goroutine and the stage.
// It is unbounded: Push never blocks, so slow engines never stall capture.
// Pop blocks until a segment is available, the queue is closed and drained,
// or ctx is cancelled.
type Queue struct {
	mu     sync.Mutex
	items  []Segment
	closed bool

	// ready holds one token while items may be available.
	ready chan struct{}
}

// NewQueue creates an empty open queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends seg. It returns ErrQueueClosed after Close.
func (q *Queue) Push(seg Segment) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, seg)
	q.mu.Unlock()
	q.signal()
	return nil
}

// Pop removes and returns the oldest segment. Once the queue is closed the
// remaining segments are still returned in order; after that Pop returns
// ErrQueueClosed.
func (q *Queue) Pop(ctx context.Context) (Segment, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			seg := q.items[0]
			q.items[0] = Segment{}
			q.items = q.items[1:]
			more := len(q.items) > 0 || q.closed
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return seg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Segment{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Segment{}, ctx.Err()
		}
	}
}

// Close marks the end of input. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of waiting segments.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every waiting segment without blocking.
func (q *Queue) Drain() []Segment {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
