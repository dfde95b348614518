package face

import (
	"log"
	"sync"
	"time"
)

// outQueueCapacity bounds how many pending sends a face may accumulate
// before the oldest is dropped.
const outQueueCapacity = 64

// OutQueue serializes sends to one Face, honoring its duty-cycle gate
// (EarliestSend) and dropping the oldest pending buffer when the backlog
// exceeds capacity. Enqueue never blocks; a send error is logged and the
// packet abandoned, since the ARQ loop will re-request anything lost.
type OutQueue struct {
	f Face

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	done    chan struct{}
}

// NewOutQueue wraps f with a drain goroutine and returns the queue. Call
// Close to stop the goroutine when f is retired.
func NewOutQueue(f Face) *OutQueue {
	q := &OutQueue{f: f, wake: make(chan struct{}, 1), done: make(chan struct{})}
	go q.drain()
	return q
}

// Enqueue schedules buf for sending. If the backlog is already at capacity
// the oldest pending buffer is dropped to make room.
func (q *OutQueue) Enqueue(buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)

	q.mu.Lock()
	if len(q.pending) >= outQueueCapacity {
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, cp)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *OutQueue) drain() {
	for {
		q.mu.Lock()
		empty := len(q.pending) == 0
		q.mu.Unlock()
		if empty {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}

		if wait := time.Until(q.f.EarliestSend()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-q.done:
				timer.Stop()
				return
			}
		}

		q.mu.Lock()
		var next []byte
		if len(q.pending) > 0 {
			next = q.pending[0]
			q.pending = q.pending[1:]
		}
		q.mu.Unlock()
		if next == nil {
			continue
		}

		if err := q.f.Send(next); err != nil {
			log.Printf("face %s: send error (will retry via ARQ): %v", q.f.String(), err)
		}
	}
}

// Close stops the drain goroutine. It does not close the underlying face.
func (q *OutQueue) Close() {
	close(q.done)
}
