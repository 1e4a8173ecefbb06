package transport

import (
	"context"
	"sync"

	"github.com/jtag-dev/jtag/internal/protocol"
)

// OutQueue is a Connection's bounded outbound queue. Single-writer (the
// router), single-reader (the transport pump). Delivery order is FIFO;
// priority exists only to resolve eviction when the queue is full: the
// oldest item of the lowest priority class that ranks strictly below the
// incoming one is dropped, otherwise the enqueue fails with QueueFull.
type OutQueue struct {
	mu       sync.Mutex
	capacity int
	items    []*protocol.Envelope
	notify   chan struct{}
	closed   chan struct{}
	once     sync.Once
}

// NewOutQueue creates a queue bounded to capacity items.
func NewOutQueue(capacity int) *OutQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &OutQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// Enqueue appends an envelope, applying the eviction policy at capacity.
func (q *OutQueue) Enqueue(msg *protocol.Envelope) error {
	select {
	case <-q.closed:
		return protocol.PeerDisconnected("outbound queue closed")
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		if !q.evictFor(msg) {
			return protocol.QueueFull("outbound queue at capacity")
		}
	}
	q.items = append(q.items, msg)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// evictFor drops the oldest item of the lowest priority class strictly
// below the incoming message's priority. Returns false when nothing in the
// queue ranks below it — equal priority never displaces queued work.
func (q *OutQueue) evictFor(incoming *protocol.Envelope) bool {
	inPrio := incoming.EffectivePriority()

	victim := -1
	for i, item := range q.items {
		p := item.EffectivePriority()
		if !inPrio.Outranks(p) {
			continue
		}
		if victim == -1 || q.items[victim].EffectivePriority().Outranks(p) {
			victim = i
		}
	}
	if victim == -1 {
		return false
	}
	q.items = append(q.items[:victim], q.items[victim+1:]...)
	return true
}

// Dequeue blocks until an envelope is available, the context ends, or the
// queue closes.
func (q *OutQueue) Dequeue(ctx context.Context) (*protocol.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, protocol.PeerDisconnected("outbound queue closed")
		}
	}
}

// Depth reports the number of queued envelopes.
func (q *OutQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close discards queued envelopes and wakes the reader. Idempotent.
func (q *OutQueue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.items = nil
		q.mu.Unlock()
		close(q.closed)
	})
}
