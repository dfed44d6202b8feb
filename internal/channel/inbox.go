// Package channel provides a bounded generic inbox queue with explicit
// overflow accounting, used as the mesh inbound message queue.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
)

// Inbox is a bounded FIFO queue. When full, Offer drops the incoming
// item and records it rather than blocking the producer.
type Inbox[T any] struct {
	// mu orders Offer against Close so Offer never sends on a closed
	// channel.
	mu sync.RWMutex
	ch chan T

	accepted atomic.Int64
	dropped  atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewInbox builds an inbox with the given capacity.
func NewInbox[T any](capacity int) *Inbox[T] {
	if capacity <= 0 {
		capacity = 256
	}
	return &Inbox[T]{ch: make(chan T, capacity)}
}

// Offer enqueues without blocking. Returns false when the inbox is full
// or closed.
func (in *Inbox[T]) Offer(item T) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed.Load() {
		in.dropped.Add(1)
		return false
	}
	select {
	case in.ch <- item:
		in.accepted.Add(1)
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

// Receive blocks until an item is available, the inbox is closed, or
// the context is done.
func (in *Inbox[T]) Receive(ctx context.Context) (T, bool) {
	var zero T
	select {
	case item, ok := <-in.ch:
		if !ok {
			return zero, false
		}
		return item, true
	case <-ctx.Done():
		return zero, false
	}
}

// Len reports the number of queued items.
func (in *Inbox[T]) Len() int { return len(in.ch) }

// Cap reports the queue capacity.
func (in *Inbox[T]) Cap() int { return cap(in.ch) }

// Dropped reports how many items were rejected for overflow or close.
func (in *Inbox[T]) Dropped() int64 { return in.dropped.Load() }

// Accepted reports how many items were enqueued.
func (in *Inbox[T]) Accepted() int64 { return in.accepted.Load() }

// Close stops the inbox. Queued items remain receivable until drained.
func (in *Inbox[T]) Close() {
	in.closeOnce.Do(func() {
		in.mu.Lock()
		in.closed.Store(true)
		close(in.ch)
		in.mu.Unlock()
	})
}
