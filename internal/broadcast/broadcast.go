// Package broadcast implements a one-producer/many-consumer bounded ring
// buffer: a single producer publishes events that many independent
// receivers drain at their own pace, and a receiver that falls behind
// observes a lag count instead of blocking the producer.
package broadcast

import (
	"context"
	"sync"

	"github.com/rkrishn7/kiwi/internal/event"
)

// Broadcaster is the per-source fan-out channel. The zero value is not
// usable; construct with New.
type Broadcaster struct {
	mu       sync.Mutex
	buf      []*event.Event
	capacity int64
	tail     int64 // total events ever published
	closed   bool
	notify   chan struct{} // closed and replaced on every publish or Close
}

// New creates a Broadcaster with the given ring capacity.
func New(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = 1
	}
	return &Broadcaster{
		buf:      make([]*event.Event, capacity),
		capacity: int64(capacity),
		notify:   make(chan struct{}),
	}
}

// Publish appends an event to the ring, overwriting the oldest unread slot
// if the ring is full. It never blocks on a slow receiver.
func (b *Broadcaster) Publish(e *event.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf[b.tail%b.capacity] = e
	b.tail++
	old := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()
	close(old)
}

// Close shuts down the broadcaster. Subsequent Publish calls are no-ops;
// receivers drain whatever remains unread and then observe closure.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	old := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()
	close(old)
}

// Subscribe returns a Receiver positioned at the current tail: it observes
// only events published after this call.
func (b *Broadcaster) Subscribe() *Receiver {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Receiver{b: b, cursor: b.tail}
}

// Receiver is a single consumer's cursor into a Broadcaster's ring.
// Receivers are not safe for concurrent use by multiple goroutines.
type Receiver struct {
	b      *Broadcaster
	cursor int64
}

// Next blocks until one of three things happens:
//   - an event is available: returns (event, 0, false, nil)
//   - the receiver has fallen behind far enough that the ring overwrote
//     unread slots: returns (nil, missed, false, nil) and fast-forwards the
//     cursor to the oldest still-valid slot
//   - the broadcaster closed with nothing left to read: returns
//     (nil, 0, true, nil)
//
// ctx cancellation unblocks a pending wait with ctx.Err().
func (r *Receiver) Next(ctx context.Context) (ev *event.Event, missed int64, closed bool, err error) {
	for {
		r.b.mu.Lock()

		if r.cursor < r.b.tail {
			behind := r.b.tail - r.cursor
			if behind > r.b.capacity {
				missed := behind - r.b.capacity
				r.cursor = r.b.tail - r.b.capacity
				r.b.mu.Unlock()
				return nil, missed, false, nil
			}

			idx := r.cursor % r.b.capacity
			next := r.b.buf[idx]
			r.cursor++
			r.b.mu.Unlock()
			return next, 0, false, nil
		}

		if r.b.closed {
			r.b.mu.Unlock()
			return nil, 0, true, nil
		}

		wake := r.b.notify
		r.b.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-ctx.Done():
			return nil, 0, false, ctx.Err()
		}
	}
}
