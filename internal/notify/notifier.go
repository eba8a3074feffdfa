// Package notify implements the write-visibility notifier from spec.md
// §4.J: a non-blocking in-process pub/sub bus that lets projection workers
// and blocking readers wake immediately on a new commit instead of polling.
// It is the same shape as internal/router/notifier.go, narrowed from
// partition-key filters to a single global position counter.
package notify

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// Notifier fans a newly committed global_head out to every subscriber.
// Publish never blocks: a subscriber whose channel is full simply misses
// this notification and falls back to its own poll tick. This is a
// liveness hint, not a delivery guarantee.
type Notifier struct {
	head atomic.Uint64

	mu          sync.Mutex
	subscribers map[string]chan uint64
	bufferSize  int
	nextID      atomic.Uint64
}

// New creates a Notifier whose subscriber channels each buffer bufferSize
// notifications before Publish starts dropping for that subscriber.
func New(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Notifier{
		subscribers: make(map[string]chan uint64),
		bufferSize:  bufferSize,
	}
}

// Publish records the new global head and fans it out to every subscriber.
func (n *Notifier) Publish(globalHead uint64) {
	n.head.Store(globalHead)

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subscribers {
		select {
		case ch <- globalHead:
		default:
		}
	}
}

// Head returns the most recently published global position.
func (n *Notifier) Head() uint64 {
	return n.head.Load()
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function that closes it. Satisfies internal/projection's
// Waker interface.
func (n *Notifier) Subscribe() (<-chan uint64, func()) {
	id := strconv.FormatUint(n.nextID.Add(1), 10)
	ch := make(chan uint64, n.bufferSize)

	n.mu.Lock()
	n.subscribers[id] = ch
	n.mu.Unlock()

	unsubscribe := func() {
		n.mu.Lock()
		if existing, ok := n.subscribers[id]; ok {
			delete(n.subscribers, id)
			close(existing)
		}
		n.mu.Unlock()
	}
	return ch, unsubscribe
}

// WaitFor blocks until the global head reaches at least pos, the context
// is cancelled, or an error is returned. Used by a blocking reader that
// wants to observe a position it knows was just committed elsewhere.
func (n *Notifier) WaitFor(ctx context.Context, pos uint64) error {
	if n.head.Load() >= pos {
		return nil
	}

	ch, unsubscribe := n.Subscribe()
	defer unsubscribe()

	if n.head.Load() >= pos {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			if head >= pos {
				return nil
			}
		}
	}
}
