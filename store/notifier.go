package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// notifier runs queued callbacks one at a time, in enqueue order, on its own
// goroutine. Enqueue never blocks so it is safe to call while holding the
// store lock.
type notifier struct {
	queue  []func()
	mu     sync.Mutex
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newNotifier() *notifier {
	n := &notifier{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go n.loop()

	return n
}

func (n *notifier) enqueue(fn func()) bool {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	n.signal()
	return true
}

// flush blocks until every callback queued before the call has run.
func (n *notifier) flush(ctx context.Context) error {
	reached := make(chan struct{})
	if !n.enqueue(func() { close(reached) }) {
		select {
		case <-n.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting callbacks and waits for the queue to drain.
func (n *notifier) close(timeout time.Duration) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.signal()

	select {
	case <-n.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("notifier drain timeout after %v", timeout)
	}
}

func (n *notifier) pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) loop() {
	defer close(n.done)

	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-n.wake
			continue
		}

		for _, fn := range batch {
			fn()
		}
	}
}
