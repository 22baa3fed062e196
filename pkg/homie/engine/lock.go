// lock.go provides per-key mutual exclusion with FIFO ordering. Turns on
// the same chat serialize; turns on different chats run in parallel.
package engine

import (
	"context"
	"sync"
)

// PerKeyLock grants exclusive access per key in arrival order. The zero
// value is not usable; call NewPerKeyLock.
type PerKeyLock struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewPerKeyLock builds an empty lock table.
func NewPerKeyLock() *PerKeyLock {
	return &PerKeyLock{tails: make(map[string]chan struct{})}
}

// RunExclusive runs fn after all prior acquisitions of key complete, in FIFO
// order. ctx cancellation abandons the wait; the caller's queue slot still
// resolves so later waiters never stall. fn's error propagates unchanged.
func (l *PerKeyLock) RunExclusive(ctx context.Context, key string, fn func() error) error {
	done := make(chan struct{})

	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = done
	l.mu.Unlock()

	release := func() {
		close(done)
		l.mu.Lock()
		// Remove the slot only if it is still the tail; a late arrival may
		// already be chained behind it.
		if l.tails[key] == done {
			delete(l.tails, key)
		}
		l.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Resolve our slot once the predecessor finishes, off this
			// goroutine; the chain must never break.
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}

	defer release()
	return fn()
}
