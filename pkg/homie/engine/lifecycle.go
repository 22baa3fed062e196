// lifecycle.go owns process lifetime: background task tracking, per-chat
// abort fan-out, and ordered shutdown (stop loops, abort turns, drain with
// a timeout, close stores).
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Lifecycle aggregates in-flight work and shutdown hooks.
type Lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	logger *slog.Logger

	mu       sync.Mutex
	aborts   map[string]turnAbort // chatID -> in-flight turn cancel
	nextTurn uint64
	stoppers []func()      // loops and adapters, stopped first
	closers  []func() error // stores, closed last
}

type turnAbort struct {
	id     uint64
	cancel context.CancelFunc
}

// NewLifecycle builds the lifecycle rooted at parent.
func NewLifecycle(parent context.Context, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	group, ctx := errgroup.WithContext(ctx)
	return &Lifecycle{
		ctx:    ctx,
		cancel: cancel,
		group:  group,
		logger: logger.With("component", "lifecycle"),
		aborts: make(map[string]turnAbort),
	}
}

// Context is the process-lifetime context.
func (l *Lifecycle) Context() context.Context { return l.ctx }

// Go tracks a background task. Task errors are logged, never fatal; the
// task holds only weak references and must not outlive Shutdown's drain.
func (l *Lifecycle) Go(name string, fn func(ctx context.Context) error) {
	l.group.Go(func() error {
		if err := fn(l.ctx); err != nil && l.ctx.Err() == nil {
			l.logger.Warn("background task failed", "task", name, "error", err)
		}
		return nil
	})
}

// OnStop registers a loop/adapter stopper, run first during shutdown.
func (l *Lifecycle) OnStop(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stoppers = append(l.stoppers, fn)
}

// OnClose registers a store closer, run last during shutdown.
func (l *Lifecycle) OnClose(fn func() error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closers = append(l.closers, fn)
}

// TurnContext derives a cancellable context for one turn and registers it
// for AbortChat. The returned release must run when the turn ends.
func (l *Lifecycle) TurnContext(ctx context.Context, chatID string) (context.Context, func()) {
	turnCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.nextTurn++
	id := l.nextTurn
	l.aborts[chatID] = turnAbort{id: id, cancel: cancel}
	l.mu.Unlock()

	release := func() {
		cancel()
		l.mu.Lock()
		// Only unregister our own entry; a newer turn may have replaced it.
		if current, ok := l.aborts[chatID]; ok && current.id == id {
			delete(l.aborts, chatID)
		}
		l.mu.Unlock()
	}
	return turnCtx, release
}

// AbortChat cancels the chat's in-flight turn, if any. Reports whether a
// turn was aborted.
func (l *Lifecycle) AbortChat(chatID string) bool {
	l.mu.Lock()
	entry, ok := l.aborts[chatID]
	if ok {
		delete(l.aborts, chatID)
	}
	l.mu.Unlock()

	if ok {
		entry.cancel()
	}
	return ok
}

// Drain waits for all tracked background tasks, up to timeout.
func (l *Lifecycle) Drain(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- l.group.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		l.logger.Warn("drain timed out", "timeout", timeout)
		return context.DeadlineExceeded
	}
}

// Shutdown runs the ordered teardown: stop loops and adapters, cancel
// everything in flight, drain background work, close stores.
func (l *Lifecycle) Shutdown(drainTimeout time.Duration) {
	l.mu.Lock()
	stoppers := l.stoppers
	l.mu.Unlock()
	for _, stop := range stoppers {
		stop()
	}

	l.cancel()
	l.Drain(drainTimeout)

	l.mu.Lock()
	closers := l.closers
	l.mu.Unlock()
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			l.logger.Warn("close failed", "error", err)
		}
	}
	l.logger.Info("shutdown complete")
}
