package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTurnContextAbort(t *testing.T) {
	t.Parallel()

	l := NewLifecycle(context.Background(), nil)
	ctx, release := l.TurnContext(context.Background(), "chat")
	defer release()

	if !l.AbortChat("chat") {
		t.Fatal("AbortChat found no in-flight turn")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("turn context not cancelled by abort")
	}
	if l.AbortChat("chat") {
		t.Fatal("second abort found a turn")
	}
}

func TestTurnContextReleaseOnlyUnregistersItself(t *testing.T) {
	t.Parallel()

	l := NewLifecycle(context.Background(), nil)
	_, releaseOld := l.TurnContext(context.Background(), "chat")
	newCtx, releaseNew := l.TurnContext(context.Background(), "chat")
	defer releaseNew()

	// Releasing the superseded turn must not drop the newer registration.
	releaseOld()
	if !l.AbortChat("chat") {
		t.Fatal("newer turn lost after old release")
	}
	select {
	case <-newCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("newer turn not cancelled")
	}
}

func TestShutdownOrder(t *testing.T) {
	t.Parallel()

	l := NewLifecycle(context.Background(), nil)
	var order []string

	l.OnStop(func() { order = append(order, "stop") })
	l.OnClose(func() error { order = append(order, "close"); return nil })

	var sawCancel atomic.Bool
	started := make(chan struct{})
	l.Go("waiter", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return nil
	})
	<-started

	l.Shutdown(2 * time.Second)

	if !sawCancel.Load() {
		t.Fatal("background task not cancelled before close")
	}
	if len(order) != 2 || order[0] != "stop" || order[1] != "close" {
		t.Fatalf("order = %v, want [stop close]", order)
	}
}
