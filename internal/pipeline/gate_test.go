package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGate_StartsClosed(t *testing.T) {
	g := NewGate()
	if g.IsOpen() {
		t.Fatal("new gate should be closed")
	}
	select {
	case <-g.Idle():
	default:
		t.Fatal("new gate should be idle")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestGate_OpenReleasesWaiters(t *testing.T) {
	g := NewGate()
	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	g.Open()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}

	// Idempotent.
	g.Open()
	if !g.IsOpen() {
		t.Fatal("gate should be open")
	}
}

func TestGate_IdleTracksInflight(t *testing.T) {
	g := NewGate()
	g.Open()

	release, err := g.Enter(context.Background())
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	idle := g.Idle()
	select {
	case <-idle:
		t.Fatal("gate idle with a delivery in flight")
	default:
	}

	g.Close()
	if g.IsOpen() {
		t.Fatal("gate should be closed")
	}
	select {
	case <-idle:
		t.Fatal("closing must not interrupt in-flight deliveries")
	default:
	}

	release()
	release()
	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("gate not idle after release")
	}
}

func TestGate_EnterBlocksWhileClosed(t *testing.T) {
	g := NewGate()
	entered := make(chan func(), 1)
	go func() {
		release, err := g.Enter(context.Background())
		if err == nil {
			entered <- release
		}
	}()

	select {
	case <-entered:
		t.Fatal("entered a closed gate")
	case <-time.After(20 * time.Millisecond):
	}

	g.Open()
	select {
	case release := <-entered:
		release()
	case <-time.After(time.Second):
		t.Fatal("enter not released after open")
	}
}
