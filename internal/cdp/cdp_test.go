package cdp

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNotifyChangeFiresAfterDebounceWindow(t *testing.T) {
	var calls int32
	s := New(func(context.Context) bool {
		atomic.AddInt32(&calls, 1)
		return true
	}, WithDebounce(30*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Shutdown()

	s.NotifyChange("a.txt")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("start was not called within deadline, calls=%d", calls)
}

func TestEventsDuringWindowDontExtendIt(t *testing.T) {
	var calls int32
	s := New(func(context.Context) bool {
		atomic.AddInt32(&calls, 1)
		return true
	}, WithDebounce(40*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Shutdown()

	s.NotifyChange("a.txt")
	time.Sleep(20 * time.Millisecond)
	s.NotifyChange("b.txt") // absorbed: window already open

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected exactly one start call, got %d", calls)
}

func TestRescheduleWhenAlreadyRunning(t *testing.T) {
	var calls int32
	s := New(func(context.Context) bool {
		n := atomic.AddInt32(&calls, 1)
		return n >= 2 // first attempt reports "busy", second succeeds
	}, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Shutdown()

	s.NotifyChange("a.txt")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least 2 start calls after reschedule, got %d", calls)
}
