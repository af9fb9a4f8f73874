package device

import (
	"context"
	"testing"
	"time"
)

func TestInflightSessions(t *testing.T) {
	ctx := context.Background()
	inflight := newInflightSessions()

	assertVal(t, "first Begin wins", inflight.Begin("device-a"), true)
	assertVal(t, "second Begin loses", inflight.Begin("device-a"), false)
	assertVal(t, "other devices unaffected", inflight.Begin("device-b"), true)

	// a waiter is released when the creation ends
	released := make(chan error, 1)
	go func() {
		released <- inflight.Wait(ctx, "device-a")
	}()
	select {
	case err := <-released:
		t.Fatalf("Wait returned before End: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	inflight.End("device-a")
	select {
	case err := <-released:
		assertNoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after End")
	}

	// waiting on an idle device returns immediately
	assertNoError(t, inflight.Wait(ctx, "device-c"))

	// a cancelled context unblocks a waiter
	cancelled, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if err := inflight.Wait(cancelled, "device-b"); err == nil {
		t.Fatalf("Wait with cancelled context should fail")
	}
	inflight.End("device-b")

	// Acquire takes the slot as soon as it frees up
	assertVal(t, "Acquire on idle device", inflight.Begin("device-a"), true)
	acquired := make(chan error, 1)
	go func() {
		acquired <- inflight.Acquire(ctx, "device-a")
	}()
	select {
	case err := <-acquired:
		t.Fatalf("Acquire returned before End: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	inflight.End("device-a")
	select {
	case err := <-acquired:
		assertNoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Acquire did not return after End")
	}
	inflight.End("device-a")
}
