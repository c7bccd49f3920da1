package clock_test

import (
	"testing"
	"time"

	"pkt.systems/patchd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestManualAdvanceFiresDueWaiters(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(1000, 0))
	ch := m.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before advance")
	default:
	}
	m.Advance(2 * time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", m.Pending())
	}
	m.Advance(3 * time.Second)
	select {
	case at := <-ch:
		if got := at.Unix(); got != 1005 {
			t.Fatalf("waiter fired at %d, want 1005", got)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never fired")
	}
}

func TestManualAfterZeroFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	case <-time.After(time.Second):
		t.Fatal("zero-duration After did not fire")
	}
}
