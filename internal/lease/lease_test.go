package lease_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/patchd/internal/clock"
	"pkt.systems/patchd/internal/lease"
)

func TestAcquireSerializesSameKey(t *testing.T) {
	t.Parallel()

	m := lease.NewManager(lease.Config{TTL: time.Minute, Poll: 2 * time.Millisecond})
	key := lease.TitleKey("firefox")
	ctx := context.Background()

	if err := m.Acquire(ctx, key); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	second := make(chan struct{})
	go func() {
		if err := m.Acquire(ctx, key); err != nil {
			t.Errorf("second acquire: %v", err)
		}
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second acquire succeeded while the first lease was held")
	case <-time.After(25 * time.Millisecond):
	}

	m.Release(key)
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestAcquireDifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	m := lease.NewManager(lease.Config{TTL: time.Minute, Poll: 2 * time.Millisecond})
	ctx := context.Background()
	if err := m.Acquire(ctx, lease.TitleKey("firefox")); err != nil {
		t.Fatalf("title acquire: %v", err)
	}
	done := make(chan error, 2)
	go func() { done <- m.Acquire(ctx, lease.VersionKey("firefox", "1.0")) }()
	go func() { done <- m.Acquire(ctx, lease.TitleKey("chrome")) }()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("independent acquire: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("independent key acquire blocked on unrelated lease")
		}
	}
}

func TestLeaseExpiresWithoutRelease(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(0, 0))
	m := lease.NewManager(lease.Config{TTL: time.Hour, Clock: manual})
	key := lease.TitleKey("firefox")
	if err := m.Acquire(context.Background(), key); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !m.Held(key) {
		t.Fatal("lease should be held before expiry")
	}
	manual.Advance(time.Hour + time.Second)
	if m.Held(key) {
		t.Fatal("lease should have expired")
	}
	// A new acquire must now succeed without waiting.
	if err := m.Acquire(context.Background(), key); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	m := lease.NewManager(lease.Config{})
	key := lease.VersionKey("firefox", "2.0")
	m.Release(key)
	if err := m.Acquire(context.Background(), key); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release(key)
	m.Release(key)
	if m.Held(key) {
		t.Fatal("lease still held after release")
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	m := lease.NewManager(lease.Config{TTL: time.Minute, Poll: 2 * time.Millisecond})
	key := lease.TitleKey("firefox")
	if err := m.Acquire(context.Background(), key); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Acquire(ctx, key) }()
	cancel()
	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire never returned")
	}
}

func TestSweepExpiredPurgesOnlyExpired(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(0, 0))
	m := lease.NewManager(lease.Config{TTL: time.Hour, Clock: manual})
	old := lease.TitleKey("firefox")
	fresh := lease.TitleKey("chrome")
	if err := m.Acquire(context.Background(), old); err != nil {
		t.Fatalf("acquire old: %v", err)
	}
	manual.Advance(30 * time.Minute)
	if err := m.Acquire(context.Background(), fresh); err != nil {
		t.Fatalf("acquire fresh: %v", err)
	}
	manual.Advance(45 * time.Minute)
	if removed := m.SweepExpired(); removed != 1 {
		t.Fatalf("SweepExpired removed %d, want 1", removed)
	}
	if m.Held(old) {
		t.Fatal("expired lease survived sweep")
	}
	if !m.Held(fresh) {
		t.Fatal("unexpired lease was swept")
	}
}

func TestConcurrentAcquireGrantsOneHolder(t *testing.T) {
	t.Parallel()

	m := lease.NewManager(lease.Config{TTL: time.Minute, Poll: time.Millisecond})
	key := lease.TitleKey("firefox")
	var (
		mu      sync.Mutex
		holders int
		max     int
	)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Acquire(context.Background(), key); err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			holders++
			if holders > max {
				max = holders
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			m.Release(key)
		}()
	}
	wg.Wait()
	if max != 1 {
		t.Fatalf("observed %d simultaneous holders, want 1", max)
	}
}
