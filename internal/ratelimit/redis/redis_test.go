package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(Config{Addr: mr.Addr(), DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	s := New(client, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNewClient_RequiresAddr(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected an error without an address")
	}
}

func TestStore_FixedWindow(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		acq, err := s.TryAcquire(ctx, "authentication:10.0.0.1", 3, time.Minute)
		if err != nil {
			t.Fatalf("TryAcquire: %v", err)
		}
		if !acq.Acquired || acq.Count != i {
			t.Fatalf("acquire %d: unexpected %+v", i, acq)
		}
	}

	acq, err := s.TryAcquire(ctx, "authentication:10.0.0.1", 3, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if acq.Acquired || acq.Count != 4 {
		t.Fatalf("expected refusal with count 4, got %+v", acq)
	}
	if until := time.Until(acq.ResetAt); until <= 0 || until > time.Minute {
		t.Fatalf("unexpected reset in %v", until)
	}

	got, err := mr.Get("gateguard:authentication:10.0.0.1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "3" {
		t.Fatalf("refusals must not be stored, counter is %s", got)
	}
	if ttl := mr.TTL("gateguard:authentication:10.0.0.1"); ttl != time.Minute {
		t.Fatalf("expected the key to expire with the window, ttl %v", ttl)
	}
}

func TestStore_FixedWindowResets(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, _ = s.TryAcquire(ctx, "k", 1, time.Second)
	if acq, _ := s.TryAcquire(ctx, "k", 1, time.Second); acq.Acquired {
		t.Fatalf("expected refusal")
	}

	mr.FastForward(time.Second)
	acq, err := s.TryAcquire(ctx, "k", 1, time.Second)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !acq.Acquired || acq.Count != 1 {
		t.Fatalf("expected a new window, got %+v", acq)
	}
}

func TestStore_RepairsMissingTTL(t *testing.T) {
	s, mr := newTestStore(t)
	if err := mr.Set("gateguard:k", "5"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	acq, err := s.TryAcquire(context.Background(), "k", 5, time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if acq.Acquired {
		t.Fatalf("expected refusal")
	}
	if ttl := mr.TTL("gateguard:k"); ttl != time.Minute {
		t.Fatalf("expected an expiry to be set, ttl %v", ttl)
	}
}

func TestStore_SlidingWindow(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	now := t0
	s, mr := newTestStore(t, WithClock(func() time.Time { return now }))
	mr.SetTime(t0)
	ctx := context.Background()
	const window = 10 * time.Second

	for i := 0; i < 2; i++ {
		if acq, err := s.TryAcquireSliding(ctx, "s", 4, window, 5); err != nil || !acq.Acquired {
			t.Fatalf("expected accept, got %+v, %v", acq, err)
		}
	}
	now = t0.Add(2 * time.Second)
	mr.SetTime(now)
	for i := 0; i < 2; i++ {
		if acq, err := s.TryAcquireSliding(ctx, "s", 4, window, 5); err != nil || !acq.Acquired {
			t.Fatalf("expected accept, got %+v, %v", acq, err)
		}
	}

	acq, err := s.TryAcquireSliding(ctx, "s", 4, window, 5)
	if err != nil {
		t.Fatalf("TryAcquireSliding: %v", err)
	}
	if acq.Acquired || acq.Count != 5 {
		t.Fatalf("expected refusal with count 5, got %+v", acq)
	}
	if got := acq.ResetAt.Sub(now); got != 8*time.Second {
		t.Fatalf("unexpected reset in %v", got)
	}

	n, err := s.PeekCount(ctx, "s")
	if err != nil {
		t.Fatalf("PeekCount: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 permits recorded, got %d", n)
	}

	now = t0.Add(10 * time.Second)
	mr.SetTime(now)
	acq, err = s.TryAcquireSliding(ctx, "s", 4, window, 5)
	if err != nil {
		t.Fatalf("TryAcquireSliding: %v", err)
	}
	if !acq.Acquired || acq.Count != 3 {
		t.Fatalf("expected the first segment to slide out, got %+v", acq)
	}
}

func TestStore_PeekCount(t *testing.T) {
	s, _ := newTestStore(t, WithKeyPrefix("gg"))
	ctx := context.Background()

	if n, err := s.PeekCount(ctx, "missing"); err != nil || n != 0 {
		t.Fatalf("expected 0 for a missing key, got %d, %v", n, err)
	}
	for i := 0; i < 2; i++ {
		_, _ = s.TryAcquire(ctx, "k", 5, time.Minute)
	}
	for i := 0; i < 3; i++ {
		if n, _ := s.PeekCount(ctx, "k"); n != 2 {
			t.Fatalf("expected peek to leave the count at 2, got %d", n)
		}
	}
}

func TestStore_KeyPrefix(t *testing.T) {
	s, mr := newTestStore(t, WithKeyPrefix("tenant-a"))
	if _, err := s.TryAcquire(context.Background(), "global:x", 5, time.Minute); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !mr.Exists("tenant-a:global:x") {
		t.Fatalf("expected prefixed key, have %v", mr.Keys())
	}
}

func TestStore_Unavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.TryAcquire(context.Background(), "k", 1, time.Second)
	if !errors.Is(err, ratelimit.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, ratelimit.ErrStoreUnavailable) {
		t.Fatalf("expected ping to report unavailable, got %v", err)
	}
}

func TestStore_ConcurrentAcquire(t *testing.T) {
	s, mr := newTestStore(t)
	const (
		limit   = 10
		callers = 100
	)

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acq, err := s.TryAcquire(context.Background(), "hot", limit, time.Minute)
			if err != nil {
				t.Errorf("TryAcquire: %v", err)
				return
			}
			if acq.Acquired {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := acquired.Load(); got != limit {
		t.Fatalf("expected %d acquisitions, got %d", limit, got)
	}
	if v, _ := mr.Get("gateguard:hot"); v != "10" {
		t.Fatalf("expected stored count 10, got %s", v)
	}
}

func TestStore_ConcurrentAcquireAtReset(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	const (
		limit   = 10
		callers = 100
		window  = time.Minute
	)

	for i := 0; i < limit+5; i++ {
		_, _ = s.TryAcquire(ctx, "hot", limit, window)
	}
	mr.FastForward(window)
	if mr.Exists("gateguard:hot") {
		t.Fatalf("expected the window to have expired")
	}

	var acquired atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			acq, err := s.TryAcquire(ctx, "hot", limit, window)
			if err != nil {
				t.Errorf("TryAcquire: %v", err)
				return
			}
			if acq.Acquired {
				acquired.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := acquired.Load(); got != limit {
		t.Fatalf("expected %d acquisitions after reset, got %d", limit, got)
	}
	if n, _ := s.PeekCount(ctx, "hot"); n != limit {
		t.Fatalf("expected stored count %d after reset, got %d", limit, n)
	}
	if ttl := mr.TTL("gateguard:hot"); ttl != window {
		t.Fatalf("expected one fresh window, ttl %v", ttl)
	}
}

func TestStore_PeekCountSlidingSkipsAgedSegments(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	s, mr := newTestStore(t)
	mr.SetTime(t0)
	ctx := context.Background()
	const window = 10 * time.Second

	for i := 0; i < 2; i++ {
		_, _ = s.TryAcquireSliding(ctx, "s", 10, window, 5)
	}
	mr.SetTime(t0.Add(4 * time.Second))
	for i := 0; i < 3; i++ {
		_, _ = s.TryAcquireSliding(ctx, "s", 10, window, 5)
	}
	if n, err := s.PeekCount(ctx, "s"); err != nil || n != 5 {
		t.Fatalf("expected 5 inside the window, got %d, %v", n, err)
	}

	mr.SetTime(t0.Add(10 * time.Second))
	n, err := s.PeekCount(ctx, "s")
	if err != nil {
		t.Fatalf("PeekCount: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected only the live segment to count, got %d", n)
	}
}
