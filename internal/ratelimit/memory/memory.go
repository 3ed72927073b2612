// Package memory is an embedded counter store for single-instance
// deployments and tests. Each key has its own mutex, so callers of different
// keys never contend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
)

type record struct {
	mu        sync.Mutex
	dead      bool // removed from the map by the sweeper
	count     int
	expiresAt time.Time

	// sliding window only: segment index -> permits taken in that segment
	segments map[int64]int
	segLen   time.Duration
	segN     int
}

// liveSum counts the permits in segments that are still inside the window.
func (r *record) liveSum(now time.Time) int {
	first := now.UnixNano()/int64(r.segLen) - int64(r.segN) + 1
	sum := 0
	for idx, n := range r.segments {
		if idx >= first {
			sum += n
		}
	}
	return sum
}

type Store struct {
	now     func() time.Time
	records sync.Map

	sweepEvery time.Duration
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSweepEvery sets how often expired records are reclaimed. Zero disables
// the background sweeper; Sweep can still be called directly.
func WithSweepEvery(d time.Duration) Option {
	return func(s *Store) { s.sweepEvery = d }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		sweepEvery: time.Minute,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepEvery > 0 {
		go s.sweepLoop()
	} else {
		close(s.done)
	}
	return s
}

var (
	_ ratelimit.Store        = (*Store)(nil)
	_ ratelimit.SlidingStore = (*Store)(nil)
)

func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// lock returns the live record for key, locked.
func (s *Store) lock(key string) *record {
	for {
		v, _ := s.records.LoadOrStore(key, &record{})
		r := v.(*record)
		r.mu.Lock()
		if !r.dead {
			return r
		}
		r.mu.Unlock()
	}
}

func (s *Store) TryAcquire(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Acquisition{}, unavailable(err)
	}
	now := s.now()

	r := s.lock(key)
	defer r.mu.Unlock()

	if !now.Before(r.expiresAt) {
		// absent or expired: this request opens a new window
		r.count = 0
		r.expiresAt = now.Add(window)
	}

	if r.count >= limit {
		return ratelimit.Acquisition{Count: r.count + 1, ResetAt: r.expiresAt}, nil
	}
	r.count++
	return ratelimit.Acquisition{Acquired: true, Count: r.count, ResetAt: r.expiresAt}, nil
}

func (s *Store) TryAcquireSliding(ctx context.Context, key string, limit int, window time.Duration, segments int) (ratelimit.Acquisition, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Acquisition{}, unavailable(err)
	}
	if segments < 2 {
		return s.TryAcquire(ctx, key, limit, window)
	}
	now := s.now()
	seg := window / time.Duration(segments)
	cur := now.UnixNano() / int64(seg)
	first := cur - int64(segments) + 1

	r := s.lock(key)
	defer r.mu.Unlock()

	if r.segments == nil {
		r.segments = make(map[int64]int, segments)
	}
	sum := 0
	oldest := cur
	for idx, n := range r.segments {
		if idx < first {
			delete(r.segments, idx)
			continue
		}
		sum += n
		if idx < oldest {
			oldest = idx
		}
	}

	resetAt := time.Unix(0, (oldest+int64(segments))*int64(seg))
	if sum >= limit {
		r.count = sum
		return ratelimit.Acquisition{Count: sum + 1, ResetAt: resetAt}, nil
	}
	r.segments[cur]++
	r.segLen, r.segN = seg, segments
	r.count = sum + 1
	// the record lives until its newest segment slides out
	r.expiresAt = time.Unix(0, cur*int64(seg)).Add(window)
	return ratelimit.Acquisition{Acquired: true, Count: r.count, ResetAt: resetAt}, nil
}

func (s *Store) PeekCount(ctx context.Context, key string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}
	v, ok := s.records.Load(key)
	if !ok {
		return 0, nil
	}
	r := v.(*record)
	r.mu.Lock()
	defer r.mu.Unlock()
	now := s.now()
	if r.dead || !now.Before(r.expiresAt) {
		return 0, nil
	}
	if r.segments != nil && r.segN > 1 {
		return r.liveSum(now), nil
	}
	return r.count, nil
}

// Sweep deletes expired records and reports how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	removed := 0
	s.records.Range(func(k, v any) bool {
		r := v.(*record)
		r.mu.Lock()
		if !r.dead && !now.Before(r.expiresAt) {
			r.dead = true
			s.records.Delete(k)
			removed++
		}
		r.mu.Unlock()
		return true
	})
	return removed
}

// Len reports the number of records currently held, expired or not.
func (s *Store) Len() int {
	n := 0
	s.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *Store) sweepLoop() {
	defer close(s.done)
	t := time.NewTicker(s.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

func unavailable(err error) error {
	return fmt.Errorf("memory store: %w: %w", ratelimit.ErrStoreUnavailable, err)
}
