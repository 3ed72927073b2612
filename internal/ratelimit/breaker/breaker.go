// Package breaker wraps a counter store with a circuit breaker so that an
// outage is detected once and then answered locally, instead of every request
// waiting out the store timeout.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
)

type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type Options struct {
	FailureThreshold int64         // consecutive failures that open the circuit
	OpenDuration     time.Duration // how long to fail fast before probing
	HalfOpenMaxCalls int64         // probes allowed while half-open
}

// Store is a ratelimit.Store guarded by a breaker.
type Store struct {
	next ratelimit.Store
	opts Options
	now  func() time.Time

	state            atomic.Int32
	failures         atomic.Int64
	openUntil        atomic.Int64
	halfOpenInFlight atomic.Int64

	onStateChange func(from, to State)
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// OnStateChange registers a callback run after every transition.
func OnStateChange(fn func(from, to State)) Option {
	return func(s *Store) { s.onStateChange = fn }
}

func Wrap(next ratelimit.Store, opts Options, extra ...Option) *Store {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 1
	}
	s := &Store{next: next, opts: opts, now: time.Now}
	for _, opt := range extra {
		opt(s)
	}
	s.state.Store(int32(Closed))
	return s
}

var (
	_ ratelimit.Store        = (*Store)(nil)
	_ ratelimit.SlidingStore = (*Store)(nil)
)

func (s *Store) State() State { return State(s.state.Load()) }

// Unwrap returns the guarded store.
func (s *Store) Unwrap() ratelimit.Store { return s.next }

func (s *Store) TryAcquire(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Acquisition, error) {
	admitted, ok := s.allow()
	if !ok {
		return ratelimit.Acquisition{}, errOpen
	}
	acq, err := s.next.TryAcquire(ctx, key, limit, window)
	s.record(admitted, err)
	return acq, err
}

// TryAcquireSliding falls back to a fixed window when the guarded store has
// no sliding support, the same way the engine does.
func (s *Store) TryAcquireSliding(ctx context.Context, key string, limit int, window time.Duration, segments int) (ratelimit.Acquisition, error) {
	ss, ok := s.next.(ratelimit.SlidingStore)
	if !ok {
		return s.TryAcquire(ctx, key, limit, window)
	}
	admitted, ok := s.allow()
	if !ok {
		return ratelimit.Acquisition{}, errOpen
	}
	acq, err := ss.TryAcquireSliding(ctx, key, limit, window, segments)
	s.record(admitted, err)
	return acq, err
}

func (s *Store) PeekCount(ctx context.Context, key string) (int, error) {
	admitted, ok := s.allow()
	if !ok {
		return 0, errOpen
	}
	n, err := s.next.PeekCount(ctx, key)
	s.record(admitted, err)
	return n, err
}

var errOpen = fmt.Errorf("circuit open: %w", ratelimit.ErrStoreUnavailable)

// allow reports whether a call may reach the store and the state it was
// admitted under. Calls admitted while half-open hold a probe slot until
// record releases it.
func (s *Store) allow() (State, bool) {
	switch State(s.state.Load()) {
	case Open:
		if s.now().UnixNano() < s.openUntil.Load() {
			return Open, false
		}
		if s.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			s.halfOpenInFlight.Store(0)
			s.changed(Open, HalfOpen)
		}
		return s.allow()
	case HalfOpen:
		if s.halfOpenInFlight.Add(1) <= s.opts.HalfOpenMaxCalls {
			return HalfOpen, true
		}
		s.halfOpenInFlight.Add(-1)
		return HalfOpen, false
	default:
		return Closed, true
	}
}

// record settles a call admitted under the given state. A caller that gave
// up (context.Canceled) says nothing about the store and is not counted; a
// timeout (context.DeadlineExceeded) is.
func (s *Store) record(admitted State, err error) {
	probe := admitted == HalfOpen
	if probe {
		s.halfOpenInFlight.Add(-1)
	}

	switch {
	case err == nil:
		s.failures.Store(0)
		if probe && s.state.CompareAndSwap(int32(HalfOpen), int32(Closed)) {
			s.changed(HalfOpen, Closed)
		}
	case errors.Is(err, context.Canceled):
	case probe:
		s.trip(HalfOpen)
	default:
		if s.failures.Add(1) >= s.opts.FailureThreshold {
			s.trip(Closed)
		}
	}
}

func (s *Store) trip(from State) {
	s.openUntil.Store(s.now().Add(s.opts.OpenDuration).UnixNano())
	if s.state.CompareAndSwap(int32(from), int32(Open)) {
		s.changed(from, Open)
	}
}

func (s *Store) changed(from, to State) {
	if s.onStateChange != nil {
		s.onStateChange(from, to)
	}
}
