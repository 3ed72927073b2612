package ratelimit

import (
	"context"
	"time"
)

// Engine turns a store acquisition into a verdict. It holds no per-key state;
// the store's atomic primitive is the only synchronization point.
type Engine struct {
	store             Store
	now               func() time.Time
	storeTimeout      time.Duration
	failureRetryAfter time.Duration
}

type EngineOption func(*Engine)

// WithStoreTimeout bounds every store call. A timeout counts as the store
// being unavailable.
func WithStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.storeTimeout = d }
}

// WithFailureRetryAfter sets the retry hint on fail-closed rejections.
func WithFailureRetryAfter(d time.Duration) EngineOption {
	return func(e *Engine) { e.failureRetryAfter = d }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:             store,
		now:               time.Now,
		storeTimeout:      100 * time.Millisecond,
		failureRetryAfter: time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Store() Store { return e.store }

// Decide charges one permit for key under p. A store failure is not returned
// to the caller: it is folded into the verdict according to p.FailureMode and
// reported as the second value for logging.
func (e *Engine) Decide(ctx context.Context, p Policy, key string) (Verdict, error) {
	limit := p.EffectiveLimit()

	acq, err := e.acquire(ctx, p, key, limit)
	if err != nil {
		return e.degraded(p), err
	}

	v := Verdict{
		Policy:  p.Name,
		Limit:   p.PermitLimit,
		ResetAt: acq.ResetAt,
	}

	if !acq.Acquired || acq.Count > limit {
		v.Reason = ReasonLimitExceeded
		v.RetryAfter = max(acq.ResetAt.Sub(e.now()), 0)
		return v, nil
	}

	v.Allowed = true
	if acq.Count > p.PermitLimit {
		v.Burst = true
		return v, nil
	}
	v.Remaining = p.PermitLimit - acq.Count
	return v, nil
}

func (e *Engine) acquire(ctx context.Context, p Policy, key string, limit int) (Acquisition, error) {
	if e.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
	}
	if p.sliding() {
		if ss, ok := e.store.(SlidingStore); ok {
			return ss.TryAcquireSliding(ctx, key, limit, p.Window, p.Segments)
		}
	}
	return e.store.TryAcquire(ctx, key, limit, p.Window)
}

func (e *Engine) degraded(p Policy) Verdict {
	if p.FailureMode == FailOpen {
		return Verdict{
			Policy:    p.Name,
			Allowed:   true,
			Degraded:  true,
			Limit:     p.PermitLimit,
			Remaining: p.PermitLimit,
		}
	}
	return Verdict{
		Policy:     p.Name,
		Degraded:   true,
		Limit:      p.PermitLimit,
		RetryAfter: e.failureRetryAfter,
		Reason:     ReasonLimitExceeded,
	}
}

// Peek reads the count for key through the store's non-mutating path.
func (e *Engine) Peek(ctx context.Context, key string) (int, error) {
	if e.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.storeTimeout)
		defer cancel()
	}
	return e.store.PeekCount(ctx, key)
}
