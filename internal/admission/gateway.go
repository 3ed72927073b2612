// Package admission is the entry point request handlers call to decide
// whether a request may proceed. It resolves the policy, builds the partition
// key, asks the decision engine and hands back the verdict unchanged.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
)

// Recorder receives one observation per evaluation. obs.Metrics implements it.
type Recorder interface {
	ObserveVerdict(policy string, v ratelimit.Verdict, took time.Duration)
	ObserveInvalidIdentity()
}

type nopRecorder struct{}

func (nopRecorder) ObserveVerdict(string, ratelimit.Verdict, time.Duration) {}
func (nopRecorder) ObserveInvalidIdentity()                                 {}

type Gateway struct {
	registry *ratelimit.Registry
	engine   *ratelimit.Engine
	log      zerolog.Logger
	rec      Recorder

	// store outages hit every request; one warning per interval is enough
	degradedLog *rate.Sometimes
}

type Option func(*Gateway)

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.rec = r
		}
	}
}

// WithDegradedLogInterval sets the minimum gap between store outage warnings.
func WithDegradedLogInterval(d time.Duration) Option {
	return func(g *Gateway) { g.degradedLog = &rate.Sometimes{Interval: d} }
}

func New(registry *ratelimit.Registry, engine *ratelimit.Engine, opts ...Option) *Gateway {
	g := &Gateway{
		registry:    registry,
		engine:      engine,
		log:         zerolog.Nop(),
		rec:         nopRecorder{},
		degradedLog: &rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Registry() *ratelimit.Registry { return g.registry }

// Evaluate charges exactly one permit attempt for callerIdentity under the
// named policy. The only error is ratelimit.ErrUnknownPolicy.
func (g *Gateway) Evaluate(ctx context.Context, policyName, callerIdentity string) (ratelimit.Verdict, error) {
	p, err := g.registry.Lookup(policyName)
	if err != nil {
		return ratelimit.Verdict{}, err
	}

	key := g.key(p.Name, callerIdentity)

	start := time.Now()
	v, storeErr := g.engine.Decide(ctx, p, key)
	g.rec.ObserveVerdict(p.Name, v, time.Since(start))

	if storeErr != nil {
		g.degradedLog.Do(func() {
			g.log.Warn().
				Err(storeErr).
				Str("policy", p.Name).
				Str("failure_mode", p.FailureMode.String()).
				Bool("allowed", v.Allowed).
				Msg("counter store unavailable, applying failure mode")
		})
	}
	return v, nil
}

// EvaluateAll applies policies in order and stops at the first rejection, so
// policies after it are not charged. The combined verdict reports the
// tightest remaining count.
func (g *Gateway) EvaluateAll(ctx context.Context, policyNames []string, callerIdentity string) (ratelimit.Verdict, error) {
	if len(policyNames) == 0 {
		return ratelimit.Verdict{Allowed: true}, nil
	}
	var out ratelimit.Verdict
	burst, degraded := false, false
	for i, name := range policyNames {
		v, err := g.Evaluate(ctx, name, callerIdentity)
		if err != nil {
			return ratelimit.Verdict{}, err
		}
		if !v.Allowed {
			return v, nil
		}
		burst = burst || v.Burst
		degraded = degraded || v.Degraded
		if i == 0 || v.Remaining < out.Remaining {
			out = v
		}
	}
	out.Burst, out.Degraded = burst, degraded
	return out, nil
}

type Usage struct {
	Policy    string `json:"policy"`
	Key       string `json:"key"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

// Usage reports the current count for a caller without charging a permit.
// It is a hint for dashboards and must not be used to gate requests.
func (g *Gateway) Usage(ctx context.Context, policyName, callerIdentity string) (Usage, error) {
	p, err := g.registry.Lookup(policyName)
	if err != nil {
		return Usage{}, err
	}
	key := g.key(p.Name, callerIdentity)
	n, err := g.engine.Peek(ctx, key)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		Policy:    p.Name,
		Key:       key,
		Count:     n,
		Limit:     p.PermitLimit,
		Remaining: max(p.PermitLimit-n, 0),
	}, nil
}

func (g *Gateway) key(policyName, callerIdentity string) string {
	if _, err := ratelimit.NormalizeIdentity(callerIdentity); err != nil {
		g.rec.ObserveInvalidIdentity()
		g.log.Debug().Err(err).Str("policy", policyName).Msg("falling back to anonymous bucket")
	}
	return ratelimit.BuildKey(policyName, callerIdentity)
}

// IsUnknownPolicy reports whether err came from an unregistered policy name.
func IsUnknownPolicy(err error) bool {
	return errors.Is(err, ratelimit.ErrUnknownPolicy)
}
