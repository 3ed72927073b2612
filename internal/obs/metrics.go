package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/GateGuard/internal/gateway"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit/breaker"
	"github.com/AlexKimmel/GateGuard/internal/routing"
)

type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	Verdicts          *prometheus.CounterVec
	Degraded          *prometheus.CounterVec
	DecisionDuration  *prometheus.HistogramVec
	InvalidIdentities prometheus.Counter
	BreakerState      prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateguard_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateguard_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateguard_admission_verdicts_total",
				Help: "Admission verdicts by policy and outcome (accepted, burst, rejected)",
			},
			[]string{"policy", "outcome"},
		),
		Degraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateguard_admission_degraded_total",
				Help: "Verdicts decided by the failure mode because the counter store was unavailable",
			},
			[]string{"policy", "mode"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateguard_admission_decision_seconds",
				Help:    "Time spent deciding one admission, store round trip included",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"policy"},
		),
		InvalidIdentities: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateguard_invalid_identities_total",
				Help: "Caller identities that fell back to the anonymous bucket",
			},
		),
		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateguard_store_breaker_state",
				Help: "Counter store circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration,
		m.Verdicts, m.Degraded, m.DecisionDuration,
		m.InvalidIdentities, m.BreakerState,
	)
	return m
}

// ObserveVerdict implements admission.Recorder.
func (m *Metrics) ObserveVerdict(policy string, v ratelimit.Verdict, took time.Duration) {
	outcome := "accepted"
	switch {
	case !v.Allowed:
		outcome = "rejected"
	case v.Burst:
		outcome = "burst"
	}
	m.Verdicts.WithLabelValues(policy, outcome).Inc()
	m.DecisionDuration.WithLabelValues(policy).Observe(took.Seconds())

	if v.Degraded {
		mode := "open"
		if !v.Allowed {
			mode = "closed"
		}
		m.Degraded.WithLabelValues(policy, mode).Inc()
	}
}

// ObserveInvalidIdentity implements admission.Recorder.
func (m *Metrics) ObserveInvalidIdentity() {
	m.InvalidIdentities.Inc()
}

// BreakerChanged follows breaker transitions; pass it to breaker.OnStateChange.
func (m *Metrics) BreakerChanged(_, to breaker.State) {
	m.BreakerState.Set(float64(to))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics.
// It must sit inside gateway.RouteMatcher to see the matched route.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				route = rt.ID
			}

			method := r.Method
			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
		})
	}
}
