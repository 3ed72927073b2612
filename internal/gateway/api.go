package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/GateGuard/internal/admission"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
)

type evaluateRequest struct {
	Policy   string `json:"policy"`
	Identity string `json:"identity"`
}

type verdictResponse struct {
	Policy            string           `json:"policy"`
	Allowed           bool             `json:"allowed"`
	Burst             bool             `json:"burst,omitempty"`
	Degraded          bool             `json:"degraded,omitempty"`
	Remaining         int              `json:"remaining"`
	Limit             int              `json:"limit"`
	RetryAfterSeconds int              `json:"retry_after_seconds"`
	ResetAt           *time.Time       `json:"reset_at,omitempty"`
	Reason            ratelimit.Reason `json:"reason,omitempty"`
}

type policyResponse struct {
	Name          string `json:"name"`
	PermitLimit   int    `json:"permit_limit"`
	WindowSeconds int    `json:"window_seconds"`
	QueueLimit    int    `json:"queue_limit"`
	Segments      int    `json:"segments"`
	FailureMode   string `json:"failure_mode"`
}

// DecisionAPI exposes the admission gateway to services that call it over
// HTTP instead of linking it in. Mount it under /v1/admission.
func DecisionAPI(gw *admission.Gateway) http.Handler {
	r := chi.NewRouter()
	r.Post("/evaluate", evaluateHandler(gw))
	r.Get("/usage/{policy}/{identity}", usageHandler(gw))
	r.Get("/policies", policiesHandler(gw))
	return r
}

func evaluateHandler(gw *admission.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req evaluateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, "invalid_body", "body must be JSON with policy and identity")
			return
		}
		v, err := gw.Evaluate(r.Context(), req.Policy, req.Identity)
		if err != nil {
			writeJSON(w, http.StatusNotFound, "unknown_policy", "policy not registered")
			return
		}
		code := http.StatusOK
		if !v.Allowed {
			code = http.StatusTooManyRequests
		}
		writeBody(w, code, toVerdictResponse(v))
	}
}

func usageHandler(gw *admission.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := gw.Usage(r.Context(), chi.URLParam(r, "policy"), chi.URLParam(r, "identity"))
		switch {
		case admission.IsUnknownPolicy(err):
			writeJSON(w, http.StatusNotFound, "unknown_policy", "policy not registered")
		case errors.Is(err, ratelimit.ErrStoreUnavailable):
			hlog.FromRequest(r).Warn().Err(err).Msg("usage lookup failed")
			writeJSON(w, http.StatusServiceUnavailable, "store_unavailable", "counter store unavailable")
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, "internal", "usage lookup failed")
		default:
			writeBody(w, http.StatusOK, u)
		}
	}
}

func policiesHandler(gw *admission.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		policies := gw.Registry().Policies()
		out := make([]policyResponse, 0, len(policies))
		for _, p := range policies {
			out = append(out, policyResponse{
				Name:          p.Name,
				PermitLimit:   p.PermitLimit,
				WindowSeconds: int(p.Window / time.Second),
				QueueLimit:    p.QueueLimit,
				Segments:      max(p.Segments, 1),
				FailureMode:   p.FailureMode.String(),
			})
		}
		writeBody(w, http.StatusOK, out)
	}
}

func toVerdictResponse(v ratelimit.Verdict) verdictResponse {
	out := verdictResponse{
		Policy:            v.Policy,
		Allowed:           v.Allowed,
		Burst:             v.Burst,
		Degraded:          v.Degraded,
		Remaining:         v.Remaining,
		Limit:             v.Limit,
		RetryAfterSeconds: v.RetryAfterSeconds(),
		Reason:            v.Reason,
	}
	if !v.ResetAt.IsZero() {
		reset := v.ResetAt.UTC()
		out.ResetAt = &reset
	}
	return out
}

func writeBody(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
