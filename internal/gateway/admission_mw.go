package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/GateGuard/internal/admission"
	"github.com/AlexKimmel/GateGuard/internal/identity"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/AlexKimmel/GateGuard/internal/routing"
)

// Admission evaluates the matched route's policies, or defaults when the
// request carries no route, and answers 429 on rejection.
func Admission(
	gw *admission.Gateway,
	resolver *identity.Resolver,
	defaults []string,
	skipPaths map[string]struct{},
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// ops endpoints are never limited
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			caller, ok := identity.From(r.Context())
			if !ok {
				caller = resolver.Resolve(r)
			}

			policies := defaults
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && len(rt.Policies) > 0 {
				policies = rt.Policies
			}

			v, err := gw.EvaluateAll(r.Context(), policies, caller)
			if err != nil {
				// startup validation makes this unreachable with a sane config
				hlog.FromRequest(r).Error().Err(err).Strs("policies", policies).Msg("admission misconfigured")
				writeJSON(w, http.StatusInternalServerError, "admission_misconfigured", "admission policy not registered")
				return
			}

			setRateLimitHeaders(w, v)

			if rej, limited := v.Rejection(); limited {
				writeRejection(w, rej)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, v ratelimit.Verdict) {
	if v.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(v.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(v.Remaining, 0)))
	if !v.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(v.ResetAt.Unix(), 10))
	}
	if v.Policy != "" {
		h.Set("X-RateLimit-Policy", v.Policy)
	}
}

type rejectionBody struct {
	Error struct {
		Code              ratelimit.Reason `json:"code"`
		Message           string           `json:"message"`
		RetryAfterSeconds int              `json:"retry_after_seconds"`
	} `json:"error"`
}

func writeRejection(w http.ResponseWriter, rej ratelimit.Rejection) {
	var body rejectionBody
	body.Error.Code = rej.Code
	body.Error.Message = "Too many requests"
	body.Error.RetryAfterSeconds = rej.RetryAfterSeconds

	w.Header().Set("Retry-After", strconv.Itoa(rej.RetryAfterSeconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(body)
}
