package ratelimit

import "time"

type Reason string

// ReasonLimitExceeded is the machine-readable code surfaced on every rejection.
const ReasonLimitExceeded Reason = "RATE_LIMIT_EXCEEDED"

type Verdict struct {
	Policy     string
	Allowed    bool
	Burst      bool // admitted from the queue allowance
	Degraded   bool // store unavailable; the policy's failure mode decided
	Remaining  int
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
	Reason     Reason
}

// RetryAfterSeconds rounds the retry hint up to whole seconds.
func (v Verdict) RetryAfterSeconds() int {
	if v.Allowed || v.RetryAfter <= 0 {
		return 0
	}
	return int((v.RetryAfter + time.Second - 1) / time.Second)
}

// Rejection is the client-facing shape of a refused request.
type Rejection struct {
	Code              Reason `json:"code"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

func (v Verdict) Rejection() (Rejection, bool) {
	if v.Allowed {
		return Rejection{}, false
	}
	return Rejection{Code: ReasonLimitExceeded, RetryAfterSeconds: v.RetryAfterSeconds()}, true
}
