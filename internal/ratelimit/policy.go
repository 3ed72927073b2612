package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

type FailureMode int

const (
	FailOpen FailureMode = iota
	FailClosed
)

func (m FailureMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailureMode accepts "open" or "closed". An empty value picks the
// default for the policy's sensitivity.
func ParseFailureMode(s string, sensitive bool) (FailureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		if sensitive {
			return FailClosed, nil
		}
		return FailOpen, nil
	case "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("%w: failure mode %q", ErrInvalidPolicy, s)
	}
}

type Policy struct {
	Name        string
	PermitLimit int           // permits per window
	Window      time.Duration // window length
	QueueLimit  int           // extra permits tolerated as burst before rejecting
	Segments    int           // >1 turns on the sliding window
	FailureMode FailureMode
}

// EffectiveLimit is the hard cap of permits per window.
func (p Policy) EffectiveLimit() int { return p.PermitLimit + p.QueueLimit }

func (p Policy) sliding() bool { return p.Segments > 1 }

func (p Policy) Validate() error {
	if !validName(p.Name) {
		return fmt.Errorf("%w: name %q must match [a-z0-9_-]+", ErrInvalidPolicy, p.Name)
	}
	if p.PermitLimit <= 0 {
		return fmt.Errorf("%w: %s: permit limit must be positive", ErrInvalidPolicy, p.Name)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: %s: window must be positive", ErrInvalidPolicy, p.Name)
	}
	if p.QueueLimit < 0 {
		return fmt.Errorf("%w: %s: queue limit must not be negative", ErrInvalidPolicy, p.Name)
	}
	if p.Segments < 0 {
		return fmt.Errorf("%w: %s: segments must not be negative", ErrInvalidPolicy, p.Name)
	}
	if p.sliding() && p.Window/time.Duration(p.Segments) < time.Millisecond {
		return fmt.Errorf("%w: %s: segments shorter than 1ms", ErrInvalidPolicy, p.Name)
	}
	return nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
