package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestPolicy_Validate(t *testing.T) {
	valid := Policy{Name: "global", PermitLimit: 10, Window: time.Minute}

	tests := []struct {
		name   string
		mutate func(p *Policy)
		ok     bool
	}{
		{"valid", func(p *Policy) {}, true},
		{"queue and segments", func(p *Policy) { p.QueueLimit = 2; p.Segments = 6 }, true},
		{"empty name", func(p *Policy) { p.Name = "" }, false},
		{"name with colon", func(p *Policy) { p.Name = "a:b" }, false},
		{"upper case name", func(p *Policy) { p.Name = "Global" }, false},
		{"zero limit", func(p *Policy) { p.PermitLimit = 0 }, false},
		{"zero window", func(p *Policy) { p.Window = 0 }, false},
		{"negative queue", func(p *Policy) { p.QueueLimit = -1 }, false},
		{"negative segments", func(p *Policy) { p.Segments = -1 }, false},
		{"sub-millisecond segments", func(p *Policy) { p.Window = time.Millisecond; p.Segments = 4 }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			tc.mutate(&p)
			err := p.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid policy, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("expected ErrInvalidPolicy, got %v", err)
			}
		})
	}
}

func TestPolicy_EffectiveLimit(t *testing.T) {
	p := Policy{PermitLimit: 5, QueueLimit: 2}
	if got := p.EffectiveLimit(); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestParseFailureMode(t *testing.T) {
	tests := []struct {
		in        string
		sensitive bool
		want      FailureMode
	}{
		{"open", false, FailOpen},
		{"OPEN", true, FailOpen},
		{" closed ", false, FailClosed},
		{"", false, FailOpen},
		{"", true, FailClosed},
	}
	for _, tc := range tests {
		got, err := ParseFailureMode(tc.in, tc.sensitive)
		if err != nil {
			t.Fatalf("ParseFailureMode(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseFailureMode(%q, %v) = %v, want %v", tc.in, tc.sensitive, got, tc.want)
		}
	}

	if _, err := ParseFailureMode("sometimes", false); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}
