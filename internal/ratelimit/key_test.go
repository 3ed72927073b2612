package ratelimit

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeIdentity(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.1", "10.0.0.1"},
		{" 10.0.0.1 ", "10.0.0.1"},
		{"10.0.0.1:5555", "10.0.0.1"},
		{"::ffff:10.0.0.1", "10.0.0.1"},
		{"[::ffff:10.0.0.1]:443", "10.0.0.1"},
		{"2001:DB8::1", "2001:db8::1"},
		{"[2001:db8:0:0::1]", "2001:db8::1"},
		{"fe80::1%eth0", "fe80::1"},
		{"key:Alice", "key:alice"},
		{"user-42", "user-42"},
	}
	for _, tc := range tests {
		got, err := NormalizeIdentity(tc.in)
		if err != nil {
			t.Fatalf("NormalizeIdentity(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeIdentity(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeIdentity_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "a b", "bad\x00id", strings.Repeat("x", 300)} {
		if _, err := NormalizeIdentity(in); !errors.Is(err, ErrInvalidIdentity) {
			t.Fatalf("NormalizeIdentity(%q): expected ErrInvalidIdentity, got %v", in, err)
		}
	}
}

func TestBuildKey(t *testing.T) {
	if got := BuildKey("global", "::ffff:192.0.2.7"); got != "global:192.0.2.7" {
		t.Fatalf("unexpected key %q", got)
	}
	if BuildKey("global", "192.0.2.7") == BuildKey("authentication", "192.0.2.7") {
		t.Fatalf("keys of different policies must differ")
	}
	if BuildKey("global", "a") == BuildKey("global", "b") {
		t.Fatalf("keys of different callers must differ")
	}
	if got := BuildKey("global", ""); got != "global:"+AnonymousIdentity {
		t.Fatalf("expected anonymous bucket, got %q", got)
	}
	if BuildKey("global", "") != BuildKey("global", "bad id") {
		t.Fatalf("invalid identities must share the anonymous bucket")
	}
}
