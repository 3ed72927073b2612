package ratelimit

import (
	"fmt"
	"net/netip"
	"strings"
	"unicode"
)

// AnonymousIdentity is the shared bucket for callers whose identity could not
// be resolved.
const AnonymousIdentity = "anonymous"

const maxIdentityLen = 256

// BuildKey returns the partition key {policy}:{identity}. Invalid identities
// land in the anonymous bucket.
func BuildKey(policyName, callerIdentity string) string {
	id, err := NormalizeIdentity(callerIdentity)
	if err != nil {
		id = AnonymousIdentity
	}
	return policyName + ":" + id
}

// NormalizeIdentity canonicalizes a caller identity. IP literals (with or
// without port, brackets or zone) collapse to one form, with IPv4-mapped IPv6
// unmapped to IPv4. Anything else is lower-cased.
func NormalizeIdentity(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(s) > maxIdentityLen {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentity, maxIdentityLen)
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidIdentity)
		}
	}
	if addr, ok := parseAddr(s); ok {
		return addr.String(), nil
	}
	return strings.ToLower(s), nil
}

func parseAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().WithZone("").Unmap(), true
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if a, err := netip.ParseAddr(s); err == nil {
		return a.WithZone("").Unmap(), true
	}
	return netip.Addr{}, false
}
