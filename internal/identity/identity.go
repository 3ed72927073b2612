// Package identity works out who is calling, for rate limiting purposes only.
// It never rejects a request: an unknown API key falls back to the client
// address, and an unusable address falls back to the anonymous bucket.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type ctxKey int

const keyIdentity ctxKey = 0

// Resolver maps API key secrets to key IDs and extracts client addresses.
type Resolver struct {
	header   string
	bySecret map[string]string
	trustXFF bool
}

// NewResolver creates a resolver.
// header: HTTP header to read the key from (e.g., "X-API-Key")
// pairs: map of secret -> keyID
func NewResolver(header string, pairs map[string]string, trustXFF bool) *Resolver {
	h := header
	if h == "" {
		h = "X-API-Key"
	}
	if pairs == nil {
		pairs = map[string]string{}
	}
	return &Resolver{header: h, bySecret: pairs, trustXFF: trustXFF}
}

// Resolve returns "key:<id>" for a recognised API key, otherwise the client
// address. The result may be empty; the key builder handles that.
func (s *Resolver) Resolve(r *http.Request) string {
	if secret := strings.TrimSpace(r.Header.Get(s.header)); secret != "" {
		if id, ok := s.bySecret[secret]; ok {
			return "key:" + id
		}
	}
	return s.clientAddr(r)
}

func (s *Resolver) clientAddr(r *http.Request) string {
	if s.trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// WithIdentity stores the resolved identity in ctx.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// From extracts the identity stored by Middleware (if present).
func From(ctx context.Context) (string, bool) {
	v := ctx.Value(keyIdentity)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// Middleware resolves the caller once and stores it in the request context.
func (s *Resolver) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithIdentity(r.Context(), s.Resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
