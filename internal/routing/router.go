package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AlexKimmel/GateGuard/internal/config"
)

type Route struct {
	ID       string
	Methods  map[string]struct{}
	Prefix   string
	Policies []string // admission policies applied in order
	UpUrl    *url.URL
	Timeout  time.Duration
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

// FromConfig builds a router from the configured routes, preserving order.
func FromConfig(routes []config.Routes) (*Router, error) {
	r := New()
	for _, c := range routes {
		u, err := url.Parse(c.Upstream.URL)
		if err != nil {
			return nil, fmt.Errorf("route %q: upstream url: %w", c.ID, err)
		}
		methods := make(map[string]struct{}, len(c.Match.Methods))
		for _, m := range c.Match.Methods {
			methods[strings.ToUpper(strings.TrimSpace(m))] = struct{}{}
		}
		r.Add(&Route{
			ID:       c.ID,
			Methods:  methods,
			Prefix:   c.Match.PathPrefix,
			Policies: c.Policies,
			UpUrl:    u,
			Timeout:  time.Duration(c.Upstream.TimeoutMS) * time.Millisecond,
		})
	}
	return r, nil
}

func (r *Router) Add(rt *Route) {
	r.routes = append(r.routes, rt)
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Match returns the first route whose method set and path prefix match.
// A route with no methods accepts any method.
func (r *Router) Match(method string, path string) (*Route, bool) {
	m := strings.ToUpper(method)
	for _, rt := range r.routes {
		if len(rt.Methods) > 0 {
			if _, ok := rt.Methods[m]; !ok {
				continue
			}
		}
		prefix := strings.TrimSuffix(strings.TrimSpace(rt.Prefix), "/")

		if prefix == "" || path == prefix || strings.HasPrefix(path, prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}
