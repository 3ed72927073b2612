package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Redis struct {
	Addr           string `yaml:"addr"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	PoolSize       int    `yaml:"pool_size"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type Breaker struct {
	FailureThreshold int `yaml:"failure_threshold"`
	OpenMS           int `yaml:"open_ms"`
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

type Store struct {
	Backend               string  `yaml:"backend"` // "memory" or "redis"
	KeyPrefix             string  `yaml:"key_prefix"`
	TimeoutMS             int     `yaml:"timeout_ms"`
	FailureRetryAfterMS   int     `yaml:"failure_retry_after_ms"`
	SweepIntervalMS       int     `yaml:"sweep_interval_ms"`
	DegradedLogIntervalMS int     `yaml:"degraded_log_interval_ms"`
	Redis                 Redis   `yaml:"redis"`
	Breaker               Breaker `yaml:"breaker"`
}

type APIKey struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

type Identity struct {
	Header            string   `yaml:"header"`
	TrustForwardedFor bool     `yaml:"trust_forwarded_for"`
	Keys              []APIKey `yaml:"keys"`
}

type Policy struct {
	Name          string `yaml:"name"`
	PermitLimit   int    `yaml:"permit_limit"`
	WindowSeconds int    `yaml:"window_seconds"`
	QueueLimit    int    `yaml:"queue_limit"`
	Segments      int    `yaml:"segments"`
	FailureMode   string `yaml:"failure_mode"` // "open" or "closed"
	Sensitive     bool   `yaml:"sensitive"`
}

type Routes struct {
	ID    string `yaml:"id"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`
	Policies []string `yaml:"policies"`

	Upstream struct {
		URL       string `yaml:"url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`
}

type Root struct {
	Server          Server        `yaml:"server"`
	Observability   Observability `yaml:"observability"`
	Store           Store         `yaml:"store"`
	Identity        Identity      `yaml:"identity"`
	Policies        []Policy      `yaml:"policies"`
	DefaultPolicies []string      `yaml:"default_policies"`
	Routes          []Routes      `yaml:"routes"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (s Store) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

func (s Store) FailureRetryAfter() time.Duration {
	return time.Duration(s.FailureRetryAfterMS) * time.Millisecond
}

func (s Store) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMS) * time.Millisecond
}

func (s Store) DegradedLogInterval() time.Duration {
	return time.Duration(s.DegradedLogIntervalMS) * time.Millisecond
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (r Redis) DialTimeout() time.Duration  { return ms(r.DialTimeoutMS) }
func (r Redis) ReadTimeout() time.Duration  { return ms(r.ReadTimeoutMS) }
func (r Redis) WriteTimeout() time.Duration { return ms(r.WriteTimeoutMS) }

func (b Breaker) OpenDuration() time.Duration { return ms(b.OpenMS) }

// RatePolicy converts the YAML form into a ratelimit.Policy.
func (p Policy) RatePolicy() (ratelimit.Policy, error) {
	mode, err := ratelimit.ParseFailureMode(p.FailureMode, p.Sensitive)
	if err != nil {
		return ratelimit.Policy{}, fmt.Errorf("policy %q: %w", p.Name, err)
	}
	return ratelimit.Policy{
		Name:        p.Name,
		PermitLimit: p.PermitLimit,
		Window:      time.Duration(p.WindowSeconds) * time.Second,
		QueueLimit:  p.QueueLimit,
		Segments:    p.Segments,
		FailureMode: mode,
	}, nil
}

// Registry builds the policy registry and checks that every policy named by
// routes and default_policies exists.
func (c *Root) Registry() (*ratelimit.Registry, error) {
	policies := make([]ratelimit.Policy, 0, len(c.Policies))
	for _, p := range c.Policies {
		rp, err := p.RatePolicy()
		if err != nil {
			return nil, err
		}
		policies = append(policies, rp)
	}
	reg, err := ratelimit.NewRegistry(policies...)
	if err != nil {
		return nil, err
	}
	if err := reg.Require(c.DefaultPolicies...); err != nil {
		return nil, fmt.Errorf("default_policies: %w", err)
	}
	for _, rt := range c.Routes {
		if err := reg.Require(rt.Policies...); err != nil {
			return nil, fmt.Errorf("route %q: %w", rt.ID, err)
		}
	}
	return reg, nil
}

func (c *Root) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported store backend: %q", c.Store.Backend)
	}
	if len(c.Policies) == 0 {
		return errors.New("at least one policy is required")
	}
	for _, rt := range c.Routes {
		if rt.ID == "" {
			return errors.New("route id is required")
		}
		if rt.Upstream.URL == "" {
			return fmt.Errorf("route %q: upstream.url is required", rt.ID)
		}
	}
	return nil
}

// Load reads the YAML file at path, overlays GATEGUARD_* environment
// variables (a .env file in the working directory is honoured) and applies
// defaults.
func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Root) {
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Identity.Header == "" {
		cfg.Identity.Header = "X-API-Key"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "gateguard:"
	}
	if cfg.Store.TimeoutMS <= 0 {
		cfg.Store.TimeoutMS = 100
	}
	if cfg.Store.FailureRetryAfterMS <= 0 {
		cfg.Store.FailureRetryAfterMS = 1000
	}
	if cfg.Store.SweepIntervalMS <= 0 {
		cfg.Store.SweepIntervalMS = 60_000
	}
	if cfg.Store.DegradedLogIntervalMS <= 0 {
		cfg.Store.DegradedLogIntervalMS = 5000
	}
	r := &cfg.Store.Redis
	if r.DialTimeoutMS <= 0 {
		r.DialTimeoutMS = 2000
	}
	if r.ReadTimeoutMS <= 0 {
		r.ReadTimeoutMS = cfg.Store.TimeoutMS
	}
	if r.WriteTimeoutMS <= 0 {
		r.WriteTimeoutMS = cfg.Store.TimeoutMS
	}
	for i := range cfg.Policies {
		if cfg.Policies[i].Segments == 0 {
			cfg.Policies[i].Segments = 1
		}
	}
}
