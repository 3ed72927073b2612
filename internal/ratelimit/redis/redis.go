// Package redis implements the shared counter store on Redis. Every decision
// is one Lua script execution, so it is atomic across all processes that
// share the server.
package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
)

var (
	//go:embed fixed_window.lua
	fixedWindowSrc string
	//go:embed sliding_window.lua
	slidingWindowSrc string
	//go:embed peek.lua
	peekSrc string

	fixedWindowScript   = redis.NewScript(fixedWindowSrc)
	slidingWindowScript = redis.NewScript(slidingWindowSrc)
	peekScript          = redis.NewScript(peekSrc)
)

type Config struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient builds a go-redis client. It does not connect; call Store.Ping.
func NewClient(cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		// a slow store is an unavailable store; retrying inline only adds load
		MaxRetries: -1,
	}), nil
}

type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type Option func(*Store)

// WithKeyPrefix namespaces every key. Defaults to "gateguard:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" && !strings.HasSuffix(prefix, ":") {
			prefix += ":"
		}
		s.prefix = prefix
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "gateguard:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ ratelimit.Store        = (*Store)(nil)
	_ ratelimit.SlidingStore = (*Store)(nil)
)

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) TryAcquire(ctx context.Context, key string, limit int, window time.Duration) (ratelimit.Acquisition, error) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return ratelimit.Acquisition{}, unavailable("fixed window", err)
	}
	return s.acquisition(res)
}

func (s *Store) TryAcquireSliding(ctx context.Context, key string, limit int, window time.Duration, segments int) (ratelimit.Acquisition, error) {
	if segments < 2 {
		return s.TryAcquire(ctx, key, limit, window)
	}
	res, err := slidingWindowScript.Run(ctx, s.client, []string{s.prefix + key}, limit, window.Milliseconds(), segments).Int64Slice()
	if err != nil {
		return ratelimit.Acquisition{}, unavailable("sliding window", err)
	}
	return s.acquisition(res)
}

func (s *Store) PeekCount(ctx context.Context, key string) (int, error) {
	n, err := peekScript.Run(ctx, s.client, []string{s.prefix + key}).Int64()
	if err != nil {
		return 0, unavailable("peek", err)
	}
	return int(n), nil
}

// acquisition decodes {acquired, count, reset_ms}.
func (s *Store) acquisition(res []int64) (ratelimit.Acquisition, error) {
	if len(res) != 3 {
		return ratelimit.Acquisition{}, unavailable("decode", fmt.Errorf("unexpected script reply of %d values", len(res)))
	}
	return ratelimit.Acquisition{
		Acquired: res[0] == 1,
		Count:    int(res[1]),
		ResetAt:  s.now().Add(time.Duration(max(res[2], 0)) * time.Millisecond),
	}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis store %s: %w: %w", op, ratelimit.ErrStoreUnavailable, err)
}
