package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/GateGuard/internal/admission"
	"github.com/AlexKimmel/GateGuard/internal/config"
	"github.com/AlexKimmel/GateGuard/internal/gateway"
	"github.com/AlexKimmel/GateGuard/internal/identity"
	"github.com/AlexKimmel/GateGuard/internal/obs"
	"github.com/AlexKimmel/GateGuard/internal/proxy"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit/breaker"
	"github.com/AlexKimmel/GateGuard/internal/ratelimit/memory"
	redisstore "github.com/AlexKimmel/GateGuard/internal/ratelimit/redis"
	"github.com/AlexKimmel/GateGuard/internal/routing"
)

const version = "v0.1.0"

func main() {
	path := flag.String("config", envOr("GATEGUARD_CONFIG", "./config.yaml"), "config file path")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)

	// unknown policies are fatal here, never at request time
	registry, err := cfg.Registry()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid policy configuration")
	}

	routes, err := routing.FromConfig(cfg.Routes)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid route configuration")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	store, ready, closeStore, err := initStore(cfg.Store, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("init counter store")
	}
	defer closeStore()

	engine := ratelimit.NewEngine(store,
		ratelimit.WithStoreTimeout(cfg.Store.Timeout()),
		ratelimit.WithFailureRetryAfter(cfg.Store.FailureRetryAfter()),
	)
	gw := admission.New(registry, engine,
		admission.WithLogger(logger.With().Str("component", "admission").Logger()),
		admission.WithRecorder(metrics),
		admission.WithDegradedLogInterval(cfg.Store.DegradedLogInterval()),
	)

	pairs := map[string]string{} // secret -> keyID
	for _, k := range cfg.Identity.Keys {
		if k.Secret != "" && k.ID != "" {
			pairs[k.Secret] = k.ID
		}
	}
	resolver := identity.NewResolver(cfg.Identity.Header, pairs, cfg.Identity.TrustForwardedFor)

	skip := map[string]struct{}{
		"/health":                         {},
		"/ready":                          {},
		"/version":                        {},
		cfg.Observability.PrometheusPath: {},
	}

	r := chi.NewRouter()
	r.Use(
		obs.Logger(logger),
		gateway.BodyLimit(cfg.Server.MaxBody()),
	)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		if err := ready(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ok":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})
	r.Handle(cfg.Observability.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/v1/admission", gateway.DecisionAPI(gw))

	r.NotFound(gateway.Chain(
		proxy.Handler(proxy.NewHTTPTransport()),
		gateway.RouteMatcher(routes, skip),
		metrics.Middleware(skip),
		resolver.Middleware(),
		gateway.Admission(gw, resolver, cfg.DefaultPolicies, skip),
	).ServeHTTP)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("store", cfg.Store.Backend).
			Int("policies", len(registry.Policies())).
			Int("routes", len(routes.Routes())).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}

// initStore returns the guarded store, a readiness probe and a close func.
func initStore(cfg config.Store, logger zerolog.Logger, metrics *obs.Metrics) (ratelimit.Store, func(context.Context) error, func(), error) {
	var (
		base    ratelimit.Store
		ready   = func(context.Context) error { return nil }
		closeFn func()
	)

	switch cfg.Backend {
	case "redis":
		client, err := redisstore.NewClient(redisstore.Config{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout(),
			ReadTimeout:  cfg.Redis.ReadTimeout(),
			WriteTimeout: cfg.Redis.WriteTimeout(),
		})
		if err != nil {
			return nil, nil, nil, err
		}
		rs := redisstore.New(client, redisstore.WithKeyPrefix(cfg.KeyPrefix))

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = rs.Ping(pingCtx)
		cancel()
		if err != nil {
			// start anyway: each policy's failure mode covers the outage
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis not reachable at startup")
		}

		base, ready = rs, rs.Ping
		closeFn = func() {
			if err := rs.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}
	default:
		ms := memory.New(memory.WithSweepEvery(cfg.SweepInterval()))
		base = ms
		closeFn = func() { _ = ms.Close() }
	}

	guarded := breaker.Wrap(base, breaker.Options{
		FailureThreshold: int64(cfg.Breaker.FailureThreshold),
		OpenDuration:     cfg.Breaker.OpenDuration(),
		HalfOpenMaxCalls: int64(cfg.Breaker.HalfOpenMaxCalls),
	}, breaker.OnStateChange(func(from, to breaker.State) {
		metrics.BreakerChanged(from, to)
		logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("counter store breaker")
	}))
	return guarded, ready, closeFn, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
