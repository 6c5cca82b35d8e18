// Package app wires the latch server runtime: config, logging, stores, HTTP
// routes, session middlewares, maintenance jobs and tracing.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"latch/identity"
	authapi "latch/internal/auth/api"
	"latch/internal/auth/autorefresh"
	"latch/internal/auth/fingerprint"
	"latch/internal/auth/resolver"
	"latch/internal/auth/session"
	"latch/internal/auth/token"
	"latch/internal/db"
	"latch/internal/maintenance"
	"latch/internal/metrics"
	"latch/security/password"
)

// App is the latch server runtime: it owns the HTTP server and every
// long-lived resource behind it.
type App struct {
	cfg Config
	log Logger

	dbPool  *pgxpool.Pool
	redis   *redis.Client
	tracing *tracing
	metrics *metrics.Metrics

	handler http.Handler
	runner  *maintenance.Runner
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	if cfg.MetricsEnabled {
		a.metrics = metrics.New()
	}

	var err error
	a.tracing, err = newTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.tracing.setGlobal()

	ids, sessStore, err := a.newStores(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	if err := a.wire(ids, sessStore); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

// newStores picks Postgres-backed persistence or the in-memory stores.
func (a *App) newStores(ctx context.Context) (identity.Store, session.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return identity.NewMemoryStore(), session.NewMemoryStore(), nil
	}

	if a.cfg.MigrateOnStart {
		if err := db.Migrate(a.cfg.DatabaseURL, db.Up); err != nil {
			return nil, nil, err
		}
		a.log.Info("db.migrated")
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return nil, nil, err
	}
	a.dbPool = pool

	ids, err := identity.NewPostgresStore(pool)
	if err != nil {
		return nil, nil, err
	}

	a.log.Info("db.enabled.postgres_store")
	return ids, session.NewPostgresStore(pool), nil
}

func (a *App) wire(ids identity.Store, sessStore session.Store) error {
	cfg := a.cfg
	tp := a.tracing.provider

	codec, err := token.New(cfg.TokenConfig())
	if err != nil {
		return err
	}
	hasher, err := tokenHasher(cfg)
	if err != nil {
		return err
	}
	sessions, err := session.NewService(cfg.SessionConfig(), sessStore, codec, hasher,
		session.WithLogger(a.log),
		session.WithTracerProvider(tp),
	)
	if err != nil {
		return err
	}

	res := resolver.New(codec, ids, resolver.WithLogger(a.log))
	bootstrap := fingerprint.NewBootstrap(ids, nil)
	cookies := cfg.CookiePolicy()

	auth, err := authapi.NewHandler(a.log,
		authapi.Config{TrustProxy: cfg.TrustProxy, MaxBodyBytes: cfg.MaxBodyBytes},
		authapi.Deps{
			Identities: ids,
			Sessions:   sessions,
			Resolver:   res,
			Bootstrap:  bootstrap,
			Cookies:    cookies,
			Passwords:  password.DefaultConfig(),
		},
		authapi.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	autoLogin := &fingerprint.AutoLogin{
		Bootstrap:  bootstrap,
		Identities: ids,
		Resolver:   res,
		Sessions:   sessions,
		Cookies:    cookies,
		TrustProxy: cfg.TrustProxy,
		Log:        a.log,
		Metrics:    a.metrics,
	}
	refresh := autorefresh.New(sessions, res, cookies,
		autorefresh.WithLogger(a.log),
		autorefresh.WithMetrics(a.metrics),
		autorefresh.WithTracerProvider(tp),
	)
	// Transparent refresh runs first so a refreshed principal skips auto-login.
	sessionMW := func(next http.Handler) http.Handler {
		return refresh.Wrap(autoLogin.Wrap(next))
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, cfg, a.dbPool, a.metrics, auth)
	routes := withSession(mux, sessionMW, operationalRoutes, authapi.SessionRoutes)
	a.handler = WithRecover(WithRequestID(WithRequestLogging(WithSecurityHeaders(routes), a.log)), a.log)

	if !cfg.MaintenanceEnabled {
		return nil
	}
	lease, err := a.newLease()
	if err != nil {
		return err
	}
	a.runner, err = maintenance.NewRunner([]maintenance.Job{
		maintenance.SweepExpiredRefreshTokens(sessions, cfg.MaintenanceInterval, cfg.MaintenanceJitter),
		maintenance.MarkAbandonedPrincipals(ids, cfg.AbandonAfter(), cfg.MaintenanceInterval, cfg.MaintenanceJitter, nil),
	}, lease, a.log, a.metrics)
	return err
}

// newLease returns a Redis lease when LATCH_REDIS_URL is set so that only one
// instance runs each maintenance job per interval.
func (a *App) newLease() (maintenance.Lease, error) {
	if a.cfg.RedisURL == "" {
		a.log.Info("maintenance.lease.local")
		return maintenance.NewLocalLease(nil), nil
	}
	opts, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("config: LATCH_REDIS_URL: %w", err)
	}
	a.redis = redis.NewClient(opts)
	a.log.Info("maintenance.lease.redis", "addr", opts.Addr)
	return maintenance.NewRedisLease(a.redis, ""), nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"db_enabled", a.dbPool != nil,
		"maintenance", a.runner != nil,
	)

	jobsCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		if a.runner != nil {
			_ = a.runner.Run(jobsCtx)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	stopJobs()
	<-jobsDone

	a.close(shutdownCtx)
	a.log.Info("server.stopped")
	return runErr
}

// close releases the pool, the Redis client and the tracer provider.
func (a *App) close(ctx context.Context) {
	if a.dbPool != nil {
		a.dbPool.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.tracing != nil {
		if err := a.tracing.shutdown(ctx); err != nil {
			a.log.Error("tracing.shutdown.fail", "err", err)
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL is the URL a local client would use to reach addr.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
