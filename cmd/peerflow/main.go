// Package main is the entry point for the peerflow server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/peerflow/internal/catalog"
	"github.com/pitabwire/peerflow/internal/config"
	"github.com/pitabwire/peerflow/internal/guest"
	"github.com/pitabwire/peerflow/internal/notify"
	"github.com/pitabwire/peerflow/internal/observability"
	"github.com/pitabwire/peerflow/internal/progression"
	"github.com/pitabwire/peerflow/internal/store"
	"github.com/pitabwire/peerflow/internal/transport"
	"github.com/pitabwire/peerflow/internal/verify"
	"github.com/pitabwire/peerflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "peerflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	metrics := observability.InitMetrics(registry)

	reg, err := buildCatalog(cfg.Catalog)
	if err != nil {
		logger.Error("status catalog failed to load", zap.Error(err))
		return 1
	}
	metrics.SetCatalogWorkflowsLoaded(float64(len(reg.Types())))

	st, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	defer st.Close()

	runner := store.NewRunner(st, store.RetryPolicy{
		MaxAttempts:     cfg.Store.Retry.MaxAttempts,
		InitialInterval: cfg.Store.Retry.BackoffInitial,
		MaxInterval:     cfg.Store.Retry.BackoffMax,
	}, logger)

	notifier, closeNotifier := buildNotifier(cfg.Notify, metrics, logger)
	coord := progression.NewCoordinator(reg, runner, notifier, metrics, logger)

	var guestOpts []guest.Option
	guestOpts = append(guestOpts, guest.WithMetrics(metrics))
	idem, closeIdem, err := buildIdempotencyStore(ctx, cfg.Guest.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if idem != nil {
		guestOpts = append(guestOpts, guest.WithIdempotency(idem, cfg.Guest.Idempotency.TTL))
	}

	verifier, err := buildVerifier(cfg.Verification, metrics, logger)
	if err != nil {
		logger.Error("verifier initialization failed", zap.Error(err))
		return 1
	}
	guestHandler := guest.NewHandler(coord, st, reg, verifier, logger, guestOpts...)

	readiness := observability.ReadinessChecks{
		CatalogLoaded: func() bool { return len(reg.Types()) > 0 },
		Store:         st,
	}
	if idem != nil {
		readiness.IdempotencyStore = idem
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Gatherer:     registry,
		Authenticate: transport.Authenticate(cfg.Identity, jwks, logger),
		Catalog:      reg,
		Coordinator:  coord,
		Guest:        guestHandler,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("catalog_checksum", reg.Checksum()),
		zap.String("store", cfg.Store.Driver),
		zap.String("notify_sink", cfg.Notify.Sink),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Drain queued notifications only after in-flight transitions finished.
	if err := closeNotifier(shutdownCtx); err != nil {
		logger.Warn("notification drain incomplete", zap.Error(err))
	}
	closeIdem()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildCatalog loads the configured catalog, or the embedded one.
func buildCatalog(cfg config.CatalogConfig) (*catalog.Registry, error) {
	c, err := catalog.NewLoader().Load(cfg.File)
	if err != nil {
		return nil, err
	}
	return catalog.NewRegistry(c)
}

// closableStore is a store the process owns and must release.
type closableStore interface {
	store.Store
	observability.HealthChecker
	Close()
}

// buildStore creates the workflow store based on config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (closableStore, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory workflow store; state is lost on restart")
		return store.NewMemoryStore(), nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: ping: %w", err)
		}

		pg := store.NewPgStore(pool)
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, fmt.Errorf("store: migrate: %w", err)
			}
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildNotifier creates the post-commit notifier and its drain function.
func buildNotifier(cfg config.NotifyConfig, metrics *observability.Metrics, logger *zap.Logger) (model.Notifier, func(context.Context) error) {
	var sink notify.Sink
	var closeSink func() error

	switch cfg.Sink {
	case "watermill":
		pubsub := notify.NewGoChannel(logger)
		ws := notify.NewWatermillSink(pubsub, cfg.Topic)
		sink, closeSink = ws, ws.Close
	case "log":
		sink = notify.NewLogSink(logger)
	default:
		return notify.Nop{}, func(context.Context) error { return nil }
	}

	d := notify.NewDispatcher(sink, cfg.QueueSize, metrics, logger)
	return d, func(ctx context.Context) error {
		err := d.Close(ctx)
		if closeSink != nil {
			err = errors.Join(err, closeSink())
		}
		return err
	}
}

// buildIdempotencyStore creates the guest replay cache based on config.
// A nil store disables replay caching.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (guest.IdempotencyStore, func(), error) {
	noop := func() {}
	if !cfg.Enabled {
		return nil, noop, nil
	}

	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory idempotency store")
		return guest.NewMemoryIdempotencyStore(), noop, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, noop, fmt.Errorf("idempotency: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("idempotency: ping redis: %w", err)
		}
		return guest.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}

// buildVerifier creates the human-verification check for guest submissions.
func buildVerifier(cfg config.VerificationConfig, metrics *observability.Metrics, logger *zap.Logger) (model.Verifier, error) {
	switch cfg.Provider {
	case "recaptcha":
		secret := os.Getenv(cfg.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("verification: %s environment variable not set", cfg.SecretEnv)
		}
		cb := cfg.CircuitBreaker
		return verify.NewRecaptchaVerifier(verify.RecaptchaConfig{
			Endpoint:       cfg.Endpoint,
			Secret:         secret,
			MinScore:       cfg.MinScore,
			ExpectedAction: cfg.ExpectedAction,
			Timeout:        cfg.Timeout,
			Breaker: verify.BreakerSettings{
				FailureThreshold:   cb.FailureThreshold,
				SuccessThreshold:   cb.SuccessThreshold,
				Timeout:            cb.Timeout,
				ErrorRateThreshold: cb.ErrorRateThreshold,
				ErrorRateWindow:    cb.ErrorRateWindow,
			},
		}, nil, metrics, logger), nil
	case "static":
		logger.Warn("human verification uses a static answer", zap.Bool("allow", cfg.StaticAllow))
		return verify.StaticVerifier{Allow: cfg.StaticAllow}, nil
	default:
		return nil, fmt.Errorf("unsupported verification provider: %q", cfg.Provider)
	}
}
