package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/handlers"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-pooling/internal/config"
	"github.com/example/ride-pooling/internal/geo"
	httpapi "github.com/example/ride-pooling/internal/http"
	"github.com/example/ride-pooling/internal/ingest"
	"github.com/example/ride-pooling/internal/lock"
	"github.com/example/ride-pooling/internal/logging"
	"github.com/example/ride-pooling/internal/matcher"
	"github.com/example/ride-pooling/internal/notify"
	"github.com/example/ride-pooling/internal/payments"
	"github.com/example/ride-pooling/internal/pooling"
	"github.com/example/ride-pooling/internal/pricing"
	"github.com/example/ride-pooling/internal/ratelimit"
	"github.com/example/ride-pooling/internal/route"
	"github.com/example/ride-pooling/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs the pending index and the pool locks when configured;
	// otherwise both stay in process.
	var (
		locator geo.Locator = geo.NewIndex()
		locker  lock.Locker = lock.NewKeyedMutex()
		shared  bool
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		locator = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		locker = lock.NewRedisLocker(rc, "ride-pooling:lock:", cfg.RedisLockTTL)
		shared = true
		logger.Info("using redis geo index and locks", "addr", cfg.RedisAddr, "geo_key", cfg.RedisGeoKey)
	}

	var (
		rides storage.RideStore
		pools storage.PoolStore
		prefs storage.RiderPreferenceStore
	)
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := runMigrations(cfg.MigrationsURL, cfg.PGDSN, logger); err != nil {
				return err
			}
		}
		// A process-local index would miss rides written by other replicas,
		// so Postgres falls back to its own bounding-box scan without Redis.
		var pgLocator geo.Locator
		if shared {
			pgLocator = locator
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN, pgLocator)
		if err != nil {
			return err
		}
		defer ps.Close()
		rides, pools, prefs = ps, ps.Pools(), ps
		logger.Info("using postgres store")
	} else {
		ms := storage.NewMemoryStore(locator)
		rides, pools, prefs = ms, ms.Pools(), ms
		logger.Info("using in-memory store")
	}

	var events pooling.EventPublisher = ingest.LogPublisher{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		events = kp
		logger.Info("publishing ride events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var pay pooling.Payments
	if cfg.StripeKey != "" {
		pay = payments.NewStripeClient(cfg.StripeKey)
	}

	wsreg := notify.NewWSRegistry(logging.Component(logger, "notify"))
	svc := pooling.NewService(pooling.Deps{
		Rides:      rides,
		Pools:      pools,
		RiderPrefs: prefs,
		Matcher:    matcher.NewService(rides, cfg.Matching),
		Optimizer:  route.NewOptimizer(cfg.RouteSpeedKm),
		Pricing:    pricing.NewEngine(cfg.Pricing),
		Locker:     locker,
		Events:     events,
		Notifier:   wsreg,
		Payments:   pay,
		Logger:     logging.Component(logger, "pooling"),
		Config: pooling.Config{
			DefaultMaxDetourKm: cfg.Matching.DefaultMaxDetourKm,
			PendingTTL:         cfg.PendingTTL,
		},
	})
	go svc.RunExpiry(ctx, cfg.ExpiryInterval)

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)
	limiter.Start(time.Minute)
	defer limiter.Stop()

	api := httpapi.NewServer(svc, wsreg, limiter, logging.Component(logger, "http"))
	cors := handlers.CORS(
		handlers.AllowedOrigins(cfg.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID", httpapi.RiderHeader}),
	)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handlers.ProxyHeaders(cors(api)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-pooling listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMigrations(sourceURL, dsn string, logger *slog.Logger) error {
	m, err := migrate.New(sourceURL, dsn)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	logger.Info("migrations applied", "source", sourceURL)
	return nil
}
