package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []func(context.Context) error
	var closers []func() error

	var (
		drivers  pool.Pool
		attempts matcher.AttemptLog
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		drivers = pool.NewRedisPool(rc, cfg.RedisGeoKey)
		attempts = matcher.NewRedisAttemptLog(rc)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		closers = append(closers, rc.Close)
		logger.Info("driver pool backed by redis", "addr", cfg.RedisAddr, "geo_key", cfg.RedisGeoKey)
	} else {
		drivers = pool.NewMemoryPool()
		attempts = matcher.NewMemoryAttemptLog()
		logger.Warn("REDIS_ADDR not set; driver pool is in-memory")
	}

	var rides storage.RideStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		rides = pg
		checks = append(checks, pg.Ping)
		closers = append(closers, pg.Close)
	} else {
		rides = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set; rides are in-memory")
	}

	ws := notify.NewWSRegistry()
	sinks := []notify.Sink{{Name: "ws", Notifier: ws}}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.Sink{Name: "webhook", Notifier: notify.NewWebhook(cfg.NotifyWebhookURL)})
	}
	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		locProducer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		evProducer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaRideEventsTopic)
		locations = locProducer
		sinks = append(sinks, notify.Sink{Name: "kafka", Notifier: evProducer})
		closers = append(closers, locProducer.Close, evProducer.Close)
	}

	var pay dispatch.Payments
	if cfg.StripeAPIKey != "" {
		pay = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	m := matcher.New(drivers, attempts)
	m.Cooldown = cfg.MatchCooldown
	m.TopN = cfg.MatcherTopN
	m.RadiusKm = cfg.MatchRadiusKm

	d := dispatch.New(dispatch.Deps{
		Rides:    rides,
		Pool:     drivers,
		Matcher:  m,
		Fares:    pricing.NewTable(cfg.FareCurrency),
		Notifier: notify.NewFanout(logger, sinks...),
		Payments: pay,
		ETA:      estimator,
		Config: dispatch.Config{
			MatchRetries:  cfg.MatchRetries,
			SearchingWait: cfg.PollSearchingWait,
			ActiveWait:    cfg.PollActiveWait,
			TripWait:      cfg.PollTripWait,
		},
		Logger: logger,
	})

	api := httpapi.NewServer(httpapi.Deps{
		Dispatcher: d,
		Pool:       drivers,
		Locations:  locations,
		WS:         ws,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range checks {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	for _, c := range closers {
		if err := c(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}
