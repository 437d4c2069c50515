package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pool"
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("location-consumer", cfg.LogLevel)
	slog.SetDefault(logger)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	drivers := pool.NewRedisPool(rc, cfg.RedisGeoKey)

	go serveProbes(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		result := handleMessage(ctx, drivers, m.Value, cfg.Retries, cfg.RetryDelay, logger)
		observability.ConsumerMessages.WithLabelValues(result).Inc()
	}
}

// handleMessage applies one location report and names the outcome.
func handleMessage(ctx context.Context, u LocationUpdater, value []byte, retries int, delay time.Duration, logger *slog.Logger) string {
	rep, err := decodeReport(value)
	if err != nil {
		logger.Warn("invalid message", "error", err)
		return "invalid"
	}
	err = applyWithRetry(ctx, u, rep, retries, delay)
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, errs.ErrStaleUpdate):
		return "stale"
	case errors.Is(err, errs.ErrNotFound):
		logger.Warn("location for unregistered driver", "driver_id", rep.DriverID)
		return "unknown_driver"
	default:
		logger.Error("redis update failed", "driver_id", rep.DriverID, "error", err)
		return "error"
	}
}

func serveProbes(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("probe server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("probe server stopped", "error", err)
	}
}

// LocationUpdater is the slice of the driver pool the consumer writes to.
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, id string, c models.Coord, at time.Time) error
}

func decodeReport(b []byte) (models.LocationReport, error) {
	var rep models.LocationReport
	if err := json.Unmarshal(b, &rep); err != nil {
		return rep, err
	}
	if rep.DriverID == "" {
		return rep, errors.New("driver_id is required")
	}
	if rep.Lat < -90 || rep.Lat > 90 || rep.Lon < -180 || rep.Lon > 180 {
		return rep, fmt.Errorf("coordinates out of range: %f,%f", rep.Lat, rep.Lon)
	}
	if rep.Timestamp.IsZero() {
		return rep, errors.New("timestamp is required")
	}
	return rep, nil
}

// applyWithRetry retries transient failures with doubling delay. Stale and
// unknown-driver results are final.
func applyWithRetry(ctx context.Context, u LocationUpdater, rep models.LocationReport, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = u.UpdateLocation(ctx, rep.DriverID, models.Coord{Lat: rep.Lat, Lon: rep.Lon}, rep.Timestamp)
		if err == nil || errors.Is(err, errs.ErrStaleUpdate) || errors.Is(err, errs.ErrNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
