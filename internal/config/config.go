package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisGeoKey   string

	KafkaBrokers         []string
	KafkaTopic           string
	KafkaRideEventsTopic string

	PGDSN string

	DefaultSpeedMps float64
	MatcherTopN     int
	MatchCooldown   time.Duration
	MatchRetries    int
	MatchRadiusKm   float64

	PollSearchingWait time.Duration
	PollActiveWait    time.Duration
	PollTripWait      time.Duration

	NotifyWebhookURL string
	OSRMEndpoint     string
	ETACacheTTL      time.Duration
	StripeAPIKey     string
	FareCurrency     string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RedisGeoKey:          "drivers_geo",
		KafkaTopic:           "driver-locations",
		KafkaRideEventsTopic: "ride-events",
		DefaultSpeedMps:      10,
		MatcherTopN:          8,
		MatchCooldown:        60 * time.Second,
		MatchRetries:         3,
		PollSearchingWait:    5 * time.Second,
		PollActiveWait:       10 * time.Second,
		PollTripWait:         30 * time.Second,
		ETACacheTTL:          30 * time.Second,
		FareCurrency:         "USD",
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaRideEventsTopic, "KAFKA_RIDE_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setDurationFromEnv(&cfg.MatchCooldown, "MATCH_COOLDOWN", &errs)
	setIntFromEnv(&cfg.MatchRetries, "MATCH_RETRIES", &errs)
	setFloatFromEnv(&cfg.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)

	setDurationFromEnv(&cfg.PollSearchingWait, "POLL_SEARCHING_WAIT", &errs)
	setDurationFromEnv(&cfg.PollActiveWait, "POLL_ACTIVE_WAIT", &errs)
	setDurationFromEnv(&cfg.PollTripWait, "POLL_TRIP_WAIT", &errs)

	setStringFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	if v := os.Getenv("FARE_CURRENCY"); v != "" {
		cfg.FareCurrency = strings.ToUpper(strings.TrimSpace(v))
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.MatchRetries <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RETRIES must be > 0"))
	}
	if cfg.MatchCooldown <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_COOLDOWN must be > 0"))
	}
	if cfg.MatchRadiusKm < 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be >= 0 (0 means unbounded)"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives cmd/consumer, which applies driver locations from
// Kafka to the Redis driver pool.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisGeoKey   string

	MetricsAddr string
	Retries     int
	RetryDelay  time.Duration
	LogLevel    string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		MetricsAddr:  ":2112",
		Retries:      3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.Retries, "CONSUMER_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.Retries <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRIES must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
