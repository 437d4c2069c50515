package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 60*time.Second, cfg.MatchCooldown)
	assert.Equal(t, 3, cfg.MatchRetries)
	assert.Equal(t, "USD", cfg.FareCurrency)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MATCH_COOLDOWN", "90s")
	t.Setenv("POLL_SEARCHING_WAIT", "2s")
	t.Setenv("FARE_CURRENCY", "inr")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.MatchCooldown)
	assert.Equal(t, 2*time.Second, cfg.PollSearchingWait)
	assert.Equal(t, "INR", cfg.FareCurrency)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("MATCH_COOLDOWN", "soon")
	t.Setenv("MATCHER_TOP_N", "0")
	t.Setenv("MATCH_RADIUS_KM", "far")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid MATCH_COOLDOWN")
	assert.ErrorContains(t, err, "MATCHER_TOP_N must be > 0")
	assert.ErrorContains(t, err, "invalid MATCH_RADIUS_KM")
}

func TestMatchRadiusZeroMeansUnbounded(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Zero(t, cfg.MatchRadiusKm)

	t.Setenv("MATCH_RADIUS_KM", "0")
	_, err = LoadServerConfig()
	require.NoError(t, err)

	t.Setenv("MATCH_RADIUS_KM", "-1")
	_, err = LoadServerConfig()
	assert.ErrorContains(t, err, "MATCH_RADIUS_KM must be >= 0")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKER", "single:9092")
	t.Setenv("CONSUMER_RETRY_DELAY", "50ms")

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"single:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, "driver-locations", cfg.KafkaTopic)

	t.Setenv("CONSUMER_RETRIES", "-1")
	_, err = LoadConsumerConfig()
	assert.ErrorContains(t, err, "CONSUMER_RETRIES must be > 0")
}
