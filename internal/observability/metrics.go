package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matches_total", Help: "Total number of rides confirmed with a driver"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Time from ride creation to confirmation"})
	DriversAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_available", Help: "Number of drivers currently available for matching"})

	MatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "match_attempts_total", Help: "Matcher runs by result"},
		[]string{"result"},
	)
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Committed ride status transitions"},
		[]string{"from", "to"},
	)
	Cancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "cancellations_total", Help: "Committed cancellations by actor role"},
		[]string{"role"},
	)
	NotifyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notify_errors_total", Help: "Failed ride event deliveries by sink"},
		[]string{"sink"},
	)

	// ConsumerMessages counts location reports read by cmd/consumer by
	// outcome: applied, invalid, stale, unknown_driver or error.
	ConsumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Subsystem: "consumer", Name: "messages_total", Help: "Location reports consumed by outcome"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
