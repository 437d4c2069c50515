// Package notify delivers ride events to whoever listens: connected driver
// apps, an HTTP webhook, the Kafka event topic. Delivery is best-effort.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Notifier interface {
	Notify(ctx context.Context, ev models.RideEvent) error
}

// Sink is a named Notifier so failures can be attributed.
type Sink struct {
	Name string
	Notifier
}

// Fanout sends every event to all sinks and logs the ones that fail.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Notify(ctx context.Context, ev models.RideEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Notify(ctx, ev); err != nil {
			observability.NotifyErrors.WithLabelValues(s.Name).Inc()
			f.logger.Warn("notify failed", "sink", s.Name, "event", ev.Type, "ride_id", ev.RideID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
