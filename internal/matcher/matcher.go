// Package matcher picks the nearest available driver for a searching ride,
// skipping drivers already offered that ride within the cool-down window.
package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pool"
)

const (
	DefaultCooldown = 60 * time.Second
	DefaultTopN     = 10
)

type Service struct {
	Pool     pool.Pool
	Attempts AttemptLog
	Cooldown time.Duration
	TopN     int
	RadiusKm float64
	Now      func() time.Time
}

func New(p pool.Pool, attempts AttemptLog) *Service {
	return &Service{Pool: p, Attempts: attempts, Cooldown: DefaultCooldown, TopN: DefaultTopN, Now: time.Now}
}

// Match returns the nearest candidate not offered this ride within the
// cool-down window and records the offer. ok is false when nobody is left;
// that is a normal outcome, not an error.
func (s *Service) Match(ctx context.Context, r *models.Ride) (models.Candidate, bool, error) {
	if r.Pickup.Coord == nil {
		return models.Candidate{}, false, fmt.Errorf("%w: ride %s has no pickup coordinates", errs.ErrInvalidArgument, r.ID)
	}
	now := s.now()
	recent, err := s.Attempts.Recent(ctx, r.ID, now.Add(-s.cooldown()))
	if err != nil {
		observability.MatchAttempts.WithLabelValues("error").Inc()
		return models.Candidate{}, false, fmt.Errorf("load match attempts for ride %s: %w", r.ID, err)
	}

	seq, err := s.Pool.Candidates(ctx, pool.Query{
		Pickup:      *r.Pickup.Coord,
		VehicleType: r.VehicleType,
		Exclude:     recent,
		Limit:       s.topN(),
		RadiusKm:    s.RadiusKm,
	})
	if err != nil {
		observability.MatchAttempts.WithLabelValues("error").Inc()
		return models.Candidate{}, false, fmt.Errorf("find candidates for ride %s: %w", r.ID, err)
	}

	var (
		best   models.Candidate
		found  bool
		ranked []string
	)
	for c := range seq {
		if !found {
			best, found = c, true
		}
		ranked = append(ranked, c.Driver.ID)
	}
	if !found {
		observability.MatchAttempts.WithLabelValues("none").Inc()
		return models.Candidate{}, false, nil
	}

	err = s.Attempts.Record(ctx, models.MatchAttempt{
		RideID:      r.ID,
		DriverID:    best.Driver.ID,
		Candidates:  ranked,
		AttemptedAt: now,
	}, s.cooldown())
	if err != nil {
		observability.MatchAttempts.WithLabelValues("error").Inc()
		return models.Candidate{}, false, fmt.Errorf("record match attempt for ride %s: %w", r.ID, err)
	}
	observability.MatchAttempts.WithLabelValues("offered").Inc()
	return best, true, nil
}

// Forget drops the attempt history of a ride that left searching.
func (s *Service) Forget(ctx context.Context, rideID string) error {
	return s.Attempts.Forget(ctx, rideID)
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) cooldown() time.Duration {
	if s.Cooldown <= 0 {
		return DefaultCooldown
	}
	return s.Cooldown
}

func (s *Service) topN() int {
	if s.TopN <= 0 {
		return DefaultTopN
	}
	return s.TopN
}
