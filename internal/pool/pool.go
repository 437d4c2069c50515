// Package pool tracks drivers: their availability, last known location and
// current assignment. Only the dispatcher calls Assign and Release; every
// other writer goes through SetAvailability and UpdateLocation.
package pool

import (
	"context"
	"iter"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// globeKm is half the Earth's circumference; a search this wide reaches every
// point, so it stands in for "no radius".
const globeKm = 20038.0

// Query selects candidates for a pickup. RadiusKm <= 0 means unbounded.
type Query struct {
	Pickup      models.Coord
	VehicleType models.VehicleType
	Exclude     []string
	Limit       int
	RadiusKm    float64
}

func (q Query) excluded(id string) bool {
	for _, e := range q.Exclude {
		if e == id {
			return true
		}
	}
	return false
}

func (q Query) radius() float64 {
	if q.RadiusKm <= 0 || q.RadiusKm > globeKm {
		return globeKm
	}
	return q.RadiusKm
}

type Pool interface {
	Register(ctx context.Context, d models.Driver) (models.Driver, error)
	Get(ctx context.Context, id string) (models.Driver, error)
	SetAvailability(ctx context.Context, id string, a models.Availability) error
	UpdateLocation(ctx context.Context, id string, c models.Coord, at time.Time) error
	// Candidates yields available drivers of the requested type nearest
	// first. The sequence is finite and never mutates the pool.
	Candidates(ctx context.Context, q Query) (iter.Seq[models.Candidate], error)
	Assign(ctx context.Context, driverID, rideID string) error
	Release(ctx context.Context, driverID, rideID string) error
}
