package pool

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MemoryPool keeps drivers in a map guarded by one mutex, which serializes
// every availability change.
type MemoryPool struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
}

func NewMemoryPool() *MemoryPool {
	return &MemoryPool{drivers: make(map[string]*models.Driver)}
}

func (p *MemoryPool) Register(_ context.Context, d models.Driver) (models.Driver, error) {
	if d.ID == "" || !d.VehicleType.Valid() {
		return models.Driver{}, fmt.Errorf("%w: driver id and vehicle type are required", errs.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.drivers[d.ID]
	if !ok {
		d.Availability = models.Offline
		d.CurrentRideID = ""
		d.Location = nil
		p.drivers[d.ID] = &d
		return copyDriver(&d), nil
	}
	cur.Name = d.Name
	cur.Rating = d.Rating
	cur.VehicleDescription = d.VehicleDescription
	cur.Plate = d.Plate
	cur.VehicleType = d.VehicleType
	return copyDriver(cur), nil
}

func (p *MemoryPool) Get(_ context.Context, id string) (models.Driver, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %s: %w", id, errs.ErrNotFound)
	}
	return copyDriver(d), nil
}

func (p *MemoryPool) SetAvailability(_ context.Context, id string, a models.Availability) error {
	if !a.Valid() {
		return fmt.Errorf("%w: availability %q", errs.ErrInvalidArgument, a)
	}
	if a == models.Assigned {
		return fmt.Errorf("%w: drivers are assigned by the dispatcher only", errs.ErrInvalidTransition)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[id]
	if !ok {
		return fmt.Errorf("driver %s: %w", id, errs.ErrNotFound)
	}
	if d.Availability == a {
		return nil
	}
	if d.Availability == models.Assigned {
		return fmt.Errorf("driver %s has active ride %s: %w", id, d.CurrentRideID, errs.ErrConflict)
	}
	trackAvailable(d.Availability, a)
	d.Availability = a
	return nil
}

func (p *MemoryPool) UpdateLocation(_ context.Context, id string, c models.Coord, at time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[id]
	if !ok {
		return fmt.Errorf("driver %s: %w", id, errs.ErrNotFound)
	}
	if d.Location != nil && at.Before(d.Location.ReportedAt) {
		return fmt.Errorf("driver %s location at %s: %w", id, at.Format(time.RFC3339Nano), errs.ErrStaleUpdate)
	}
	d.Location = &models.DriverLocation{Coord: c, ReportedAt: at}
	return nil
}

func (p *MemoryPool) Candidates(_ context.Context, q Query) (iter.Seq[models.Candidate], error) {
	radius := q.radius()
	p.mu.RLock()
	ranked := make([]models.Candidate, 0, len(p.drivers))
	for _, d := range p.drivers {
		if d.Availability != models.Available || d.VehicleType != q.VehicleType || d.Location == nil {
			continue
		}
		if q.excluded(d.ID) {
			continue
		}
		dist := geo.DistanceKm(q.Pickup, d.Location.Coord)
		if dist > radius {
			continue
		}
		ranked = append(ranked, models.Candidate{Driver: copyDriver(d), DistanceKm: dist})
	}
	p.mu.RUnlock()
	geo.Rank(ranked)

	return func(yield func(models.Candidate) bool) {
		n := 0
		for _, c := range ranked {
			if q.Limit > 0 && n >= q.Limit {
				return
			}
			// skip drivers claimed since the snapshot
			if !p.isAvailable(c.Driver.ID) {
				continue
			}
			n++
			if !yield(c) {
				return
			}
		}
	}, nil
}

func (p *MemoryPool) isAvailable(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.drivers[id]
	return ok && d.Availability == models.Available
}

func (p *MemoryPool) Assign(_ context.Context, driverID, rideID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, errs.ErrNotFound)
	}
	if d.Availability == models.Assigned && d.CurrentRideID == rideID {
		return nil
	}
	if d.Availability != models.Available {
		return fmt.Errorf("driver %s is %s: %w", driverID, d.Availability, errs.ErrConflict)
	}
	trackAvailable(d.Availability, models.Assigned)
	d.Availability = models.Assigned
	d.CurrentRideID = rideID
	return nil
}

func (p *MemoryPool) Release(_ context.Context, driverID, rideID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.drivers[driverID]
	if !ok {
		return fmt.Errorf("driver %s: %w", driverID, errs.ErrNotFound)
	}
	if d.Availability != models.Assigned || d.CurrentRideID != rideID {
		return nil
	}
	trackAvailable(d.Availability, models.Available)
	d.Availability = models.Available
	d.CurrentRideID = ""
	return nil
}

func copyDriver(d *models.Driver) models.Driver {
	cp := *d
	if d.Location != nil {
		l := *d.Location
		cp.Location = &l
	}
	return cp
}

func trackAvailable(from, to models.Availability) {
	if from == models.Available {
		observability.DriversAvailable.Dec()
	}
	if to == models.Available {
		observability.DriversAvailable.Inc()
	}
}
