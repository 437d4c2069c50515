package dispatch

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

// DriverInfo is the driver card shown to the rider while polling.
type DriverInfo struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Rating   float64       `json:"rating"`
	Vehicle  string        `json:"vehicle"`
	Plate    string        `json:"plate"`
	ETA      int64         `json:"eta"` // seconds
	ETAText  string        `json:"eta_text"`
	Location *models.Coord `json:"location,omitempty"`
}

// PollResult answers one client poll. NextStage and WaitingTime are absent
// once the ride is terminal, which tells the client to stop polling.
type PollResult struct {
	RideID      string            `json:"ride_id"`
	Status      models.RideStatus `json:"status"`
	Message     string            `json:"message"`
	Driver      *DriverInfo       `json:"driver,omitempty"`
	NextStage   *int              `json:"next_stage,omitempty"`
	WaitingTime *int64            `json:"waiting_time,omitempty"` // milliseconds
	Fare        *models.Money     `json:"fare,omitempty"`
}

var statusMessages = map[models.RideStatus]string{
	models.StatusSearching:  "Looking for a driver near you",
	models.StatusConfirmed:  "Driver assigned",
	models.StatusArriving:   "Your driver is on the way",
	models.StatusArrived:    "Your driver has arrived",
	models.StatusInProgress: "Ride in progress",
	models.StatusCompleted:  "You have reached your destination",
	models.StatusCancelled:  "Ride cancelled",
}

// PollStatus reports the ride's status and, while it is still searching,
// gives matching another try first. stage is the client's own counter; it
// only feeds next_stage and never changes what the server does.
func (d *Dispatcher) PollStatus(ctx context.Context, rideID string, stage int) (*PollResult, error) {
	r, err := d.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status == models.StatusSearching {
		if r, err = d.tryMatch(ctx, r); err != nil {
			return nil, err
		}
	}

	res := &PollResult{RideID: r.ID, Status: r.Status, Message: statusMessages[r.Status]}
	if r.Status.Terminal() {
		res.Fare = r.FinalFare
	} else {
		ns := max(stage, 0) + 1
		wait := d.waitFor(r.Status).Milliseconds()
		res.NextStage = &ns
		res.WaitingTime = &wait
	}
	if r.Status.Active() {
		res.Driver = d.driverInfo(ctx, r)
	}
	return res, nil
}

func (d *Dispatcher) waitFor(s models.RideStatus) time.Duration {
	switch s {
	case models.StatusSearching:
		return d.cfg.SearchingWait
	case models.StatusInProgress:
		return d.cfg.TripWait
	default:
		return d.cfg.ActiveWait
	}
}

func (d *Dispatcher) driverInfo(ctx context.Context, r *models.Ride) *DriverInfo {
	drv, err := d.pool.Get(ctx, r.DriverID)
	if err != nil {
		d.logger.Warn("driver lookup failed", "ride_id", r.ID, "driver_id", r.DriverID, "error", err)
		return nil
	}
	info := &DriverInfo{
		ID:      drv.ID,
		Name:    drv.Name,
		Rating:  drv.Rating,
		Vehicle: drv.VehicleDescription,
		Plate:   drv.Plate,
	}
	var wait time.Duration
	if drv.Location != nil {
		loc := drv.Location.Coord
		info.Location = &loc
		if target := etaTarget(r); target != nil && d.eta != nil {
			wait = d.eta.Estimate(ctx, loc, *target)
		}
	}
	info.ETA = int64(wait.Seconds())
	info.ETAText = eta.Text(wait)
	return info
}

// etaTarget is the pickup until the driver gets there, then the dropoff.
func etaTarget(r *models.Ride) *models.Coord {
	switch r.Status {
	case models.StatusConfirmed, models.StatusArriving:
		return r.Pickup.Coord
	case models.StatusInProgress:
		return r.Dropoff.Coord
	}
	return nil
}
