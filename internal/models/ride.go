package models

import (
	"slices"
	"time"
)

type RideStatus string

const (
	StatusSearching  RideStatus = "searching"
	StatusConfirmed  RideStatus = "confirmed"
	StatusArriving   RideStatus = "arriving"
	StatusArrived    RideStatus = "arrived"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a driver is attached to a ride in this status.
func (s RideStatus) Active() bool {
	switch s {
	case StatusConfirmed, StatusArriving, StatusArrived, StatusInProgress:
		return true
	}
	return false
}

func (s RideStatus) Valid() bool {
	switch s {
	case StatusSearching, StatusConfirmed, StatusArriving, StatusArrived,
		StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type ActorRole string

const (
	RoleRider  ActorRole = "rider"
	RoleDriver ActorRole = "driver"
	RoleSystem ActorRole = "system"
)

type Transition struct {
	From      RideStatus `json:"from"`
	To        RideStatus `json:"to"`
	ActorRole ActorRole  `json:"actor_role"`
	ActorID   string     `json:"actor_id,omitempty"`
	At        time.Time  `json:"at"`
}

type Ride struct {
	ID            string      `json:"id"`
	RiderID       string      `json:"rider_id"`
	DriverID      string      `json:"driver_id,omitempty"`
	Pickup        Location    `json:"pickup"`
	Dropoff       Location    `json:"dropoff"`
	VehicleType   VehicleType `json:"vehicle_type"`
	Status        RideStatus  `json:"status"`
	Version       int64       `json:"version"`
	FareEstimate  Money       `json:"fare_estimate"`
	FinalFare     *Money      `json:"final_fare,omitempty"`
	FareFinalized bool        `json:"fare_finalized"`
	PaymentRef    string      `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	MatchedAt   *time.Time `json:"matched_at,omitempty"`
	ArrivingAt  *time.Time `json:"arriving_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelledBy  ActorRole `json:"cancelled_by,omitempty"`
	CancelReason string    `json:"cancel_reason,omitempty"`

	Transitions []Transition `json:"transitions"`
}

// Clone returns a deep copy so callers can mutate a candidate version of the
// ride before a compare-and-set write.
func (r *Ride) Clone() *Ride {
	cp := *r
	cp.Pickup.Coord = cloneCoord(r.Pickup.Coord)
	cp.Dropoff.Coord = cloneCoord(r.Dropoff.Coord)
	if r.FinalFare != nil {
		f := *r.FinalFare
		cp.FinalFare = &f
	}
	cp.MatchedAt = cloneTime(r.MatchedAt)
	cp.ArrivingAt = cloneTime(r.ArrivingAt)
	cp.ArrivedAt = cloneTime(r.ArrivedAt)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.CancelledAt = cloneTime(r.CancelledAt)
	cp.Transitions = slices.Clone(r.Transitions)
	return &cp
}

func cloneCoord(c *Coord) *Coord {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
