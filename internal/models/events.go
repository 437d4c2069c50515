package models

import "time"

type EventType string

const (
	EventRideCreated   EventType = "ride.created"
	EventRideConfirmed EventType = "ride.confirmed"
	EventStatusChanged EventType = "ride.status_changed"
	EventRideCompleted EventType = "ride.completed"
	EventRideCancelled EventType = "ride.cancelled"
)

// RideEvent is the abstract "notify" signal emitted on lifecycle changes.
type RideEvent struct {
	Type      EventType  `json:"type"`
	RideID    string     `json:"ride_id"`
	RiderID   string     `json:"rider_id"`
	DriverID  string     `json:"driver_id,omitempty"`
	Status    RideStatus `json:"status"`
	Fare      *Money     `json:"fare,omitempty"`
	Pickup    Location   `json:"pickup"`
	Dropoff   Location   `json:"dropoff"`
	ActorRole ActorRole  `json:"actor_role,omitempty"`
	At        time.Time  `json:"at"`
}

func NewRideEvent(t EventType, r *Ride, role ActorRole, at time.Time) RideEvent {
	ev := RideEvent{
		Type:      t,
		RideID:    r.ID,
		RiderID:   r.RiderID,
		DriverID:  r.DriverID,
		Status:    r.Status,
		Pickup:    r.Pickup,
		Dropoff:   r.Dropoff,
		ActorRole: role,
		At:        at,
	}
	if r.FinalFare != nil {
		f := *r.FinalFare
		ev.Fare = &f
	}
	return ev
}
