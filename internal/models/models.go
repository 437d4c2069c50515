package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// Location is what the rider typed plus the geocoded point when the client
// has one.
type Location struct {
	Address string `json:"address"`
	Coord   *Coord `json:"coord,omitempty"`
}

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, m.Amount%100, m.Currency)
}

type VehicleType string

const (
	VehicleStandard VehicleType = "standard"
	VehicleSUV      VehicleType = "suv"
	VehiclePremium  VehicleType = "premium"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleStandard, VehicleSUV, VehiclePremium:
		return true
	}
	return false
}

type Availability string

const (
	Offline   Availability = "offline"
	Available Availability = "available"
	Assigned  Availability = "assigned"
)

func (a Availability) Valid() bool {
	switch a {
	case Offline, Available, Assigned:
		return true
	}
	return false
}

type DriverLocation struct {
	Coord      Coord     `json:"coord"`
	ReportedAt time.Time `json:"reported_at"`
}

type Driver struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Rating             float64         `json:"rating"` // 0..5
	VehicleDescription string          `json:"vehicle"`
	Plate              string          `json:"plate"`
	VehicleType        VehicleType     `json:"vehicle_type"`
	Availability       Availability    `json:"availability"`
	Location           *DriverLocation `json:"location,omitempty"`
	CurrentRideID      string          `json:"current_ride_id,omitempty"`
}

// Candidate is a driver ranked for a pickup point.
type Candidate struct {
	Driver     Driver
	DistanceKm float64
}

// MatchAttempt records one offer made by the matcher for a ride.
type MatchAttempt struct {
	RideID      string    `json:"ride_id"`
	DriverID    string    `json:"driver_id"`
	Candidates  []string  `json:"candidates"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// LocationReport is the wire shape of a driver location update, both on the
// HTTP API and on the Kafka location topic.
type LocationReport struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}
