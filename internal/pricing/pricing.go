// Package pricing is the default fare service: base + per km + per minute,
// per vehicle type, in minor currency units.
package pricing

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type Rate struct {
	Base   int64
	PerKm  int64
	PerMin int64
	Min    int64
}

var DefaultRates = map[models.VehicleType]Rate{
	models.VehicleStandard: {Base: 5000, PerKm: 1000, PerMin: 500, Min: 8000},
	models.VehicleSUV:      {Base: 8000, PerKm: 1200, PerMin: 600, Min: 12000},
	models.VehiclePremium:  {Base: 10000, PerKm: 1500, PerMin: 750, Min: 15000},
}

// city average used to turn straight-line distance into minutes
const avgSpeedKmh = 25.0

// fallbackKm is charged when either endpoint has no coordinates.
const fallbackKm = 5.0

type Table struct {
	Currency string
	Rates    map[models.VehicleType]Rate
}

func NewTable(currency string) *Table {
	if currency == "" {
		currency = "USD"
	}
	return &Table{Currency: currency, Rates: DefaultRates}
}

func (t *Table) Estimate(_ context.Context, v models.VehicleType, pickup, dropoff models.Location) (models.Money, error) {
	rate, ok := t.Rates[v]
	if !ok {
		return models.Money{}, fmt.Errorf("%w: no rate for vehicle type %q", errs.ErrInvalidArgument, v)
	}
	km := tripKm(pickup, dropoff)
	minutes := km / avgSpeedKmh * 60
	return t.price(rate, km, minutes), nil
}

// Finalize prices the trip with the distance estimate and the minutes actually
// spent between pickup and at. Rides that never started pay nothing.
func (t *Table) Finalize(_ context.Context, r *models.Ride, at time.Time) (models.Money, error) {
	rate, ok := t.Rates[r.VehicleType]
	if !ok {
		return models.Money{}, fmt.Errorf("%w: no rate for vehicle type %q", errs.ErrInvalidArgument, r.VehicleType)
	}
	if r.StartedAt == nil {
		return models.Money{Currency: t.currency(r)}, nil
	}
	km := tripKm(r.Pickup, r.Dropoff)
	minutes := at.Sub(*r.StartedAt).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	m := t.price(rate, km, minutes)
	m.Currency = t.currency(r)
	return m, nil
}

func (t *Table) price(rate Rate, km, minutes float64) models.Money {
	amount := rate.Base + int64(math.Round(km*float64(rate.PerKm))) + int64(math.Round(minutes*float64(rate.PerMin)))
	if amount < rate.Min {
		amount = rate.Min
	}
	return models.Money{Amount: amount, Currency: t.Currency}
}

func (t *Table) currency(r *models.Ride) string {
	if r.FareEstimate.Currency != "" {
		return r.FareEstimate.Currency
	}
	return t.Currency
}

func tripKm(pickup, dropoff models.Location) float64 {
	if pickup.Coord == nil || dropoff.Coord == nil {
		return fallbackKm
	}
	return geo.DistanceKm(*pickup.Coord, *dropoff.Coord)
}
