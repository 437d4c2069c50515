// Package dispatch owns a ride end to end: creation, poll-driven matching,
// driver status advances and cancellation. It holds no per-ride state of its
// own; every decision is a compare-and-set against the ride store and the
// driver pool.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pool"
	"github.com/example/ride-dispatch/internal/storage"
)

// FareService is the rider-facing pricing backend. The dispatcher only records
// what it returns.
type FareService interface {
	Estimate(ctx context.Context, v models.VehicleType, pickup, dropoff models.Location) (models.Money, error)
	Finalize(ctx context.Context, r *models.Ride, at time.Time) (models.Money, error)
}

type Matcher interface {
	Match(ctx context.Context, r *models.Ride) (models.Candidate, bool, error)
	Forget(ctx context.Context, rideID string) error
}

type Payments interface {
	// Hold authorizes the estimate for a ride being confirmed with r.DriverID.
	Hold(ctx context.Context, r *models.Ride) (string, error)
	// Capture collects up to the held amount; more than that is rejected.
	Capture(ctx context.Context, ref string, amount models.Money) error
	// Charge bills amount on top of the hold ref, with the same payment method.
	Charge(ctx context.Context, r *models.Ride, ref string, amount models.Money) (string, error)
	Cancel(ctx context.Context, ref string) error
}

type ETA interface {
	Estimate(ctx context.Context, from, to models.Coord) time.Duration
}

type Config struct {
	// MatchRetries bounds how many candidates one poll tries after losing
	// assignment races.
	MatchRetries  int
	SearchingWait time.Duration
	ActiveWait    time.Duration
	TripWait      time.Duration
}

func DefaultConfig() Config {
	return Config{MatchRetries: 3, SearchingWait: 5 * time.Second, ActiveWait: 10 * time.Second, TripWait: 30 * time.Second}
}

// Deps wires a Dispatcher. Notifier, Payments and ETA are optional.
type Deps struct {
	Rides    storage.RideStore
	Pool     pool.Pool
	Matcher  Matcher
	Fares    FareService
	Notifier notify.Notifier
	Payments Payments
	ETA      ETA
	Config   Config
	Logger   *slog.Logger
	Now      func() time.Time
}

type Dispatcher struct {
	rides    storage.RideStore
	pool     pool.Pool
	matcher  Matcher
	fares    FareService
	notifier notify.Notifier
	payments Payments
	eta      ETA
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	cancels *CancellationHandler
}

// casRetries bounds reload-and-retry loops on a contended ride.
const casRetries = 8

func New(d Deps) *Dispatcher {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Config.MatchRetries <= 0 {
		d.Config.MatchRetries = DefaultConfig().MatchRetries
	}
	x := &Dispatcher{
		rides:    d.Rides,
		pool:     d.Pool,
		matcher:  d.Matcher,
		fares:    d.Fares,
		notifier: d.Notifier,
		payments: d.Payments,
		eta:      d.ETA,
		cfg:      d.Config,
		logger:   d.Logger,
		now:      d.Now,
	}
	x.cancels = &CancellationHandler{d: x}
	return x
}

type CreateRideRequest struct {
	RiderID     string             `json:"rider_id"`
	Pickup      models.Location    `json:"pickup"`
	Dropoff     models.Location    `json:"dropoff"`
	VehicleType models.VehicleType `json:"vehicle_type"`
}

func (req CreateRideRequest) validate() error {
	var problems []error
	if req.RiderID == "" {
		problems = append(problems, errors.New("rider_id is required"))
	}
	if !req.VehicleType.Valid() {
		problems = append(problems, fmt.Errorf("vehicle_type %q is not one of standard, suv, premium", req.VehicleType))
	}
	// matching ranks by distance from the pickup point
	if req.Pickup.Coord == nil {
		problems = append(problems, errors.New("pickup coordinates are required"))
	}
	if req.Dropoff.Address == "" && req.Dropoff.Coord == nil {
		problems = append(problems, errors.New("dropoff is required"))
	}
	if err := errors.Join(problems...); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrInvalidArgument, err)
	}
	return nil
}

// CreateRide stores a new ride in searching with a fare estimate. Matching
// starts on the first poll.
func (d *Dispatcher) CreateRide(ctx context.Context, req CreateRideRequest) (*models.Ride, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	fare, err := d.fares.Estimate(ctx, req.VehicleType, req.Pickup, req.Dropoff)
	if err != nil {
		return nil, fmt.Errorf("estimate fare: %w", err)
	}
	r := &models.Ride{
		ID:           uuid.NewString(),
		RiderID:      req.RiderID,
		Pickup:       req.Pickup,
		Dropoff:      req.Dropoff,
		VehicleType:  req.VehicleType,
		Status:       models.StatusSearching,
		FareEstimate: fare,
		CreatedAt:    d.now().UTC(),
		Transitions:  []models.Transition{},
	}
	if err := d.rides.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	d.logger.Info("ride created", "ride_id", r.ID, "rider_id", r.RiderID, "vehicle_type", r.VehicleType, "fare_estimate", r.FareEstimate.String())
	d.emit(ctx, models.NewRideEvent(models.EventRideCreated, r, models.RoleRider, r.CreatedAt))
	return r, nil
}

func (d *Dispatcher) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return d.rides.Get(ctx, rideID)
}

// tryMatch runs while the ride is searching. It claims a driver in the pool
// first and only then confirms the ride, so a confirmed ride never points at
// an available driver. A lost race on either side is retried with the next
// candidate; giving up leaves the ride searching.
func (d *Dispatcher) tryMatch(ctx context.Context, r *models.Ride) (*models.Ride, error) {
	for attempt := 0; attempt < d.cfg.MatchRetries; attempt++ {
		cand, ok, err := d.matcher.Match(ctx, r)
		if err != nil {
			return r, err
		}
		if !ok {
			// a concurrent poll may have confirmed the ride with the last
			// free driver
			return d.reload(ctx, r), nil
		}
		driverID := cand.Driver.ID

		if err := d.pool.Assign(ctx, driverID, r.ID); err != nil {
			if errors.Is(err, errs.ErrConflict) || errors.Is(err, errs.ErrNotFound) {
				observability.MatchAttempts.WithLabelValues("conflict").Inc()
				d.logger.Debug("driver claimed elsewhere", "ride_id", r.ID, "driver_id", driverID)
				continue
			}
			return r, fmt.Errorf("assign driver %s: %w", driverID, err)
		}

		now := d.now()
		next := r.Clone()
		next.DriverID = driverID
		if _, err := lifecycle.Apply(next, lifecycle.Request{To: models.StatusConfirmed, ActorRole: models.RoleSystem, At: now}); err != nil {
			d.abandonClaim(ctx, r.ID, driverID, "")
			return r, err
		}
		next.PaymentRef = d.holdPayment(ctx, next)

		if err := d.rides.Update(ctx, next, r.Version); err != nil {
			d.abandonClaim(ctx, r.ID, driverID, next.PaymentRef)
			if !errors.Is(err, errs.ErrConflict) {
				return r, fmt.Errorf("confirm ride %s: %w", r.ID, err)
			}
			cur, gerr := d.rides.Get(ctx, r.ID)
			if gerr != nil {
				return r, gerr
			}
			if cur.Status != models.StatusSearching {
				return cur, nil
			}
			r = cur
			continue
		}

		observability.MatchesTotal.Inc()
		observability.MatchLatency.Observe(now.Sub(r.CreatedAt).Seconds())
		observability.RideTransitions.WithLabelValues(string(models.StatusSearching), string(models.StatusConfirmed)).Inc()
		if err := d.matcher.Forget(ctx, r.ID); err != nil {
			d.logger.Warn("forget match attempts failed", "ride_id", r.ID, "error", err)
		}
		d.logger.Info("ride confirmed", "ride_id", r.ID, "driver_id", driverID, "distance_km", cand.DistanceKm)
		d.emit(ctx, models.NewRideEvent(models.EventRideConfirmed, next, models.RoleSystem, now))
		return next, nil
	}
	return d.reload(ctx, r), nil
}

// reload returns the stored ride, or r when the read fails.
func (d *Dispatcher) reload(ctx context.Context, r *models.Ride) *models.Ride {
	cur, err := d.rides.Get(ctx, r.ID)
	if err != nil {
		d.logger.Warn("reload ride failed", "ride_id", r.ID, "error", err)
		return r
	}
	return cur
}

// abandonClaim undoes the driver claim and payment hold of a confirm that did
// not commit. A concurrent poll of the same ride may have confirmed with the
// very same driver or hold; those must survive.
func (d *Dispatcher) abandonClaim(ctx context.Context, rideID, driverID, paymentRef string) {
	cur, err := d.rides.Get(ctx, rideID)
	held := err == nil && cur.Status.Active()
	if !held || cur.DriverID != driverID {
		d.release(ctx, driverID, rideID)
	}
	if paymentRef != "" && (!held || cur.PaymentRef != paymentRef) {
		d.voidPayment(ctx, rideID, paymentRef)
	}
}

func (d *Dispatcher) release(ctx context.Context, driverID, rideID string) {
	if err := d.pool.Release(ctx, driverID, rideID); err != nil {
		d.logger.Error("release driver failed", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
}

// AdvanceStatus moves the ride one step forward on behalf of its driver.
// Repeating the current status is a no-op success, and so is any advance of
// a ride that already ended; the returned ride carries its terminal status.
func (d *Dispatcher) AdvanceStatus(ctx context.Context, rideID, driverID string, to models.RideStatus) (*models.Ride, error) {
	if to == models.StatusCancelled {
		return d.Cancel(ctx, rideID, driverID, models.RoleDriver, "")
	}
	for i := 0; i < casRetries; i++ {
		r, err := d.rides.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if r.DriverID == "" || r.DriverID != driverID {
			return nil, fmt.Errorf("%w: driver %s is not assigned to ride %s", errs.ErrForbidden, driverID, rideID)
		}

		now := d.now()
		req := lifecycle.Request{To: to, ActorRole: models.RoleDriver, ActorID: driverID, At: now}
		if to == models.StatusCompleted && r.Status == models.StatusInProgress {
			fare, err := d.fares.Finalize(ctx, r, now)
			if err != nil {
				d.logger.Warn("finalize fare failed, using estimate", "ride_id", rideID, "error", err)
			} else {
				req.FinalFare = &fare
			}
		}

		next := r.Clone()
		changed, err := lifecycle.Apply(next, req)
		if errors.Is(err, errs.ErrAlreadyTerminal) {
			// cancelled or completed underneath the driver; report where it ended
			return r, nil
		}
		if err != nil {
			return nil, err
		}
		if !changed {
			return r, nil
		}
		if err := d.rides.Update(ctx, next, r.Version); err != nil {
			if errors.Is(err, errs.ErrConflict) {
				continue
			}
			return nil, fmt.Errorf("advance ride %s: %w", rideID, err)
		}

		observability.RideTransitions.WithLabelValues(string(r.Status), string(to)).Inc()
		d.logger.Info("ride advanced", "ride_id", rideID, "driver_id", driverID, "from", r.Status, "to", to)
		if to == models.StatusCompleted {
			d.release(ctx, driverID, rideID)
			d.capturePayment(ctx, next)
			d.emit(ctx, models.NewRideEvent(models.EventRideCompleted, next, models.RoleDriver, now))
		} else {
			d.emit(ctx, models.NewRideEvent(models.EventStatusChanged, next, models.RoleDriver, now))
		}
		return next, nil
	}
	return nil, fmt.Errorf("ride %s: too much contention: %w", rideID, errs.ErrConflict)
}

// Cancel tears the ride down on behalf of a rider, its driver or the system.
func (d *Dispatcher) Cancel(ctx context.Context, rideID, actorID string, role models.ActorRole, reason string) (*models.Ride, error) {
	return d.cancels.Cancel(ctx, rideID, actorID, role, reason)
}

func (d *Dispatcher) emit(ctx context.Context, ev models.RideEvent) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, ev); err != nil {
		d.logger.Warn("ride event not fully delivered", "ride_id", ev.RideID, "event", ev.Type, "error", err)
	}
}

func (d *Dispatcher) holdPayment(ctx context.Context, r *models.Ride) string {
	if d.payments == nil {
		return ""
	}
	ref, err := d.payments.Hold(ctx, r)
	if err != nil {
		d.logger.Warn("payment hold failed", "ride_id", r.ID, "error", err)
		return ""
	}
	return ref
}

// capturePayment settles the final fare. The hold covers the estimate, so a
// trip that ran long captures the hold in full and charges the rest.
func (d *Dispatcher) capturePayment(ctx context.Context, r *models.Ride) {
	if d.payments == nil || r.PaymentRef == "" || r.FinalFare == nil {
		return
	}
	captured := *r.FinalFare
	captured.Amount = min(captured.Amount, r.FareEstimate.Amount)
	if err := d.payments.Capture(ctx, r.PaymentRef, captured); err != nil {
		d.logger.Error("payment capture failed", "ride_id", r.ID, "payment_ref", r.PaymentRef, "error", err)
		return
	}
	extra := models.Money{Amount: r.FinalFare.Amount - captured.Amount, Currency: r.FinalFare.Currency}
	if extra.Amount <= 0 {
		return
	}
	ref, err := d.payments.Charge(ctx, r, r.PaymentRef, extra)
	if err != nil {
		d.logger.Error("overage charge failed", "ride_id", r.ID, "payment_ref", r.PaymentRef, "amount", extra.String(), "error", err)
		return
	}
	d.logger.Info("overage charged", "ride_id", r.ID, "payment_ref", ref, "amount", extra.String())
}

func (d *Dispatcher) voidPayment(ctx context.Context, rideID, ref string) {
	if d.payments == nil || ref == "" {
		return
	}
	if err := d.payments.Cancel(ctx, ref); err != nil {
		d.logger.Error("payment void failed", "ride_id", rideID, "payment_ref", ref, "error", err)
	}
}
