package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// CancellationHandler tears down a ride whichever side asks and whatever
// status advance is racing it. Only the writer whose cancelled transition
// commits performs side effects, so retries are free.
type CancellationHandler struct {
	d *Dispatcher
}

func (h *CancellationHandler) Cancel(ctx context.Context, rideID, actorID string, role models.ActorRole, reason string) (*models.Ride, error) {
	d := h.d
	for i := 0; i < casRetries; i++ {
		r, err := d.rides.Get(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if err := authorizeCancel(r, actorID, role); err != nil {
			return nil, err
		}
		if r.Status.Terminal() {
			return r, nil
		}

		now := d.now()
		next := r.Clone()
		_, err = lifecycle.Apply(next, lifecycle.Request{
			To:        models.StatusCancelled,
			ActorRole: role,
			ActorID:   actorID,
			At:        now,
			Reason:    reason,
		})
		if errors.Is(err, errs.ErrAlreadyTerminal) {
			return r, nil
		}
		if err != nil {
			return nil, err
		}
		if err := d.rides.Update(ctx, next, r.Version); err != nil {
			if errors.Is(err, errs.ErrConflict) {
				continue
			}
			return nil, fmt.Errorf("cancel ride %s: %w", rideID, err)
		}

		observability.Cancellations.WithLabelValues(string(role)).Inc()
		observability.RideTransitions.WithLabelValues(string(r.Status), string(models.StatusCancelled)).Inc()
		d.logger.Info("ride cancelled", "ride_id", rideID, "from", r.Status, "actor_role", role, "actor_id", actorID)

		// a searching ride never had a driver, so the pool is not touched
		if r.DriverID != "" {
			d.release(ctx, r.DriverID, rideID)
		}
		d.voidPayment(ctx, rideID, r.PaymentRef)
		if err := d.matcher.Forget(ctx, rideID); err != nil {
			d.logger.Warn("forget match attempts failed", "ride_id", rideID, "error", err)
		}
		d.emit(ctx, models.NewRideEvent(models.EventRideCancelled, next, role, now))
		return next, nil
	}
	return nil, fmt.Errorf("ride %s: too much contention: %w", rideID, errs.ErrConflict)
}

func authorizeCancel(r *models.Ride, actorID string, role models.ActorRole) error {
	switch role {
	case models.RoleSystem:
		return nil
	case models.RoleRider:
		if actorID != "" && actorID == r.RiderID {
			return nil
		}
	case models.RoleDriver:
		if actorID != "" && actorID == r.DriverID {
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown actor role %q", errs.ErrInvalidArgument, role)
	}
	return fmt.Errorf("%w: %s %s may not cancel ride %s", errs.ErrForbidden, role, actorID, r.ID)
}
