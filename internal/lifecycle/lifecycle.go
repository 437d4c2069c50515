// Package lifecycle is the ride state machine. It owns the legal transition
// table, stamps transition timestamps, and finalizes the fare exactly once on
// entry to a terminal state. It never touches storage; callers apply it to a
// cloned ride and persist the result with a compare-and-set write.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// edge is one legal transition together with the roles allowed to drive it.
type edge struct {
	from  models.RideStatus
	to    models.RideStatus
	roles []models.ActorRole
}

var (
	rider  = models.RoleRider
	driver = models.RoleDriver
	system = models.RoleSystem
)

var transitionsTable = []edge{
	{models.StatusSearching, models.StatusConfirmed, []models.ActorRole{system}},
	{models.StatusSearching, models.StatusCancelled, []models.ActorRole{rider, system}},

	{models.StatusConfirmed, models.StatusArriving, []models.ActorRole{driver}},
	{models.StatusArriving, models.StatusArrived, []models.ActorRole{driver}},
	{models.StatusArrived, models.StatusInProgress, []models.ActorRole{driver}},
	{models.StatusInProgress, models.StatusCompleted, []models.ActorRole{driver}},

	{models.StatusConfirmed, models.StatusCancelled, []models.ActorRole{rider, driver, system}},
	{models.StatusArriving, models.StatusCancelled, []models.ActorRole{rider, driver, system}},
	{models.StatusArrived, models.StatusCancelled, []models.ActorRole{rider, driver, system}},
}

// CanTransition reports whether from→to is an edge of the table, regardless
// of actor.
func CanTransition(from, to models.RideStatus) bool {
	_, ok := lookup(from, to)
	return ok
}

// Next returns the single forward status a driver may move the ride to, or
// false when the ride has no driver-driven successor.
func Next(from models.RideStatus) (models.RideStatus, bool) {
	for _, e := range transitionsTable {
		if e.from == from && e.to != models.StatusCancelled && allows(e, driver) {
			return e.to, true
		}
	}
	return "", false
}

func lookup(from, to models.RideStatus) (edge, bool) {
	for _, e := range transitionsTable {
		if e.from == from && e.to == to {
			return e, true
		}
	}
	return edge{}, false
}

func allows(e edge, role models.ActorRole) bool {
	for _, r := range e.roles {
		if r == role {
			return true
		}
	}
	return false
}

// Request describes one requested status change.
type Request struct {
	To        models.RideStatus
	ActorRole models.ActorRole
	ActorID   string
	At        time.Time
	// FinalFare is recorded on entry to completed or cancelled. A nil fare on
	// completion falls back to the estimate; on cancellation to zero.
	FinalFare *models.Money
	Reason    string
}

// Apply mutates r according to req. It returns changed=false with a nil error
// when the ride is already in req.To, so client retries are harmless.
func Apply(r *models.Ride, req Request) (changed bool, err error) {
	if !req.To.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", errs.ErrInvalidTransition, req.To)
	}
	if r.Status == req.To {
		return false, nil
	}
	if r.Status.Terminal() {
		return false, fmt.Errorf("%w: ride %s is %s", errs.ErrAlreadyTerminal, r.ID, r.Status)
	}
	e, ok := lookup(r.Status, req.To)
	if !ok {
		return false, fmt.Errorf("%w: %s -> %s", errs.ErrInvalidTransition, r.Status, req.To)
	}
	if !allows(e, req.ActorRole) {
		return false, fmt.Errorf("%w: %s may not move ride %s -> %s", errs.ErrInvalidTransition, req.ActorRole, r.Status, req.To)
	}

	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	switch req.To {
	case models.StatusConfirmed:
		stamp(&r.MatchedAt, at)
	case models.StatusArriving:
		stamp(&r.ArrivingAt, at)
	case models.StatusArrived:
		stamp(&r.ArrivedAt, at)
	case models.StatusInProgress:
		stamp(&r.StartedAt, at)
	case models.StatusCompleted:
		stamp(&r.CompletedAt, at)
		finalize(r, req.FinalFare, r.FareEstimate)
	case models.StatusCancelled:
		stamp(&r.CancelledAt, at)
		r.CancelledBy = req.ActorRole
		r.CancelReason = req.Reason
		finalize(r, req.FinalFare, models.Money{Currency: r.FareEstimate.Currency})
	}

	r.Transitions = append(r.Transitions, models.Transition{
		From:      r.Status,
		To:        req.To,
		ActorRole: req.ActorRole,
		ActorID:   req.ActorID,
		At:        at,
	})
	r.Status = req.To
	return true, nil
}

func stamp(field **time.Time, at time.Time) {
	if *field != nil {
		return
	}
	t := at
	*field = &t
}

func finalize(r *models.Ride, fare *models.Money, fallback models.Money) {
	if r.FareFinalized {
		return
	}
	f := fallback
	if fare != nil {
		f = *fare
	}
	r.FinalFare = &f
	r.FareFinalized = true
}
