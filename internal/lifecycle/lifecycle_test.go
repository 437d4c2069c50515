package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to models.RideStatus
		want     bool
	}{
		{models.StatusSearching, models.StatusConfirmed, true},
		{models.StatusConfirmed, models.StatusArriving, true},
		{models.StatusArriving, models.StatusArrived, true},
		{models.StatusArrived, models.StatusInProgress, true},
		{models.StatusInProgress, models.StatusCompleted, true},
		{models.StatusSearching, models.StatusCancelled, true},
		{models.StatusConfirmed, models.StatusCancelled, true},
		{models.StatusArriving, models.StatusCancelled, true},
		{models.StatusArrived, models.StatusCancelled, true},
		// skips
		{models.StatusConfirmed, models.StatusInProgress, false},
		{models.StatusSearching, models.StatusArriving, false},
		{models.StatusArriving, models.StatusCompleted, false},
		// backwards
		{models.StatusArrived, models.StatusArriving, false},
		{models.StatusConfirmed, models.StatusSearching, false},
		// no way out of a trip except completion
		{models.StatusInProgress, models.StatusCancelled, false},
		// terminal
		{models.StatusCompleted, models.StatusCancelled, false},
		{models.StatusCancelled, models.StatusSearching, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestNext(t *testing.T) {
	cases := map[models.RideStatus]models.RideStatus{
		models.StatusConfirmed:  models.StatusArriving,
		models.StatusArriving:   models.StatusArrived,
		models.StatusArrived:    models.StatusInProgress,
		models.StatusInProgress: models.StatusCompleted,
	}
	for from, want := range cases {
		got, ok := Next(from)
		if !ok || got != want {
			t.Errorf("Next(%s) = %s,%v want %s", from, got, ok, want)
		}
	}
	for _, s := range []models.RideStatus{models.StatusSearching, models.StatusCompleted, models.StatusCancelled} {
		if _, ok := Next(s); ok {
			t.Errorf("Next(%s) should have no driver successor", s)
		}
	}
}

func newRide() *models.Ride {
	return &models.Ride{
		ID:           "r1",
		RiderID:      "rider1",
		Status:       models.StatusSearching,
		VehicleType:  models.VehicleStandard,
		FareEstimate: models.Money{Amount: 1250, Currency: "USD"},
		CreatedAt:    time.Now().UTC(),
	}
}

func TestApply_FullLifecycleStampsTimesAndFinalizesOnce(t *testing.T) {
	r := newRide()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	steps := []Request{
		{To: models.StatusConfirmed, ActorRole: models.RoleSystem, At: base},
		{To: models.StatusArriving, ActorRole: models.RoleDriver, ActorID: "d1", At: base.Add(time.Minute)},
		{To: models.StatusArrived, ActorRole: models.RoleDriver, ActorID: "d1", At: base.Add(5 * time.Minute)},
		{To: models.StatusInProgress, ActorRole: models.RoleDriver, ActorID: "d1", At: base.Add(6 * time.Minute)},
		{To: models.StatusCompleted, ActorRole: models.RoleDriver, ActorID: "d1", At: base.Add(20 * time.Minute),
			FinalFare: &models.Money{Amount: 1400, Currency: "USD"}},
	}
	for _, s := range steps {
		changed, err := Apply(r, s)
		require.NoError(t, err, "to %s", s.To)
		require.True(t, changed)
	}

	assert.Equal(t, models.StatusCompleted, r.Status)
	require.NotNil(t, r.MatchedAt)
	require.NotNil(t, r.CompletedAt)
	assert.True(t, r.MatchedAt.Before(*r.CompletedAt))
	assert.NotNil(t, r.ArrivingAt)
	assert.NotNil(t, r.ArrivedAt)
	assert.NotNil(t, r.StartedAt)
	assert.True(t, r.FareFinalized)
	assert.Equal(t, int64(1400), r.FinalFare.Amount)
	assert.Len(t, r.Transitions, 5)

	// replaying completion is a no-op and does not touch the fare
	changed, err := Apply(r, Request{To: models.StatusCompleted, ActorRole: models.RoleDriver,
		FinalFare: &models.Money{Amount: 9999, Currency: "USD"}})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(1400), r.FinalFare.Amount)
	assert.Len(t, r.Transitions, 5)
}

func TestApply_RejectsSkip(t *testing.T) {
	r := newRide()
	_, err := Apply(r, Request{To: models.StatusConfirmed, ActorRole: models.RoleSystem})
	require.NoError(t, err)

	_, err = Apply(r, Request{To: models.StatusInProgress, ActorRole: models.RoleDriver})
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition), "got %v", err)
	assert.Equal(t, models.StatusConfirmed, r.Status)
}

func TestApply_InProgressCannotBeCancelled(t *testing.T) {
	r := newRide()
	r.Status = models.StatusInProgress
	r.DriverID = "d1"
	_, err := Apply(r, Request{To: models.StatusCancelled, ActorRole: models.RoleRider})
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
	assert.Equal(t, models.StatusInProgress, r.Status)
	assert.Nil(t, r.CancelledAt)
}

func TestApply_RoleGuard(t *testing.T) {
	r := newRide()
	// only the system confirms a ride
	_, err := Apply(r, Request{To: models.StatusConfirmed, ActorRole: models.RoleDriver})
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	// a searching ride has no driver to cancel it
	_, err = Apply(r, Request{To: models.StatusCancelled, ActorRole: models.RoleDriver})
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestApply_CancelIsIdempotentAndTerminalIsSticky(t *testing.T) {
	r := newRide()
	changed, err := Apply(r, Request{To: models.StatusCancelled, ActorRole: models.RoleRider, Reason: "changed plans"})
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, models.RoleRider, r.CancelledBy)
	assert.Equal(t, "changed plans", r.CancelReason)
	require.NotNil(t, r.FinalFare)
	assert.Equal(t, int64(0), r.FinalFare.Amount)
	assert.Equal(t, "USD", r.FinalFare.Currency)
	at := *r.CancelledAt

	changed, err = Apply(r, Request{To: models.StatusCancelled, ActorRole: models.RoleRider})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, at, *r.CancelledAt)

	_, err = Apply(r, Request{To: models.StatusConfirmed, ActorRole: models.RoleSystem})
	assert.ErrorIs(t, err, errs.ErrAlreadyTerminal)
}

func TestApply_UnknownStatus(t *testing.T) {
	r := newRide()
	_, err := Apply(r, Request{To: "teleported", ActorRole: models.RoleSystem})
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}
