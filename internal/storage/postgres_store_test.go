package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

var columnNames = []string{
	"id", "rider_id", "driver_id", "pickup", "dropoff", "vehicle_type", "status", "version",
	"fare_amount", "fare_currency", "final_fare_amount", "final_fare_currency", "fare_finalized", "payment_ref",
	"created_at", "matched_at", "arriving_at", "arrived_at", "started_at", "completed_at", "cancelled_at",
	"cancelled_by", "cancel_reason", "transitions",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresCreate(t *testing.T) {
	s, mock := newMockStore(t)
	r := newRide("r1")

	mock.ExpectExec("INSERT INTO rides").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Create(context.Background(), r))

	mock.ExpectExec("INSERT INTO rides").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.Create(context.Background(), r), errs.ErrConflict)
}

func TestPostgresGet(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	matched := created.Add(30 * time.Second)

	rows := sqlmock.NewRows(columnNames).AddRow(
		"r1", "rider-1", "d1", []byte(`{"address":"MG Road","coord":{"lat":12.97,"lng":77.59}}`), []byte(`{"address":"Airport"}`),
		"standard", "confirmed", int64(1),
		int64(25000), "INR", nil, nil, false, "pi_123",
		created, matched, nil, nil, nil, nil, nil,
		nil, nil, []byte(`[{"from":"searching","to":"confirmed","actor_role":"system","at":"2024-05-01T09:00:30Z"}]`),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id=$1")).WithArgs("r1").WillReturnRows(rows)

	r, err := s.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, r.Status)
	assert.Equal(t, "d1", r.DriverID)
	assert.Equal(t, "pi_123", r.PaymentRef)
	require.NotNil(t, r.Pickup.Coord)
	assert.Equal(t, 77.59, r.Pickup.Coord.Lon)
	assert.Nil(t, r.Dropoff.Coord)
	require.NotNil(t, r.MatchedAt)
	assert.True(t, matched.Equal(*r.MatchedAt))
	assert.Nil(t, r.CompletedAt)
	assert.Nil(t, r.FinalFare)
	require.Len(t, r.Transitions, 1)
	assert.Equal(t, models.StatusConfirmed, r.Transitions[0].To)
}

func TestPostgresGetNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id=$1")).WithArgs("nope").WillReturnRows(sqlmock.NewRows(columnNames))
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPostgresUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	r := newRide("r1")
	r.Version = 3
	r.Status = models.StatusCompleted
	r.FinalFare = &models.Money{Amount: 27000, Currency: "INR"}

	mock.ExpectExec(regexp.QuoteMeta("WHERE id=$1 AND version=$2")).
		WithArgs("r1", int64(3), sqlmock.AnyArg(), "completed", int64(4),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Update(context.Background(), r, 3))
	assert.Equal(t, int64(4), r.Version)
}

func TestPostgresUpdateLostRace(t *testing.T) {
	s, mock := newMockStore(t)
	r := newRide("r1")

	mock.ExpectExec("UPDATE rides SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM rides")).WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))
	assert.ErrorIs(t, s.Update(context.Background(), r, 4), errs.ErrConflict)
	assert.Equal(t, int64(0), r.Version)

	mock.ExpectExec("UPDATE rides SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM rides")).WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	assert.ErrorIs(t, s.Update(context.Background(), r, 4), errs.ErrNotFound)
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS rides").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.Migrate(context.Background()))
}
