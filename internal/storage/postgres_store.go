package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. Every file is
// written to be re-runnable.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		stmt, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(stmt)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

const rideColumns = `id, rider_id, driver_id, pickup, dropoff, vehicle_type, status, version,
	fare_amount, fare_currency, final_fare_amount, final_fare_currency, fare_finalized, payment_ref,
	created_at, matched_at, arriving_at, arrived_at, started_at, completed_at, cancelled_at,
	cancelled_by, cancel_reason, transitions`

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.RiderID, nullString(r.DriverID), row.pickup, row.dropoff, string(r.VehicleType), string(r.Status), r.Version,
		r.FareEstimate.Amount, r.FareEstimate.Currency, row.finalAmount, row.finalCurrency, r.FareFinalized, nullString(r.PaymentRef),
		r.CreatedAt, nullTime(r.MatchedAt), nullTime(r.ArrivingAt), nullTime(r.ArrivedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt), nullTime(r.CancelledAt),
		nullString(string(r.CancelledBy)), nullString(r.CancelReason), row.transitions,
	)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("ride %s exists: %w", r.ID, errs.ErrConflict)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	var (
		r                                 models.Ride
		driverID, paymentRef, cancelledBy sql.NullString
		cancelReason, finalCurrency       sql.NullString
		finalAmount                       sql.NullInt64
		pickup, dropoff, transitions      []byte
		vehicleType, status               string
		matched, arriving, arrived        sql.NullTime
		started, completed, cancelled     sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id).Scan(
		&r.ID, &r.RiderID, &driverID, &pickup, &dropoff, &vehicleType, &status, &r.Version,
		&r.FareEstimate.Amount, &r.FareEstimate.Currency, &finalAmount, &finalCurrency, &r.FareFinalized, &paymentRef,
		&r.CreatedAt, &matched, &arriving, &arrived, &started, &completed, &cancelled,
		&cancelledBy, &cancelReason, &transitions,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ride %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select ride %s: %w", id, err)
	}
	if err := json.Unmarshal(pickup, &r.Pickup); err != nil {
		return nil, fmt.Errorf("decode pickup of ride %s: %w", id, err)
	}
	if err := json.Unmarshal(dropoff, &r.Dropoff); err != nil {
		return nil, fmt.Errorf("decode dropoff of ride %s: %w", id, err)
	}
	if err := json.Unmarshal(transitions, &r.Transitions); err != nil {
		return nil, fmt.Errorf("decode transitions of ride %s: %w", id, err)
	}
	r.DriverID = driverID.String
	r.PaymentRef = paymentRef.String
	r.CancelledBy = models.ActorRole(cancelledBy.String)
	r.CancelReason = cancelReason.String
	r.VehicleType = models.VehicleType(vehicleType)
	r.Status = models.RideStatus(status)
	if finalAmount.Valid {
		r.FinalFare = &models.Money{Amount: finalAmount.Int64, Currency: finalCurrency.String}
	}
	r.MatchedAt = timePtr(matched)
	r.ArrivingAt = timePtr(arriving)
	r.ArrivedAt = timePtr(arrived)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.CancelledAt = timePtr(cancelled)
	return &r, nil
}

func (p *PostgresStore) Update(ctx context.Context, r *models.Ride, expectedVersion int64) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
		driver_id=$3, status=$4, version=$5, final_fare_amount=$6, final_fare_currency=$7, fare_finalized=$8,
		payment_ref=$9, matched_at=$10, arriving_at=$11, arrived_at=$12, started_at=$13, completed_at=$14,
		cancelled_at=$15, cancelled_by=$16, cancel_reason=$17, transitions=$18
		WHERE id=$1 AND version=$2`,
		r.ID, expectedVersion,
		nullString(r.DriverID), string(r.Status), expectedVersion+1, row.finalAmount, row.finalCurrency, r.FareFinalized,
		nullString(r.PaymentRef), nullTime(r.MatchedAt), nullTime(r.ArrivingAt), nullTime(r.ArrivedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt),
		nullTime(r.CancelledAt), nullString(string(r.CancelledBy)), nullString(r.CancelReason), row.transitions,
	)
	if err != nil {
		return fmt.Errorf("update ride %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update ride %s: %w", r.ID, err)
	}
	if n == 0 {
		var cur int64
		err := p.db.QueryRowContext(ctx, `SELECT version FROM rides WHERE id=$1`, r.ID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("ride %s: %w", r.ID, errs.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update ride %s: %w", r.ID, err)
		}
		return fmt.Errorf("ride %s at version %d, expected %d: %w", r.ID, cur, expectedVersion, errs.ErrConflict)
	}
	r.Version = expectedVersion + 1
	return nil
}

type rideRow struct {
	pickup, dropoff, transitions string
	finalAmount                  sql.NullInt64
	finalCurrency                sql.NullString
}

func toRow(r *models.Ride) (rideRow, error) {
	var row rideRow
	pu, err := json.Marshal(r.Pickup)
	if err != nil {
		return row, err
	}
	do, err := json.Marshal(r.Dropoff)
	if err != nil {
		return row, err
	}
	tr := r.Transitions
	if tr == nil {
		tr = []models.Transition{}
	}
	tb, err := json.Marshal(tr)
	if err != nil {
		return row, err
	}
	row.pickup, row.dropoff, row.transitions = string(pu), string(do), string(tb)
	if r.FinalFare != nil {
		row.finalAmount = sql.NullInt64{Int64: r.FinalFare.Amount, Valid: true}
		row.finalCurrency = sql.NullString{String: r.FinalFare.Currency, Valid: true}
	}
	return row, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
