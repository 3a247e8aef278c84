package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// SeatHoldRepo provides data access to the seat_holds table.  Rows are
// never deleted by the booking core: a released hold stays as history with
// state RELEASED.  The unique key on (trip_instance_id, seat_key,
// active_flag) only covers HELD and CONFIRMED rows because active_flag is
// NULL for released ones.  All timestamps are UTC and supplied by the
// caller so expiry decisions use a single clock.
type SeatHoldRepo struct {
	db *sql.DB
}

// NewSeatHoldRepo returns a new SeatHoldRepo bound to the provided database.
func NewSeatHoldRepo(db *sql.DB) *SeatHoldRepo { return &SeatHoldRepo{db: db} }

const holdColumns = `id, trip_instance_id, seat_key, position, booking_id, state, expires_at, created_at, released_at`

// ExpireTripTx releases every HELD row of the trip whose expires_at is at
// or before now.  It returns the number of rows released.
func (r *SeatHoldRepo) ExpireTripTx(ctx context.Context, tx *sql.Tx, tripID string, now time.Time) (int64, error) {
	const q = `UPDATE seat_holds SET state = 'RELEASED', released_at = ?
	           WHERE trip_instance_id = ? AND state = 'HELD' AND expires_at <= ?`
	res, err := tx.ExecContext(ctx, q, now.UTC(), tripID, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ActiveSeatKeysTx returns the subset of seatKeys that have a HELD or
// CONFIRMED row on the trip.  Call ExpireTripTx first in the same
// transaction so that expired holds are not reported.
func (r *SeatHoldRepo) ActiveSeatKeysTx(ctx context.Context, tx *sql.Tx, tripID string, seatKeys []string) ([]string, error) {
	if len(seatKeys) == 0 {
		return nil, nil
	}
	q := `SELECT seat_key FROM seat_holds
	      WHERE trip_instance_id = ? AND state IN ('HELD', 'CONFIRMED') AND seat_key IN (` + placeholders(len(seatKeys)) + `)`
	args := make([]interface{}, 0, len(seatKeys)+1)
	args = append(args, tripID)
	for _, k := range seatKeys {
		args = append(args, k)
	}
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// CreateHeldTx inserts HELD rows in a single statement.  A duplicate-key
// error means a concurrent writer got one of the seats first.
func (r *SeatHoldRepo) CreateHeldTx(ctx context.Context, tx *sql.Tx, holds []model.SeatHold) error {
	if len(holds) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO seat_holds (trip_instance_id, seat_key, position, booking_id, state, expires_at, created_at) VALUES `)
	args := make([]interface{}, 0, len(holds)*7)
	for i, h := range holds {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, h.TripInstanceID, h.SeatKey, h.Position, h.BookingID, string(h.State), h.ExpiresAt.UTC(), h.CreatedAt.UTC())
	}
	_, err := tx.ExecContext(ctx, b.String(), args...)
	return err
}

// ActiveByBookingForUpdateTx locks and returns the HELD and CONFIRMED rows
// of a booking ordered by position.
func (r *SeatHoldRepo) ActiveByBookingForUpdateTx(ctx context.Context, tx *sql.Tx, bookingID string) ([]model.SeatHold, error) {
	q := `SELECT ` + holdColumns + ` FROM seat_holds
	      WHERE booking_id = ? AND state IN ('HELD', 'CONFIRMED')
	      ORDER BY position, id FOR UPDATE`
	rows, err := tx.QueryContext(ctx, q, bookingID)
	if err != nil {
		return nil, err
	}
	return scanHolds(rows)
}

// ConfirmByBookingTx turns the booking's HELD rows into CONFIRMED.
func (r *SeatHoldRepo) ConfirmByBookingTx(ctx context.Context, tx *sql.Tx, bookingID string) (int64, error) {
	const q = `UPDATE seat_holds SET state = 'CONFIRMED' WHERE booking_id = ? AND state = 'HELD'`
	res, err := tx.ExecContext(ctx, q, bookingID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReleaseByBooking releases every HELD or CONFIRMED row of the booking.
// Running it again is a no-op.
func (r *SeatHoldRepo) ReleaseByBooking(ctx context.Context, bookingID string, now time.Time) (int64, error) {
	const q = `UPDATE seat_holds SET state = 'RELEASED', released_at = ?
	           WHERE booking_id = ? AND state IN ('HELD', 'CONFIRMED')`
	res, err := r.db.ExecContext(ctx, q, now.UTC(), bookingID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExpireStale releases HELD rows of every trip that expired at or before now.
func (r *SeatHoldRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	const q = `UPDATE seat_holds SET state = 'RELEASED', released_at = ?
	           WHERE state = 'HELD' AND expires_at <= ?`
	res, err := r.db.ExecContext(ctx, q, now.UTC(), now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnavailableSeatKeys lists the seats of a trip that are CONFIRMED or held
// by a hold that has not expired at now.
func (r *SeatHoldRepo) UnavailableSeatKeys(ctx context.Context, tripID string, now time.Time) ([]string, error) {
	const q = `SELECT seat_key FROM seat_holds
	           WHERE trip_instance_id = ?
	             AND (state = 'CONFIRMED' OR (state = 'HELD' AND expires_at > ?))
	           ORDER BY seat_key`
	rows, err := r.db.QueryContext(ctx, q, tripID, now.UTC())
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// ByBooking returns every hold row of a booking, released ones included.
func (r *SeatHoldRepo) ByBooking(ctx context.Context, bookingID string) ([]model.SeatHold, error) {
	q := `SELECT ` + holdColumns + ` FROM seat_holds WHERE booking_id = ? ORDER BY position, id`
	rows, err := r.db.QueryContext(ctx, q, bookingID)
	if err != nil {
		return nil, err
	}
	return scanHolds(rows)
}

// ActiveBookingIDs returns, in ascending order, up to limit booking ids
// greater than after that own a HELD or CONFIRMED row created at or before
// createdBefore.
func (r *SeatHoldRepo) ActiveBookingIDs(ctx context.Context, createdBefore time.Time, after string, limit int) ([]string, error) {
	const q = `SELECT DISTINCT booking_id FROM seat_holds
	           WHERE state IN ('HELD', 'CONFIRMED') AND created_at <= ? AND booking_id > ?
	           ORDER BY booking_id LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, createdBefore.UTC(), after, limit)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func scanHolds(rows *sql.Rows) ([]model.SeatHold, error) {
	defer rows.Close()
	var holds []model.SeatHold
	for rows.Next() {
		var (
			h        model.SeatHold
			state    string
			released sql.NullTime
		)
		if err := rows.Scan(&h.ID, &h.TripInstanceID, &h.SeatKey, &h.Position, &h.BookingID, &state, &h.ExpiresAt, &h.CreatedAt, &released); err != nil {
			return nil, err
		}
		h.State = model.HoldState(state)
		if released.Valid {
			t := released.Time
			h.ReleasedAt = &t
		}
		holds = append(holds, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return holds, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// placeholders returns "?, ?, ?" with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
