package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

// SQLLedger stores holds in MySQL.  TryHold serialises on the trip's row
// in trip_instances; the unique key over (trip_instance_id, seat_key,
// active_flag) on seat_holds rejects whatever slips past that lock.
type SQLLedger struct {
	db    *sql.DB
	trips *repository.TripRepo
	holds *repository.SeatHoldRepo
	opts  options
}

// NewSQLLedger builds a ledger over db.
func NewSQLLedger(db *sql.DB, opts ...Option) *SQLLedger {
	return &SQLLedger{
		db:    db,
		trips: repository.NewTripRepo(db),
		holds: repository.NewSeatHoldRepo(db),
		opts:  buildOptions(opts),
	}
}

func (l *SQLLedger) TryHold(ctx context.Context, trip model.TripInstance, seatKeys []string, bookingID string, ttl time.Duration) ([]model.SeatHold, error) {
	if err := checkRequest(seatKeys, bookingID); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var lastErr error
	for attempt := 0; attempt < l.opts.maxAttempts; attempt++ {
		holds, err := l.tryHoldOnce(ctx, trip, seatKeys, bookingID, ttl)
		if err == nil {
			return holds, nil
		}
		if !repository.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	// Out of attempts: a conflict only if a requested seat is taken now.
	taken, err := l.holds.UnavailableSeatKeys(ctx, trip.ID(), l.opts.now())
	if err != nil {
		return nil, fmt.Errorf("ledger: hold after %v: %w", lastErr, err)
	}
	if seats := contested(seatKeys, taken); len(seats) > 0 {
		return nil, &ConflictError{TripInstanceID: trip.ID(), Seats: seats}
	}
	return nil, fmt.Errorf("ledger: hold on %s: %w", trip.ID(), lastErr)
}

func (l *SQLLedger) tryHoldOnce(ctx context.Context, trip model.TripInstance, seatKeys []string, bookingID string, ttl time.Duration) ([]model.SeatHold, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	tripID := trip.ID()
	if err := l.trips.EnsureTx(ctx, tx, trip); err != nil {
		return nil, err
	}
	if err := l.trips.LockTx(ctx, tx, tripID); err != nil {
		return nil, err
	}

	now := l.opts.now().UTC()
	if _, err := l.holds.ExpireTripTx(ctx, tx, tripID, now); err != nil {
		return nil, err
	}
	taken, err := l.holds.ActiveSeatKeysTx(ctx, tx, tripID, seatKeys)
	if err != nil {
		return nil, err
	}
	if len(taken) > 0 {
		return nil, &ConflictError{TripInstanceID: tripID, Seats: contested(seatKeys, taken)}
	}

	holds := make([]model.SeatHold, len(seatKeys))
	for i, k := range seatKeys {
		holds[i] = model.SeatHold{
			TripInstanceID: tripID,
			SeatKey:        k,
			Position:       i,
			BookingID:      bookingID,
			State:          model.HoldHeld,
			ExpiresAt:      now.Add(ttl),
			CreatedAt:      now,
		}
	}
	if err := l.holds.CreateHeldTx(ctx, tx, holds); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return holds, nil
}

func (l *SQLLedger) Confirm(ctx context.Context, bookingID string) error {
	var lastErr error
	for attempt := 0; attempt < l.opts.maxAttempts; attempt++ {
		err := l.confirmOnce(ctx, bookingID)
		if err == nil || !repository.IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("ledger: confirm %s: %w", bookingID, lastErr)
}

func (l *SQLLedger) confirmOnce(ctx context.Context, bookingID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := l.holds.ActiveByBookingForUpdateTx(ctx, tx, bookingID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrInvalidState
	}
	now := l.opts.now().UTC()
	for _, h := range rows {
		if h.State != model.HoldHeld || !h.ExpiresAt.After(now) {
			return ErrInvalidState
		}
	}
	n, err := l.holds.ConfirmByBookingTx(ctx, tx, bookingID)
	if err != nil {
		return err
	}
	if int(n) != len(rows) {
		return ErrInvalidState
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (l *SQLLedger) Release(ctx context.Context, bookingID string) error {
	if _, err := l.holds.ReleaseByBooking(ctx, bookingID, l.opts.now()); err != nil {
		return fmt.Errorf("ledger: release %s: %w", bookingID, err)
	}
	return nil
}

func (l *SQLLedger) ExpireStaleHolds(ctx context.Context, now time.Time) (int, error) {
	n, err := l.holds.ExpireStale(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("ledger: expire: %w", err)
	}
	return int(n), nil
}

func (l *SQLLedger) Unavailable(ctx context.Context, trip model.TripInstance, now time.Time) ([]string, error) {
	keys, err := l.holds.UnavailableSeatKeys(ctx, trip.ID(), now)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

func (l *SQLLedger) Holds(ctx context.Context, bookingID string) ([]model.SeatHold, error) {
	holds, err := l.holds.ByBooking(ctx, bookingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return holds, nil
}

func (l *SQLLedger) ActiveBookings(ctx context.Context, createdBefore time.Time, after string, limit int) ([]string, error) {
	ids, err := l.holds.ActiveBookingIDs(ctx, createdBefore, after, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: active bookings: %w", err)
	}
	return ids, nil
}
