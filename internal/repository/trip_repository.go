package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// TripRepo persists trip instances.  A trip row exists only to give the
// ledger a per-trip row to lock; it has no lifecycle of its own.
type TripRepo struct {
	db *sql.DB
}

// NewTripRepo constructs a TripRepo with the given DB handle.
func NewTripRepo(db *sql.DB) *TripRepo { return &TripRepo{db: db} }

// DB exposes the underlying sql.DB so callers can begin transactions
// spanning multiple repositories.
func (r *TripRepo) DB() *sql.DB { return r.db }

// EnsureTx creates the trip_instances row if it does not exist yet.
func (r *TripRepo) EnsureTx(ctx context.Context, tx *sql.Tx, trip model.TripInstance) error {
	const q = `INSERT IGNORE INTO trip_instances (id, vehicle_id, service_date) VALUES (?, ?, ?)`
	_, err := tx.ExecContext(ctx, q, trip.ID(), trip.VehicleID, trip.Date())
	return err
}

// LockTx takes an exclusive row lock on the trip until tx ends.  Every
// hold attempt on the same trip serialises here; other trips are not
// affected.
func (r *TripRepo) LockTx(ctx context.Context, tx *sql.Tx, tripID string) error {
	const q = `SELECT id FROM trip_instances WHERE id = ? FOR UPDATE`
	var id string
	if err := tx.QueryRowContext(ctx, q, tripID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
