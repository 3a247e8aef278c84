package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// LayoutRepo reads vehicles and their bus layouts.  Both tables belong
// to the admin CRUD surface; this repository never writes them.
type LayoutRepo struct {
	db *sql.DB
}

// NewLayoutRepo constructs a LayoutRepo with the given DB handle.
func NewLayoutRepo(db *sql.DB) *LayoutRepo { return &LayoutRepo{db: db} }

// GetByVehicle returns the layout assigned to a vehicle.  It returns
// ErrVehicleNotFound for an unknown vehicle and ErrLayoutNotFound when the
// vehicle has no layout or the layout is inactive.
func (r *LayoutRepo) GetByVehicle(ctx context.Context, vehicleID string) (*model.Layout, error) {
	const q = `SELECT v.id, v.vendor_id, l.id, l.layout_name, l.sleeper_price_cents, l.seater_price_cents,
	                  l.is_active, l.layout_json, l.updated_at
	           FROM vehicles v
	           LEFT JOIN bus_layouts l ON l.id = v.layout_id
	           WHERE v.id = ?`
	var (
		l        model.Layout
		layoutID sql.NullString
		name     sql.NullString
		sleeper  sql.NullInt64
		seater   sql.NullInt64
		active   sql.NullBool
		doc      []byte
		updated  sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, vehicleID).Scan(
		&l.VehicleID, &l.VendorID, &layoutID, &name, &sleeper, &seater, &active, &doc, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrVehicleNotFound
		}
		return nil, err
	}
	if !layoutID.Valid || !active.Valid || !active.Bool {
		return nil, ErrLayoutNotFound
	}
	l.ID = layoutID.String
	l.Name = name.String
	l.SleeperPriceCents = sleeper.Int64
	l.SeaterPriceCents = seater.Int64
	l.IsActive = active.Bool
	l.LayoutJSON = doc
	l.UpdatedAt = updated.Time
	return &l, nil
}
