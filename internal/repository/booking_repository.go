package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// BookingRepo persists bookings.  The seat list of a booking is not
// stored on the booking row: it is read back from seat_holds ordered by
// position, so the holds are the single source of truth for seats.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

const bookingColumns = `id, user_id, vendor_id, vehicle_id, trip_instance_id, service_date,
	boarding_point_id, dropping_point_id, total_cents, discount_cents, final_cents, currency,
	payment_method, status, payment_status, payment_intent_ref, hold_expires_at,
	cancellation_reason, cancellation_charge_cents, refund_cents, created_at, updated_at`

// Insert stores a new booking.  A duplicate id yields ErrConflict.
func (r *BookingRepo) Insert(ctx context.Context, b *model.Booking) error {
	const q = `INSERT INTO bookings (id, user_id, vendor_id, vehicle_id, trip_instance_id, service_date,
	               boarding_point_id, dropping_point_id, total_cents, discount_cents, final_cents, currency,
	               payment_method, status, payment_status, payment_intent_ref, hold_expires_at,
	               cancellation_reason, cancellation_charge_cents, refund_cents, created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q,
		b.ID, b.UserID, b.VendorID, b.VehicleID, b.TripInstanceID, b.ServiceDate.Format(model.DateLayout),
		b.BoardingPointID, b.DroppingPointID, b.Amounts.TotalCents, b.Amounts.DiscountCents, b.Amounts.FinalCents, b.Currency,
		string(b.PaymentMethod), string(b.Status), string(b.PaymentStatus), nullString(b.PaymentIntentRef), b.HoldExpiresAt.UTC(),
		nullString(b.CancellationReason), b.CancellationChargeCents, b.RefundCents, b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	)
	if err != nil {
		if IsDuplicate(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// Get loads a booking and its seat keys.  It returns ErrNotFound when the
// booking does not exist.
func (r *BookingRepo) Get(ctx context.Context, id string) (*model.Booking, error) {
	return r.getOne(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
}

// GetByPaymentRef loads the booking bound to a payment intent.
func (r *BookingRepo) GetByPaymentRef(ctx context.Context, ref string) (*model.Booking, error) {
	return r.getOne(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE payment_intent_ref = ? LIMIT 1`, ref)
}

func (r *BookingRepo) getOne(ctx context.Context, q string, arg interface{}) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	keys, err := r.seatKeys(ctx, []string{b.ID})
	if err != nil {
		return nil, err
	}
	b.SeatKeys = keys[b.ID]
	return b, nil
}

// Update writes the mutable fields of b if the stored status is one of
// from.  It returns ErrStaleState when the status moved on, which callers
// treat as losing a race.  With no from statuses the update is
// unconditional.
func (r *BookingRepo) Update(ctx context.Context, b *model.Booking, from ...model.BookingStatus) error {
	q := `UPDATE bookings
	      SET status = ?, payment_status = ?, payment_intent_ref = ?, hold_expires_at = ?,
	          cancellation_reason = ?, cancellation_charge_cents = ?, refund_cents = ?, updated_at = ?
	      WHERE id = ?`
	args := []interface{}{
		string(b.Status), string(b.PaymentStatus), nullString(b.PaymentIntentRef), b.HoldExpiresAt.UTC(),
		nullString(b.CancellationReason), b.CancellationChargeCents, b.RefundCents, b.UpdatedAt.UTC(),
		b.ID,
	}
	if len(from) > 0 {
		q += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, s := range from {
			args = append(args, string(s))
		}
	}
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := r.db.QueryRowContext(ctx, `SELECT 1 FROM bookings WHERE id = ?`, b.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrStaleState
	}
	return nil
}

// Delete removes a booking row.  Seat holds are kept as history; callers
// must release them first.
func (r *BookingRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bookings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns one page of bookings matching f, newest first, and the
// total number of matches.
func (r *BookingRepo) List(ctx context.Context, f model.BookingFilter) ([]model.Booking, int, error) {
	where := make([]string, 0, 6)
	args := make([]interface{}, 0, 8)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.VendorID != "" {
		where = append(where, "vendor_id = ?")
		args = append(args, f.VendorID)
	}
	if f.VehicleID != "" {
		where = append(where, "vehicle_id = ?")
		args = append(args, f.VehicleID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.From != nil {
		where = append(where, "service_date >= ?")
		args = append(args, f.From.Format(model.DateLayout))
	}
	if f.To != nil {
		where = append(where, "service_date <= ?")
		args = append(args, f.To.Format(model.DateLayout))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings`+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 10
	}
	pageArgs := append(append([]interface{}{}, args...), limit, f.Offset)
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings`+cond+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Booking
	ids := make([]string, 0, limit)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *b)
		ids = append(ids, b.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	keys, err := r.seatKeys(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		out[i].SeatKeys = keys[out[i].ID]
	}
	return out, total, nil
}

// ListExpiredUnpaid returns ids of bookings still waiting for payment
// whose hold deadline is at or before now.
func (r *BookingRepo) ListExpiredUnpaid(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id FROM bookings
	           WHERE status IN ('CREATED', 'PENDING', 'AWAITING_PAYMENT', 'PROCESSING') AND hold_expires_at <= ?
	           ORDER BY hold_expires_at LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// seatKeys loads the ordered seat keys of the given bookings.
func (r *BookingRepo) seatKeys(ctx context.Context, bookingIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(bookingIDs))
	if len(bookingIDs) == 0 {
		return out, nil
	}
	q := `SELECT booking_id, seat_key FROM seat_holds
	      WHERE booking_id IN (` + placeholders(len(bookingIDs)) + `)
	      ORDER BY booking_id, position, id`
	args := make([]interface{}, 0, len(bookingIDs))
	for _, id := range bookingIDs {
		args = append(args, id)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seen := make(map[string]map[string]bool, len(bookingIDs))
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, err
		}
		if seen[id] == nil {
			seen[id] = map[string]bool{}
		}
		if seen[id][key] {
			continue
		}
		seen[id][key] = true
		out[id] = append(out[id], key)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var (
		b                     model.Booking
		serviceDate           time.Time
		method, status, payst string
		intentRef, reason     sql.NullString
	)
	err := row.Scan(
		&b.ID, &b.UserID, &b.VendorID, &b.VehicleID, &b.TripInstanceID, &serviceDate,
		&b.BoardingPointID, &b.DroppingPointID, &b.Amounts.TotalCents, &b.Amounts.DiscountCents, &b.Amounts.FinalCents, &b.Currency,
		&method, &status, &payst, &intentRef, &b.HoldExpiresAt,
		&reason, &b.CancellationChargeCents, &b.RefundCents, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	b.ServiceDate = model.NewTripInstance(b.VehicleID, serviceDate).ServiceDate
	b.PaymentMethod = model.PaymentMethod(method)
	b.Status = model.BookingStatus(status)
	b.PaymentStatus = model.PaymentStatus(payst)
	b.PaymentIntentRef = intentRef.String
	b.CancellationReason = reason.String
	return &b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
