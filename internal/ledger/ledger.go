// Package ledger keeps the seat holds of every trip instance.  It is the
// only place that decides whether a seat may be taken: a seat of a trip
// has at most one HELD or CONFIRMED hold at any moment, and a multi-seat
// request either gets every seat or none of them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

var (
	// ErrConflict is matched by *ConflictError.
	ErrConflict = errors.New("seats unavailable")
	// ErrInvalidState is returned by Confirm when the booking has no
	// active holds, a hold is not HELD, or a hold has expired.
	ErrInvalidState = errors.New("invalid hold state")
	// ErrEmptySeatSet is returned by TryHold for an empty seat list.
	ErrEmptySeatSet = errors.New("empty seat set")
	// ErrDuplicateSeat is returned by TryHold when a key is repeated.
	ErrDuplicateSeat = errors.New("duplicate seat key")
	// ErrMissingBooking is returned when no booking id is given.
	ErrMissingBooking = errors.New("missing booking id")
)

// ConflictError lists the requested seats that another booking already
// holds or owns, in request order.
type ConflictError struct {
	TripInstanceID string
	Seats          []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("seats unavailable on %s: %s", e.TripInstanceID, strings.Join(e.Seats, ", "))
}

// Is makes errors.Is(err, ErrConflict) true for conflicts.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Ledger is implemented by SQLLedger and MemoryLedger.
type Ledger interface {
	// TryHold places HELD holds for every key on the trip, all or nothing.
	TryHold(ctx context.Context, trip model.TripInstance, seatKeys []string, bookingID string, ttl time.Duration) ([]model.SeatHold, error)
	// Confirm turns every HELD hold of the booking into CONFIRMED.
	Confirm(ctx context.Context, bookingID string) error
	// Release releases every active hold of the booking.  Idempotent.
	Release(ctx context.Context, bookingID string) error
	// ExpireStaleHolds releases HELD holds whose deadline is at or before now.
	ExpireStaleHolds(ctx context.Context, now time.Time) (int, error)
	// Unavailable lists the seats of the trip that cannot be held at now.
	Unavailable(ctx context.Context, trip model.TripInstance, now time.Time) ([]string, error)
	// Holds returns every hold of the booking, released ones included.
	Holds(ctx context.Context, bookingID string) ([]model.SeatHold, error)
	// ActiveBookings lists, in ascending order, up to limit ids greater
	// than after of bookings owning a HELD or CONFIRMED hold created at or
	// before createdBefore.
	ActiveBookings(ctx context.Context, createdBefore time.Time, after string, limit int) ([]string, error)
}

const (
	// DefaultTTL applies when TryHold gets a non-positive ttl.
	DefaultTTL         = 15 * time.Minute
	defaultMaxAttempts = 3
	defaultRetention   = 24 * time.Hour
)

type options struct {
	now         func() time.Time
	maxAttempts int
	retention   time.Duration
}

// Option configures a ledger.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaxAttempts bounds how often SQLLedger re-runs a hold after a
// deadlock or unique-key collision.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithRetention sets how long MemoryLedger keeps released holds before
// dropping them.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, maxAttempts: defaultMaxAttempts, retention: defaultRetention}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func checkRequest(seatKeys []string, bookingID string) error {
	if bookingID == "" {
		return ErrMissingBooking
	}
	if len(seatKeys) == 0 {
		return ErrEmptySeatSet
	}
	seen := make(map[string]struct{}, len(seatKeys))
	for _, k := range seatKeys {
		if k == "" {
			return fmt.Errorf("%w: blank seat key", ErrEmptySeatSet)
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateSeat, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// contested returns the members of requested found in taken, keeping the
// request order.
func contested(requested, taken []string) []string {
	set := make(map[string]struct{}, len(taken))
	for _, k := range taken {
		set[k] = struct{}{}
	}
	var out []string
	for _, k := range requested {
		if _, ok := set[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
