package booking

import (
	"context"

	"go.uber.org/zap"

	"github.com/iliyamo/bus-seat-booking/internal/authz"
	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// CancelRequest carries the caller's cancellation terms.  Charge and
// refund are recorded as given; no fee policy is applied here.
type CancelRequest struct {
	Reason      string `json:"reason" validate:"max=500"`
	ChargeCents int64  `json:"cancellation_charge_cents" validate:"gte=0"`
	RefundCents int64  `json:"refund_cents" validate:"gte=0"`
}

// Cancel releases the booking's seats and marks it CANCELLED.  Confirmed
// bookings can only be cancelled before their service date.  Cancelling
// a cancelled booking fails but still releases any seats it holds.
func (l *Lifecycle) Cancel(ctx context.Context, actor model.Actor, bookingID string, req CancelRequest) (*model.Booking, error) {
	if err := l.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	b, err := l.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := l.authorize(actor, authz.OpCancel, b); err != nil {
		return nil, err
	}
	if b.Status == model.StatusCancelled {
		// An earlier cancel may have stopped before its seats were freed.
		if err := l.release(ctx, b.ID); err != nil {
			return nil, newError(KindInternal, "release seats", err)
		}
	}
	if b.Status.Terminal() {
		return nil, stateErr("booking %s is already %s", b.ID, b.Status)
	}
	if b.Status == model.StatusConfirmed && b.Trip().Started(l.clock()) {
		return nil, stateErr("trip of booking %s has already started", b.ID)
	}
	if req.ChargeCents+req.RefundCents > b.Amounts.FinalCents {
		return nil, invalidf("charge and refund exceed the amount paid")
	}

	wasPaid := b.PaymentStatus == model.PaymentPaid
	pay := model.PaymentFailed
	if wasPaid {
		pay = model.PaymentPaid
		if req.RefundCents > 0 {
			pay = model.PaymentRefunded
		}
	}
	prev := *b
	b.CancellationReason = req.Reason
	b.CancellationChargeCents = req.ChargeCents
	b.RefundCents = req.RefundCents
	if err := l.transition(ctx, b, model.StatusCancelled, pay, prev.Status); err != nil {
		*b = prev
		return nil, storeErr(err, "booking "+b.ID)
	}
	if err := l.release(ctx, b.ID); err != nil {
		return nil, newError(KindInternal, "release seats", err)
	}
	if !wasPaid {
		l.cancelIntent(ctx, b)
	}
	l.log.Info("booking cancelled",
		zap.String("booking_id", b.ID),
		zap.String("actor_id", actor.ID),
		zap.String("payment_status", string(pay)))
	l.publish(ctx, EventCancelled, b)
	return b, nil
}

// Complete closes a confirmed booking after the trip.
func (l *Lifecycle) Complete(ctx context.Context, actor model.Actor, bookingID string) (*model.Booking, error) {
	b, err := l.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := l.authorize(actor, authz.OpComplete, b); err != nil {
		return nil, err
	}
	if b.Status == model.StatusCompleted {
		return b, nil
	}
	if b.Status != model.StatusConfirmed {
		return nil, stateErr("booking %s is %s", b.ID, b.Status)
	}
	if err := l.transition(ctx, b, model.StatusCompleted, b.PaymentStatus, model.StatusConfirmed); err != nil {
		return nil, storeErr(err, "booking "+b.ID)
	}
	l.publish(ctx, EventCompleted, b)
	return b, nil
}

// Delete removes a booking after releasing its seats.
func (l *Lifecycle) Delete(ctx context.Context, actor model.Actor, bookingID string) error {
	b, err := l.load(ctx, bookingID)
	if err != nil {
		return err
	}
	if err := l.authorize(actor, authz.OpDelete, b); err != nil {
		return err
	}
	if err := l.release(ctx, b.ID); err != nil {
		return newError(KindInternal, "release seats", err)
	}
	if b.Status.Unpaid() {
		l.cancelIntent(ctx, b)
	}
	if err := l.store.Delete(ctx, b.ID); err != nil {
		return storeErr(err, "booking "+b.ID)
	}
	l.log.Info("booking deleted", zap.String("booking_id", b.ID), zap.String("actor_id", actor.ID))
	l.publish(ctx, EventDeleted, b)
	return nil
}

// Get returns one booking the actor may see.
func (l *Lifecycle) Get(ctx context.Context, actor model.Actor, bookingID string) (*model.Booking, error) {
	b, err := l.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := l.authorize(actor, authz.OpView, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Page is one page of a booking listing.
type Page struct {
	Items  []model.Booking `json:"items"`
	Total  int             `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

const maxPageSize = 100

// List returns the bookings visible to the actor.  Users only see their
// own bookings and vendors those of their fleet, whatever the filter says.
func (l *Lifecycle) List(ctx context.Context, actor model.Actor, f model.BookingFilter) (*Page, error) {
	if actor.ID == "" {
		return nil, newError(KindForbidden, "not allowed to list bookings", authz.ErrForbidden)
	}
	switch l.policy.Scope(actor.Role, authz.OpList) {
	case authz.Any:
	case authz.Own:
		f.UserID = actor.ID
	case authz.OwnVendor:
		f.VendorID = actor.ID
	case authz.OwnOrVendor:
		if actor.Role == model.RoleVendor {
			f.VendorID = actor.ID
		} else {
			f.UserID = actor.ID
		}
	default:
		return nil, newError(KindForbidden, "not allowed to list bookings", authz.ErrForbidden)
	}
	if f.Limit <= 0 {
		f.Limit = 10
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	items, total, err := l.store.List(ctx, f)
	if err != nil {
		return nil, storeErr(err, "bookings")
	}
	if items == nil {
		items = []model.Booking{}
	}
	return &Page{Items: items, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}
