package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/iliyamo/bus-seat-booking/internal/authz"
	"github.com/iliyamo/bus-seat-booking/internal/inventory"
	"github.com/iliyamo/bus-seat-booking/internal/ledger"
	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/payment"
)

// CreateRequest is the input of Create.  UserID lets admins and vendors
// book on behalf of a customer; users book for themselves.
type CreateRequest struct {
	UserID          string   `json:"user_id"`
	VehicleID       string   `json:"vehicle_id" validate:"required"`
	ServiceDate     string   `json:"service_date" validate:"required"`
	SeatKeys        []string `json:"seat_keys" validate:"required,min=1,dive,required"`
	BoardingPointID string   `json:"boarding_point_id" validate:"required"`
	DroppingPointID string   `json:"dropping_point_id" validate:"required"`
	DiscountCents   int64    `json:"discount_cents" validate:"gte=0"`
	PaymentMethod   string   `json:"payment_method" validate:"required"`
}

// CreateResult carries the new booking and, for card payments, the handle
// the client needs to pay.
type CreateResult struct {
	Booking *model.Booking  `json:"booking"`
	Payment *payment.Handle `json:"payment,omitempty"`
}

// Create holds the requested seats and records a booking for them.
// Nothing is written when any seat is taken.
func (l *Lifecycle) Create(ctx context.Context, actor model.Actor, req CreateRequest) (*CreateResult, error) {
	now := l.clock()

	if err := l.validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	if len(req.SeatKeys) > l.cfg.MaxSeats {
		return nil, invalidf("at most %d seats per booking", l.cfg.MaxSeats)
	}
	if dup := firstDuplicate(req.SeatKeys); dup != "" {
		e := invalidf("seat %s requested twice", dup)
		e.Seats = []string{dup}
		return nil, e
	}
	method, ok := model.ParsePaymentMethod(req.PaymentMethod)
	if !ok {
		return nil, invalidf("unknown payment method %q", req.PaymentMethod)
	}
	date, err := model.ParseServiceDate(req.ServiceDate)
	if err != nil {
		return nil, invalidf("service_date must be YYYY-MM-DD")
	}
	trip := model.NewTripInstance(req.VehicleID, date)
	today := model.NewTripInstance(req.VehicleID, now).ServiceDate
	if trip.ServiceDate.Before(today) {
		return nil, invalidf("service date %s is in the past", trip.Date())
	}

	layout, seats, unknown, err := l.seats.Resolve(ctx, req.VehicleID, req.SeatKeys)
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			return nil, newError(KindNotFound, "vehicle "+req.VehicleID+" has no active layout", err)
		}
		return nil, newError(KindInternal, "load layout", err)
	}
	if len(unknown) > 0 {
		e := invalidf("seats not in layout of vehicle %s", req.VehicleID)
		e.Seats = unknown
		return nil, e
	}

	userID := req.UserID
	if userID == "" {
		userID = actor.ID
	}
	if err := l.policy.Authorize(actor, authz.OpCreate, authz.Resource{UserID: userID, VendorID: layout.VendorID}); err != nil {
		return nil, newError(KindForbidden, "not allowed to book for this customer or vehicle", err)
	}

	var total int64
	for _, s := range seats {
		total += s.PriceCents
	}
	if req.DiscountCents > total {
		return nil, invalidf("discount %d exceeds total %d", req.DiscountCents, total)
	}
	amounts := model.Amounts{TotalCents: total, DiscountCents: req.DiscountCents, FinalCents: total - req.DiscountCents}
	if amounts.FinalCents <= 0 {
		return nil, invalidf("final amount must be positive")
	}

	ttl := l.cfg.CashHoldTTL
	if method == model.MethodCard {
		ttl = l.cfg.CardHoldTTL
	}
	id := l.newID()
	holds, err := l.ledger.TryHold(ctx, trip, req.SeatKeys, id, ttl)
	if err != nil {
		var ce *ledger.ConflictError
		if errors.As(err, &ce) {
			return nil, &Error{Kind: KindSeatUnavailable, Message: "seats already taken", Seats: ce.Seats, Err: err}
		}
		return nil, newError(KindInternal, "hold seats", err)
	}

	b := &model.Booking{
		ID:              id,
		UserID:          userID,
		VendorID:        layout.VendorID,
		VehicleID:       req.VehicleID,
		TripInstanceID:  trip.ID(),
		ServiceDate:     trip.ServiceDate,
		SeatKeys:        append([]string(nil), req.SeatKeys...),
		BoardingPointID: req.BoardingPointID,
		DroppingPointID: req.DroppingPointID,
		Amounts:         amounts,
		Currency:        l.cfg.Currency,
		PaymentMethod:   method,
		Status:          model.StatusCreated,
		PaymentStatus:   model.PaymentPending,
		HoldExpiresAt:   holds[0].ExpiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.store.Insert(ctx, b); err != nil {
		_ = l.release(ctx, id)
		return nil, newError(KindInternal, "save booking", err)
	}

	res := &CreateResult{Booking: b}
	if method == model.MethodCash {
		if err := l.transition(ctx, b, model.StatusPending, model.PaymentPending, model.StatusCreated); err != nil {
			_ = l.release(ctx, id)
			return nil, storeErr(err, "booking "+id)
		}
	} else {
		handle, err := l.payments.Initiate(ctx, amounts.FinalCents, b.Currency, map[string]string{
			"booking_id":       id,
			"trip_instance_id": b.TripInstanceID,
			"seats":            strings.Join(b.SeatKeys, ","),
		})
		if err != nil {
			l.log.Warn("payment initiation failed",
				zap.String("booking_id", id),
				zap.Error(err))
			_ = l.release(ctx, id)
			if terr := l.transition(ctx, b, model.StatusCancelled, model.PaymentFailed, model.StatusCreated); terr != nil {
				l.log.Error("mark booking failed", zap.String("booking_id", id), zap.Error(terr))
			}
			return nil, newError(KindPaymentProvider, "could not start card payment", err)
		}
		b.PaymentIntentRef = handle.Ref
		if err := l.transition(ctx, b, model.StatusAwaitingPayment, model.PaymentAwaitingPayment, model.StatusCreated); err != nil {
			b.PaymentIntentRef = ""
			_ = l.release(ctx, id)
			return nil, storeErr(err, "booking "+id)
		}
		res.Payment = &handle
	}

	if err := l.scheduler.ScheduleExpiry(ctx, id, b.HoldExpiresAt); err != nil {
		l.log.Warn("schedule hold expiry failed", zap.String("booking_id", id), zap.Error(err))
	}
	l.log.Info("booking created",
		zap.String("booking_id", id),
		zap.String("trip_instance_id", b.TripInstanceID),
		zap.Strings("seats", b.SeatKeys),
		zap.String("payment_method", string(method)),
		zap.Int64("final_cents", amounts.FinalCents))
	l.publish(ctx, EventCreated, b)
	return res, nil
}

func firstDuplicate(keys []string) string {
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			return k
		}
		seen[k] = struct{}{}
	}
	return ""
}

func validationError(err error) *Error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()), Err: err}
	}
	return &Error{Kind: KindValidation, Message: "invalid request", Err: err}
}
