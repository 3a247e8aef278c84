package booking

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/iliyamo/bus-seat-booking/internal/authz"
	"github.com/iliyamo/bus-seat-booking/internal/ledger"
	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/payment"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

// ConfirmPayment checks the card payment ref of a booking with the
// provider and applies the result.  Calling it again for a confirmed
// booking returns the booking unchanged.
func (l *Lifecycle) ConfirmPayment(ctx context.Context, actor model.Actor, bookingID, ref string) (*model.Booking, error) {
	b, err := l.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := l.authorize(actor, authz.OpConfirmPayment, b); err != nil {
		return nil, err
	}
	if b.PaymentMethod != model.MethodCard || b.PaymentIntentRef == "" {
		return nil, stateErr("booking %s is not paid by card", b.ID)
	}
	if ref != b.PaymentIntentRef {
		return nil, invalidf("payment reference does not belong to booking %s", b.ID)
	}
	if paid(b) {
		return b, nil
	}
	if b.Status.Terminal() {
		return nil, stateErr("booking %s is %s", b.ID, b.Status)
	}

	outcome, err := l.payments.CheckStatus(ctx, ref)
	if err != nil {
		return nil, newError(KindPaymentProvider, "could not check payment status", err)
	}
	return l.applyOutcome(ctx, b, outcome)
}

// HandlePaymentEvent applies a verified webhook event.  Events without an
// outcome, and events for bookings already settled, are acknowledged
// without changes.
func (l *Lifecycle) HandlePaymentEvent(ctx context.Context, ev *payment.Event) (*model.Booking, error) {
	if ev == nil || ev.Ref == "" || ev.Outcome == "" {
		return nil, nil
	}
	b, err := l.store.GetByPaymentRef(ctx, ev.Ref)
	if err != nil {
		return nil, storeErr(err, "booking for payment "+ev.Ref)
	}
	if paid(b) {
		return b, nil
	}
	if b.Status.Terminal() {
		if ev.Outcome == payment.OutcomeSucceeded {
			l.log.Warn("payment succeeded for closed booking, manual refund required",
				zap.String("booking_id", b.ID),
				zap.String("payment_ref", ev.Ref),
				zap.String("status", string(b.Status)))
		}
		return b, nil
	}
	return l.applyOutcome(ctx, b, ev.Outcome)
}

func paid(b *model.Booking) bool {
	return (b.Status == model.StatusConfirmed || b.Status == model.StatusCompleted) && b.PaymentStatus == model.PaymentPaid
}

func (l *Lifecycle) applyOutcome(ctx context.Context, b *model.Booking, outcome payment.Outcome) (*model.Booking, error) {
	switch outcome {
	case payment.OutcomeSucceeded:
		return l.settle(ctx, b, func() {
			l.log.Warn("payment succeeded after holds lapsed, manual refund required",
				zap.String("booking_id", b.ID),
				zap.String("payment_ref", b.PaymentIntentRef))
		})

	case payment.OutcomeFailed:
		if err := l.transition(ctx, b, model.StatusCancelled, model.PaymentFailed, unpaidStatuses...); err != nil {
			return l.afterLostRace(ctx, b.ID, err)
		}
		if err := l.release(ctx, b.ID); err != nil {
			return nil, newError(KindInternal, "release seats", err)
		}
		l.log.Info("payment failed, booking cancelled", zap.String("booking_id", b.ID))
		l.publish(ctx, EventCancelled, b)
		return b, nil

	default:
		if b.Status == model.StatusProcessing {
			return b, nil
		}
		if err := l.transition(ctx, b, model.StatusProcessing, model.PaymentProcessing,
			model.StatusCreated, model.StatusPending, model.StatusAwaitingPayment); err != nil {
			return l.afterLostRace(ctx, b.ID, err)
		}
		return b, nil
	}
}

// settle confirms the holds of an unpaid booking and marks it paid.
// lapsed runs when the holds can no longer be confirmed.
func (l *Lifecycle) settle(ctx context.Context, b *model.Booking, lapsed func()) (*model.Booking, error) {
	if err := l.ledger.Confirm(ctx, b.ID); err != nil {
		if !errors.Is(err, ledger.ErrInvalidState) {
			return nil, newError(KindInternal, "confirm seats", err)
		}
		cur, lerr := l.load(ctx, b.ID)
		if lerr == nil && paid(cur) {
			return cur, nil
		}
		confirmed, herr := l.holdsConfirmed(ctx, b)
		if herr != nil {
			return nil, newError(KindInternal, "read seat holds", herr)
		}
		if !confirmed {
			lapsed()
			return nil, newError(KindInvalidState, "seat holds expired or were released", err)
		}
		// The holds were confirmed by an earlier attempt that failed to
		// record the payment.
	}
	if err := l.transition(ctx, b, model.StatusConfirmed, model.PaymentPaid, unpaidStatuses...); err != nil {
		cur, lerr := l.load(ctx, b.ID)
		if lerr == nil && paid(cur) {
			return cur, nil
		}
		if errors.Is(err, repository.ErrStaleState) {
			lapsed()
		}
		return nil, storeErr(err, "booking "+b.ID)
	}
	l.log.Info("booking confirmed",
		zap.String("booking_id", b.ID),
		zap.String("payment_method", string(b.PaymentMethod)))
	l.publish(ctx, EventConfirmed, b)
	return b, nil
}

// holdsConfirmed reports whether every seat of b has a CONFIRMED hold
// and nothing is still HELD.
func (l *Lifecycle) holdsConfirmed(ctx context.Context, b *model.Booking) (bool, error) {
	holds, err := l.ledger.Holds(ctx, b.ID)
	if err != nil {
		return false, err
	}
	confirmed := make(map[string]struct{}, len(holds))
	for _, h := range holds {
		switch h.State {
		case model.HoldHeld:
			return false, nil
		case model.HoldConfirmed:
			confirmed[h.SeatKey] = struct{}{}
		}
	}
	if len(confirmed) == 0 || len(confirmed) != len(b.SeatKeys) {
		return false, nil
	}
	for _, k := range b.SeatKeys {
		if _, ok := confirmed[k]; !ok {
			return false, nil
		}
	}
	return true, nil
}

// afterLostRace reloads a booking whose conditional update was rejected.
// A booking that is already settled is returned as is.
func (l *Lifecycle) afterLostRace(ctx context.Context, id string, err error) (*model.Booking, error) {
	if !errors.Is(err, repository.ErrStaleState) {
		return nil, storeErr(err, "booking "+id)
	}
	cur, lerr := l.load(ctx, id)
	if lerr != nil {
		return nil, lerr
	}
	if paid(cur) || cur.Status == model.StatusCancelled {
		return cur, nil
	}
	return nil, stateErr("booking %s is %s", id, cur.Status)
}

// ConfirmCash records that the vendor received the cash for a booking.
func (l *Lifecycle) ConfirmCash(ctx context.Context, actor model.Actor, bookingID string) (*model.Booking, error) {
	b, err := l.load(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := l.authorize(actor, authz.OpConfirmCash, b); err != nil {
		return nil, err
	}
	if b.PaymentMethod != model.MethodCash {
		return nil, stateErr("booking %s is not paid in cash", b.ID)
	}
	if paid(b) {
		return b, nil
	}
	if b.Status != model.StatusPending {
		return nil, stateErr("booking %s is %s", b.ID, b.Status)
	}
	return l.settle(ctx, b, func() {})
}
