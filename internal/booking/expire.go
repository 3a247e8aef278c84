package booking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

// SweepReport summarises one ExpireAbandoned run.  HoldsRepaired counts
// bookings that were cancelled or deleted while still holding seats and
// whose holds this run released.
type SweepReport struct {
	HoldsReleased   int
	BookingsExpired int
	HoldsRepaired   int
	Failures        int
}

// strandedGrace keeps the repair pass away from holds whose booking row
// Create has not inserted yet.
const strandedGrace = time.Minute

// ExpireAbandoned releases lapsed holds, cancels every unpaid booking
// whose hold deadline has passed and frees seats still held for
// cancelled or deleted bookings.  Individual failures are logged and left
// for the next run.
func (l *Lifecycle) ExpireAbandoned(ctx context.Context, now time.Time) (SweepReport, error) {
	var rep SweepReport
	n, err := l.ledger.ExpireStaleHolds(ctx, now)
	if err != nil {
		return rep, newError(KindInternal, "expire holds", err)
	}
	rep.HoldsReleased = n

	ids, err := l.store.ListExpiredUnpaid(ctx, now, l.cfg.SweepBatch)
	if err != nil {
		return rep, newError(KindInternal, "list expired bookings", err)
	}
	for _, id := range ids {
		expired, err := l.ExpireBooking(ctx, id, now)
		switch {
		case err != nil:
			rep.Failures++
			l.log.Warn("expire booking failed", zap.String("booking_id", id), zap.Error(err))
		case expired:
			rep.BookingsExpired++
		}
	}

	repaired, failed, err := l.releaseStranded(ctx, now)
	rep.HoldsRepaired = repaired
	rep.Failures += failed
	if err != nil {
		return rep, newError(KindInternal, "list active holds", err)
	}
	return rep, nil
}

// releaseStranded checks one batch of bookings that own active holds and
// releases those whose booking is CANCELLED or gone.  Each run resumes
// after the last booking of the previous batch.
func (l *Lifecycle) releaseStranded(ctx context.Context, now time.Time) (repaired, failed int, err error) {
	l.repairMu.Lock()
	defer l.repairMu.Unlock()

	ids, err := l.ledger.ActiveBookings(ctx, now.Add(-strandedGrace), l.repairAfter, l.cfg.SweepBatch)
	if err != nil {
		return 0, 0, err
	}
	if len(ids) < l.cfg.SweepBatch {
		l.repairAfter = ""
	} else {
		l.repairAfter = ids[len(ids)-1]
	}
	for _, id := range ids {
		b, err := l.store.Get(ctx, id)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			failed++
			l.log.Warn("load booking for hold repair failed", zap.String("booking_id", id), zap.Error(err))
			continue
		case b.Status != model.StatusCancelled:
			continue
		}
		if err := l.release(ctx, id); err != nil {
			failed++
			continue
		}
		repaired++
		l.log.Info("released stranded seat holds", zap.String("booking_id", id))
	}
	return repaired, failed, nil
}

// ExpireBooking cancels one unpaid booking whose hold deadline is at or
// before now.  It reports false when the booking was paid, cancelled or
// is not due yet.
func (l *Lifecycle) ExpireBooking(ctx context.Context, bookingID string, now time.Time) (bool, error) {
	b, err := l.load(ctx, bookingID)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return false, nil
		}
		return false, err
	}
	if !b.Status.Unpaid() || b.HoldExpiresAt.After(now) {
		return false, nil
	}
	b.CancellationReason = "payment not received before hold expiry"
	if err := l.transition(ctx, b, model.StatusCancelled, model.PaymentFailed, unpaidStatuses...); err != nil {
		if _, lerr := l.afterLostRace(ctx, b.ID, err); lerr != nil {
			return false, lerr
		}
		return false, nil
	}
	if err := l.release(ctx, b.ID); err != nil {
		return true, newError(KindInternal, "release seats", err)
	}
	l.cancelIntent(ctx, b)
	l.log.Info("booking expired", zap.String("booking_id", b.ID), zap.Time("hold_expires_at", b.HoldExpiresAt))
	l.publish(ctx, EventExpired, b)
	return true, nil
}

// Sweeper runs ExpireAbandoned on a fixed interval.
type Sweeper struct {
	lc       *Lifecycle
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper returns a sweeper; interval defaults to one minute.
func NewSweeper(lc *Lifecycle, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{lc: lc, interval: interval, log: log}
}

// Run sweeps once immediately and then on every tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	rep, err := s.lc.ExpireAbandoned(ctx, s.lc.clock())
	if err != nil {
		s.log.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if rep.HoldsReleased > 0 || rep.BookingsExpired > 0 || rep.HoldsRepaired > 0 || rep.Failures > 0 {
		s.log.Info("expiry sweep",
			zap.Int("holds_released", rep.HoldsReleased),
			zap.Int("bookings_expired", rep.BookingsExpired),
			zap.Int("holds_repaired", rep.HoldsRepaired),
			zap.Int("failures", rep.Failures))
	}
}
