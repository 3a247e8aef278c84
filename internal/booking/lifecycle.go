// Package booking implements the booking state machine.  Every entry
// point takes the caller's identity, checks it against the authorization
// policy once, and moves a booking and its seat holds together:
//
//	CREATED -> PENDING (cash) | AWAITING_PAYMENT (card) -> PROCESSING
//	        -> CONFIRMED | CANCELLED ; CONFIRMED -> COMPLETED
//
// Booking rows change through compare-and-set updates on their status, so
// two writers racing on the same booking cannot both win.
package booking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/bus-seat-booking/internal/authz"
	"github.com/iliyamo/bus-seat-booking/internal/ledger"
	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/payment"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

// Store persists bookings.  repository.BookingRepo and MemoryStore
// implement it.  Update must only apply when the stored status is one of
// from and return repository.ErrStaleState otherwise.
type Store interface {
	Insert(ctx context.Context, b *model.Booking) error
	Get(ctx context.Context, id string) (*model.Booking, error)
	GetByPaymentRef(ctx context.Context, ref string) (*model.Booking, error)
	Update(ctx context.Context, b *model.Booking, from ...model.BookingStatus) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f model.BookingFilter) ([]model.Booking, int, error)
	ListExpiredUnpaid(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// SeatCatalog resolves seat keys against a vehicle's layout.
type SeatCatalog interface {
	Resolve(ctx context.Context, vehicleID string, keys []string) (*model.Layout, []model.SeatDescriptor, []string, error)
}

// Payments is the part of payment.Coordinator the lifecycle uses.
type Payments interface {
	Initiate(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (payment.Handle, error)
	CheckStatus(ctx context.Context, ref string) (payment.Outcome, error)
	Cancel(ctx context.Context, ref string) error
}

// Event types handed to the Publisher.
const (
	EventCreated   = "booking.created"
	EventConfirmed = "booking.confirmed"
	EventCancelled = "booking.cancelled"
	EventExpired   = "booking.expired"
	EventCompleted = "booking.completed"
	EventDeleted   = "booking.deleted"
)

// Publisher announces booking changes.  Failures are logged, never
// returned to the caller.
type Publisher interface {
	Publish(ctx context.Context, eventType string, b model.Booking) error
}

// Scheduler arranges for ExpireBooking to run once the hold deadline of
// a booking has passed.
type Scheduler interface {
	ScheduleExpiry(ctx context.Context, bookingID string, at time.Time) error
}

// Config holds lifecycle tunables.
type Config struct {
	CardHoldTTL time.Duration
	CashHoldTTL time.Duration
	Currency    string
	SweepBatch  int
	MaxSeats    int
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		CardHoldTTL: 15 * time.Minute,
		CashHoldTTL: 30 * time.Minute,
		Currency:    "USD",
		SweepBatch:  100,
		MaxSeats:    10,
	}
}

// Lifecycle is safe for concurrent use.
type Lifecycle struct {
	store     Store
	ledger    ledger.Ledger
	seats     SeatCatalog
	payments  Payments
	policy    authz.Policy
	publisher Publisher
	scheduler Scheduler
	log       *zap.Logger
	validate  *validator.Validate
	now       func() time.Time
	newID     func() string
	cfg       Config

	repairMu    sync.Mutex
	repairAfter string
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

func WithPolicy(p authz.Policy) Option       { return func(l *Lifecycle) { l.policy = p } }
func WithPublisher(p Publisher) Option       { return func(l *Lifecycle) { l.publisher = p } }
func WithScheduler(s Scheduler) Option       { return func(l *Lifecycle) { l.scheduler = s } }
func WithLogger(log *zap.Logger) Option      { return func(l *Lifecycle) { l.log = log } }
func WithClock(now func() time.Time) Option  { return func(l *Lifecycle) { l.now = now } }
func WithIDGenerator(f func() string) Option { return func(l *Lifecycle) { l.newID = f } }

// WithConfig replaces the defaults; zero fields keep their default.
func WithConfig(c Config) Option {
	return func(l *Lifecycle) {
		if c.CardHoldTTL > 0 {
			l.cfg.CardHoldTTL = c.CardHoldTTL
		}
		if c.CashHoldTTL > 0 {
			l.cfg.CashHoldTTL = c.CashHoldTTL
		}
		if c.Currency != "" {
			l.cfg.Currency = c.Currency
		}
		if c.SweepBatch > 0 {
			l.cfg.SweepBatch = c.SweepBatch
		}
		if c.MaxSeats > 0 {
			l.cfg.MaxSeats = c.MaxSeats
		}
	}
}

// New wires a Lifecycle.
func New(store Store, l ledger.Ledger, seats SeatCatalog, payments Payments, opts ...Option) *Lifecycle {
	lc := &Lifecycle{
		store:     store,
		ledger:    l,
		seats:     seats,
		payments:  payments,
		policy:    authz.Default,
		publisher: nopPublisher{},
		scheduler: nopScheduler{},
		log:       zap.NewNop(),
		validate:  validator.New(),
		now:       time.Now,
		newID:     uuid.NewString,
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(lc)
	}
	return lc
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, model.Booking) error { return nil }

type nopScheduler struct{}

func (nopScheduler) ScheduleExpiry(context.Context, string, time.Time) error { return nil }

func (l *Lifecycle) clock() time.Time { return l.now().UTC() }

func (l *Lifecycle) authorize(actor model.Actor, op authz.Operation, b *model.Booking) error {
	res := authz.Resource{}
	if b != nil {
		res = authz.Resource{UserID: b.UserID, VendorID: b.VendorID}
	}
	if err := l.policy.Authorize(actor, op, res); err != nil {
		l.log.Info("operation denied",
			zap.String("op", string(op)),
			zap.String("actor_id", actor.ID),
			zap.String("role", string(actor.Role)))
		return newError(KindForbidden, "not allowed to "+string(op), err)
	}
	return nil
}

func (l *Lifecycle) load(ctx context.Context, id string) (*model.Booking, error) {
	b, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr(err, "booking "+id)
	}
	return b, nil
}

func storeErr(err error, what string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return newError(KindNotFound, what+" not found", err)
	case errors.Is(err, repository.ErrStaleState):
		return newError(KindInvalidState, what+" changed concurrently", err)
	default:
		return newError(KindInternal, "store failure", err)
	}
}

// transition moves b to status/pay if its stored status is still one of
// from.  b is left untouched when the update is rejected.
func (l *Lifecycle) transition(ctx context.Context, b *model.Booking, status model.BookingStatus, pay model.PaymentStatus, from ...model.BookingStatus) error {
	prev := *b
	b.Status = status
	b.PaymentStatus = pay
	b.UpdatedAt = l.clock()
	if err := l.store.Update(ctx, b, from...); err != nil {
		*b = prev
		return err
	}
	return nil
}

const releaseAttempts = 3

// release frees the booking's holds, retrying transient failures.
func (l *Lifecycle) release(ctx context.Context, bookingID string) error {
	var err error
	for i := 0; i < releaseAttempts; i++ {
		if err = l.ledger.Release(ctx, bookingID); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	l.log.Error("seat release failed", zap.String("booking_id", bookingID), zap.Error(err))
	return err
}

func (l *Lifecycle) publish(ctx context.Context, eventType string, b *model.Booking) {
	if err := l.publisher.Publish(ctx, eventType, *b); err != nil {
		l.log.Warn("publish booking event failed",
			zap.String("event", eventType),
			zap.String("booking_id", b.ID),
			zap.Error(err))
	}
}

// cancelIntent voids an unpaid card intent.  Failures are only logged.
func (l *Lifecycle) cancelIntent(ctx context.Context, b *model.Booking) {
	if b.PaymentMethod != model.MethodCard || b.PaymentIntentRef == "" {
		return
	}
	if err := l.payments.Cancel(ctx, b.PaymentIntentRef); err != nil {
		l.log.Warn("cancel payment intent failed",
			zap.String("booking_id", b.ID),
			zap.String("payment_ref", b.PaymentIntentRef),
			zap.Error(err))
	}
}

var unpaidStatuses = []model.BookingStatus{
	model.StatusCreated,
	model.StatusPending,
	model.StatusAwaitingPayment,
	model.StatusProcessing,
}
