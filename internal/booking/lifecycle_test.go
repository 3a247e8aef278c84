package booking

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/inventory"
	"github.com/iliyamo/bus-seat-booking/internal/ledger"
	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/payment"
)

const testLayout = `{
  "rows": [["A1", "A2", null, "A3"], ["B1", null, null, "B2"]],
  "seats": {
    "A1": {"type": "SEATER", "number": "1"},
    "A2": {"type": "SEATER", "number": "2"},
    "A3": {"type": "SEATER", "number": "3"},
    "B1": {"type": "SLEEPER", "number": "S1", "deck": "UPPER"},
    "B2": {"type": "SLEEPER", "number": "S2", "deck": "UPPER"}
  }
}`

var (
	alice   = model.Actor{ID: "user-alice", Role: model.RoleUser}
	bob     = model.Actor{ID: "user-bob", Role: model.RoleUser}
	vendor  = model.Actor{ID: "ven-1", Role: model.RoleVendor}
	vendor2 = model.Actor{ID: "ven-2", Role: model.RoleVendor}
	admin   = model.Actor{ID: "admin-1", Role: model.RoleAdmin}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, b model.Booking) error {
	p.mu.Lock()
	p.events = append(p.events, eventType+":"+b.ID)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if len(e) > len(eventType) && e[:len(eventType)+1] == eventType+":" {
			n++
		}
	}
	return n
}

type fixture struct {
	lc       *Lifecycle
	store    *MemoryStore
	ledger   *ledger.MemoryLedger
	inv      *inventory.Inventory
	provider *payment.MemoryProvider
	clock    *testClock
	events   *recordingPublisher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newWrappedFixture(t, cfg, nil)
}

// newWrappedFixture lets a test put its own Store or Ledger in front of
// the in-memory ones the lifecycle talks to.
func newWrappedFixture(t *testing.T, cfg Config, wrap func(*MemoryStore, *ledger.MemoryLedger) (Store, ledger.Ledger)) *fixture {
	t.Helper()
	clk := &testClock{now: time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC)}
	layouts := inventory.NewStaticLayouts(&model.Layout{
		ID:                "lay-1",
		VehicleID:         "veh-1",
		VendorID:          "ven-1",
		SeaterPriceCents:  1500,
		SleeperPriceCents: 2500,
		IsActive:          true,
		LayoutJSON:        []byte(testLayout),
	})
	l := ledger.NewMemoryLedger(ledger.WithClock(clk.Now))
	inv := inventory.New(layouts, l, clk.Now)
	provider := payment.NewMemoryProvider("")
	store := NewMemoryStore()
	events := &recordingPublisher{}
	var (
		lcStore  Store         = store
		lcLedger ledger.Ledger = l
	)
	if wrap != nil {
		lcStore, lcLedger = wrap(store, l)
	}
	lc := New(lcStore, lcLedger, inv, payment.NewCoordinator(provider, time.Second),
		WithClock(clk.Now),
		WithPublisher(events),
		WithConfig(cfg))
	return &fixture{lc: lc, store: store, ledger: l, inv: inv, provider: provider, clock: clk, events: events}
}

// flakyLedger fails the next releaseFailures calls to Release.
type flakyLedger struct {
	*ledger.MemoryLedger

	mu              sync.Mutex
	releaseFailures int
}

func (f *flakyLedger) Release(ctx context.Context, bookingID string) error {
	f.mu.Lock()
	if f.releaseFailures > 0 {
		f.releaseFailures--
		f.mu.Unlock()
		return errors.New("lock wait timeout exceeded")
	}
	f.mu.Unlock()
	return f.MemoryLedger.Release(ctx, bookingID)
}

// flakyStore fails the next confirmFailures updates that would mark a
// booking CONFIRMED.
type flakyStore struct {
	*MemoryStore

	mu              sync.Mutex
	confirmFailures int
}

func (f *flakyStore) Update(ctx context.Context, b *model.Booking, from ...model.BookingStatus) error {
	f.mu.Lock()
	if b.Status == model.StatusConfirmed && f.confirmFailures > 0 {
		f.confirmFailures--
		f.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	f.mu.Unlock()
	return f.MemoryStore.Update(ctx, b, from...)
}

func request(method string, seats ...string) CreateRequest {
	return CreateRequest{
		VehicleID:       "veh-1",
		ServiceDate:     "2025-03-01",
		SeatKeys:        seats,
		BoardingPointID: "bp-1",
		DroppingPointID: "dp-1",
		PaymentMethod:   method,
	}
}

func (f *fixture) trip() model.TripInstance {
	return model.NewTripInstance("veh-1", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
}

func (f *fixture) unavailable(t *testing.T) []string {
	t.Helper()
	keys, err := f.inv.ListUnavailable(context.Background(), f.trip())
	if err != nil {
		t.Fatalf("ListUnavailable: %v", err)
	}
	return keys
}

func sameKeys(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestCreateCashBooking(t *testing.T) {
	f := newFixture(t, Config{})
	res, err := f.lc.Create(context.Background(), alice, request("CASH", "A1", "B1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := res.Booking
	if b.Status != model.StatusPending || b.PaymentStatus != model.PaymentPending {
		t.Fatalf("status = %s/%s", b.Status, b.PaymentStatus)
	}
	if b.Amounts.TotalCents != 4000 || b.Amounts.FinalCents != 4000 {
		t.Fatalf("amounts = %+v", b.Amounts)
	}
	if b.UserID != alice.ID || b.VendorID != "ven-1" || b.TripInstanceID != "veh-1@2025-03-01" {
		t.Fatalf("ownership = %+v", b)
	}
	if res.Payment != nil {
		t.Fatalf("cash booking got payment handle")
	}
	if !b.HoldExpiresAt.Equal(f.clock.Now().Add(30 * time.Minute)) {
		t.Fatalf("hold expires at %v", b.HoldExpiresAt)
	}
	if got := f.unavailable(t); !sameKeys(got, "A1", "B1") {
		t.Fatalf("unavailable = %v", got)
	}
	if f.events.count(EventCreated) != 1 {
		t.Fatalf("events = %v", f.events.events)
	}
}

func TestCreateCardBooking(t *testing.T) {
	f := newFixture(t, Config{})
	req := request("STRIPE", "A2")
	req.DiscountCents = 500
	res, err := f.lc.Create(context.Background(), alice, req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := res.Booking
	if b.Status != model.StatusAwaitingPayment || b.PaymentStatus != model.PaymentAwaitingPayment {
		t.Fatalf("status = %s/%s", b.Status, b.PaymentStatus)
	}
	if b.PaymentMethod != model.MethodCard || b.PaymentIntentRef == "" {
		t.Fatalf("payment = %s %q", b.PaymentMethod, b.PaymentIntentRef)
	}
	if res.Payment == nil || res.Payment.Ref != b.PaymentIntentRef {
		t.Fatalf("handle = %+v", res.Payment)
	}
	in, ok := f.provider.Intent(b.PaymentIntentRef)
	if !ok || in.AmountCents != 1000 {
		t.Fatalf("intent = %+v", in)
	}
	stored, _ := f.store.Get(context.Background(), b.ID)
	if stored.PaymentIntentRef != b.PaymentIntentRef || stored.Status != model.StatusAwaitingPayment {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	discount := request("CASH", "A1")
	discount.DiscountCents = 1500
	past := request("CASH", "A1")
	past.ServiceDate = "2025-02-19"

	cases := []struct {
		name  string
		req   CreateRequest
		seats []string
	}{
		{"no seats", request("CASH"), nil},
		{"duplicate seat", request("CASH", "A1", "A1"), []string{"A1"}},
		{"unknown seat", request("CASH", "A1", "Z9"), []string{"Z9"}},
		{"bad method", request("BITCOIN", "A1"), nil},
		{"past date", past, nil},
		{"zero final", discount, nil},
	}
	for _, tc := range cases {
		_, err := f.lc.Create(ctx, alice, tc.req)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
		var e *Error
		errors.As(err, &e)
		if tc.seats != nil && !sameKeys(e.Seats, tc.seats...) {
			t.Fatalf("%s: seats = %v", tc.name, e.Seats)
		}
	}
	if got := f.unavailable(t); len(got) != 0 {
		t.Fatalf("rejected requests left holds: %v", got)
	}

	missing := request("CASH", "A1")
	missing.VehicleID = "veh-404"
	if _, err := f.lc.Create(ctx, alice, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown vehicle: %v", err)
	}
}

func TestCreateOnBehalf(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	req := request("CASH", "A1")
	req.UserID = bob.ID
	if _, err := f.lc.Create(ctx, alice, req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("user booking for another user: %v", err)
	}
	if _, err := f.lc.Create(ctx, vendor2, req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign vendor: %v", err)
	}
	res, err := f.lc.Create(ctx, vendor, req)
	if err != nil {
		t.Fatalf("own vendor: %v", err)
	}
	if res.Booking.UserID != bob.ID {
		t.Fatalf("user = %s", res.Booking.UserID)
	}
}

func TestParallelCreatesNeverDoubleBook(t *testing.T) {
	f := newFixture(t, Config{})
	sets := [][]string{{"A1", "A2"}, {"A2", "A3"}, {"A3", "B1"}, {"B1", "A1"}, {"B2"}}

	const rounds = 40
	var (
		mu   sync.Mutex
		won  [][]string
		wg   sync.WaitGroup
		errs []error
	)
	for i := 0; i < rounds; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seats := sets[i%len(sets)]
			actor := model.Actor{ID: "user-" + strconv.Itoa(i), Role: model.RoleUser}
			res, err := f.lc.Create(context.Background(), actor, request("CASH", seats...))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !errors.Is(err, ErrSeatUnavailable) {
					errs = append(errs, err)
				}
				return
			}
			won = append(won, res.Booking.SeatKeys)
		}(i)
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	owner := map[string]int{}
	for i, seats := range won {
		for _, k := range seats {
			if prev, ok := owner[k]; ok {
				t.Fatalf("seat %s allocated to bookings %d and %d", k, prev, i)
			}
			owner[k] = i
		}
	}
	if len(won) == 0 {
		t.Fatal("no booking succeeded")
	}
}

func TestSeatConflictScenario(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	r1, err := f.lc.Create(ctx, alice, request("CARD", "A1"))
	if err != nil {
		t.Fatalf("request1: %v", err)
	}

	_, err = f.lc.Create(ctx, bob, request("CARD", "A1", "A2"))
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindSeatUnavailable || !sameKeys(e.Seats, "A1") {
		t.Fatalf("request2: %v", err)
	}
	if n, _, _ := f.store.List(ctx, model.BookingFilter{}); len(n) != 1 {
		t.Fatalf("conflicting request created a booking")
	}

	f.provider.SetOutcome(r1.Booking.PaymentIntentRef, payment.OutcomeSucceeded)
	b, err := f.lc.ConfirmPayment(ctx, alice, r1.Booking.ID, r1.Booking.PaymentIntentRef)
	if err != nil {
		t.Fatalf("confirm request1: %v", err)
	}
	if b.Status != model.StatusConfirmed || b.PaymentStatus != model.PaymentPaid {
		t.Fatalf("request1 = %s/%s", b.Status, b.PaymentStatus)
	}
	holds, _ := f.ledger.Holds(ctx, b.ID)
	if len(holds) != 1 || holds[0].State != model.HoldConfirmed {
		t.Fatalf("holds = %+v", holds)
	}

	if _, err := f.lc.Create(ctx, bob, request("CARD", "A2")); err != nil {
		t.Fatalf("request3: %v", err)
	}
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, _ := f.lc.Create(ctx, alice, request("CARD", "A1", "A2"))
	ref := res.Booking.PaymentIntentRef
	f.provider.SetOutcome(ref, payment.OutcomeSucceeded)

	first, err := f.lc.ConfirmPayment(ctx, alice, res.Booking.ID, ref)
	if err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	second, err := f.lc.ConfirmPayment(ctx, alice, res.Booking.ID, ref)
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if first.Status != second.Status || first.PaymentStatus != second.PaymentStatus || !first.UpdatedAt.Equal(second.UpdatedAt) {
		t.Fatalf("second confirm changed booking: %+v vs %+v", first, second)
	}
	if f.events.count(EventConfirmed) != 1 {
		t.Fatalf("confirmed published %d times", f.events.count(EventConfirmed))
	}
	if _, err := f.lc.ConfirmPayment(ctx, alice, res.Booking.ID, "pi_other"); !errors.Is(err, ErrValidation) {
		t.Fatalf("wrong ref: %v", err)
	}
	if _, err := f.lc.ConfirmPayment(ctx, bob, res.Booking.ID, ref); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other user: %v", err)
	}
}

func TestConfirmPaymentFailedAndPending(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, _ := f.lc.Create(ctx, alice, request("CARD", "A1"))
	ref := res.Booking.PaymentIntentRef

	b, err := f.lc.ConfirmPayment(ctx, alice, res.Booking.ID, ref)
	if err != nil || b.Status != model.StatusProcessing || b.PaymentStatus != model.PaymentProcessing {
		t.Fatalf("pending: %+v %v", b, err)
	}

	f.provider.SetOutcome(ref, payment.OutcomeFailed)
	b, err = f.lc.ConfirmPayment(ctx, alice, res.Booking.ID, ref)
	if err != nil || b.Status != model.StatusCancelled || b.PaymentStatus != model.PaymentFailed {
		t.Fatalf("failed: %+v %v", b, err)
	}
	if got := f.unavailable(t); len(got) != 0 {
		t.Fatalf("failed payment kept seats: %v", got)
	}
	if _, err := f.lc.ConfirmPayment(ctx, alice, res.Booking.ID, ref); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("confirm cancelled booking: %v", err)
	}
}

func TestConfirmPaymentAfterHoldExpiry(t *testing.T) {
	f := newFixture(t, Config{CardHoldTTL: 10 * time.Minute})
	ctx := context.Background()

	res, _ := f.lc.Create(ctx, alice, request("CARD", "A1"))
	f.clock.Advance(10 * time.Minute)
	f.provider.SetOutcome(res.Booking.PaymentIntentRef, payment.OutcomeSucceeded)

	_, err := f.lc.ConfirmPayment(ctx, alice, res.Booking.ID, res.Booking.PaymentIntentRef)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	b, _ := f.store.Get(ctx, res.Booking.ID)
	if b.Status != model.StatusAwaitingPayment {
		t.Fatalf("booking mutated to %s", b.Status)
	}
	holds, _ := f.ledger.Holds(ctx, res.Booking.ID)
	for _, h := range holds {
		if h.State == model.HoldConfirmed {
			t.Fatalf("expired hold confirmed: %+v", h)
		}
	}
}

func TestPaymentProviderFailureReleasesSeats(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.provider.FailWith(errors.New("provider outage"))
	_, err := f.lc.Create(ctx, alice, request("CARD", "A1", "A2"))
	if !errors.Is(err, ErrPaymentProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if got := f.unavailable(t); len(got) != 0 {
		t.Fatalf("seats still held: %v", got)
	}
	items, _, _ := f.store.List(ctx, model.BookingFilter{})
	if len(items) != 1 || items[0].Status != model.StatusCancelled || items[0].PaymentStatus != model.PaymentFailed {
		t.Fatalf("bookings = %+v", items)
	}

	f.provider.FailWith(nil)
	if _, err := f.lc.Create(ctx, bob, request("CARD", "A1", "A2")); err != nil {
		t.Fatalf("retry after outage: %v", err)
	}
}

func TestCancelThenCreate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, _ := f.lc.Create(ctx, alice, request("CASH", "A1", "A2"))
	b, err := f.lc.Cancel(ctx, alice, res.Booking.ID, CancelRequest{Reason: "plans changed"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if b.Status != model.StatusCancelled || b.PaymentStatus != model.PaymentFailed || b.CancellationReason != "plans changed" {
		t.Fatalf("cancelled = %+v", b)
	}
	if _, err := f.lc.Create(ctx, bob, request("CASH", "A2", "A1")); err != nil {
		t.Fatalf("create after cancel: %v", err)
	}
	if _, err := f.lc.Cancel(ctx, alice, res.Booking.ID, CancelRequest{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestCancelAuthorization(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, _ := f.lc.Create(ctx, alice, request("CASH", "A1"))
	id := res.Booking.ID
	for _, actor := range []model.Actor{bob, vendor2, {ID: "", Role: model.RoleAdmin}} {
		if _, err := f.lc.Cancel(ctx, actor, id, CancelRequest{}); !errors.Is(err, ErrForbidden) {
			t.Fatalf("%+v: expected forbidden, got %v", actor, err)
		}
	}
	if _, err := f.lc.Cancel(ctx, vendor, id, CancelRequest{Reason: "bus broke down"}); err != nil {
		t.Fatalf("vendor cancel: %v", err)
	}
}

func TestCancelConfirmedBooking(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, _ := f.lc.Create(ctx, alice, request("CASH", "A1"))
	if _, err := f.lc.ConfirmCash(ctx, vendor, res.Booking.ID); err != nil {
		t.Fatalf("ConfirmCash: %v", err)
	}
	b, err := f.lc.Cancel(ctx, admin, res.Booking.ID, CancelRequest{ChargeCents: 300, RefundCents: 1200})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if b.PaymentStatus != model.PaymentRefunded || b.RefundCents != 1200 || b.CancellationChargeCents != 300 {
		t.Fatalf("cancelled = %+v", b)
	}

	res, _ = f.lc.Create(ctx, alice, request("CASH", "A1"))
	f.lc.ConfirmCash(ctx, vendor, res.Booking.ID)
	f.clock.Advance(9 * 24 * time.Hour)
	if _, err := f.lc.Cancel(ctx, alice, res.Booking.ID, CancelRequest{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel after departure: %v", err)
	}
	if _, err := f.lc.Complete(ctx, vendor, res.Booking.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestCancelRetryReleasesSeats(t *testing.T) {
	flaky := &flakyLedger{}
	f := newWrappedFixture(t, Config{}, func(s *MemoryStore, l *ledger.MemoryLedger) (Store, ledger.Ledger) {
		flaky.MemoryLedger = l
		return s, flaky
	})
	ctx := context.Background()

	res, _ := f.lc.Create(ctx, alice, request("CASH", "A1"))
	if _, err := f.lc.ConfirmCash(ctx, vendor, res.Booking.ID); err != nil {
		t.Fatalf("ConfirmCash: %v", err)
	}

	flaky.releaseFailures = releaseAttempts
	if _, err := f.lc.Cancel(ctx, alice, res.Booking.ID, CancelRequest{Reason: "sick"}); KindOf(err) != KindInternal {
		t.Fatalf("cancel with failing release: %v", err)
	}
	if b, _ := f.store.Get(ctx, res.Booking.ID); b.Status != model.StatusCancelled {
		t.Fatalf("status = %s", b.Status)
	}
	if got := f.unavailable(t); !sameKeys(got, "A1") {
		t.Fatalf("unavailable = %v", got)
	}

	if _, err := f.lc.Cancel(ctx, alice, res.Booking.ID, CancelRequest{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("retried cancel: %v", err)
	}
	if got := f.unavailable(t); len(got) != 0 {
		t.Fatalf("retried cancel kept seats: %v", got)
	}

	f.clock.Advance(2 * time.Minute)
	if rep, err := f.lc.ExpireAbandoned(ctx, f.clock.Now()); err != nil || rep.Failures != 0 {
		t.Fatalf("sweep = %+v, %v", rep, err)
	}
	if _, err := f.lc.Create(ctx, bob, request("CASH", "A1")); err != nil {
		t.Fatalf("create after cancel retry: %v", err)
	}
}

func TestSweepReleasesStrandedHolds(t *testing.T) {
	flaky := &flakyLedger{}
	f := newWrappedFixture(t, Config{}, func(s *MemoryStore, l *ledger.MemoryLedger) (Store, ledger.Ledger) {
		flaky.MemoryLedger = l
		return s, flaky
	})
	ctx := context.Background()

	cancelled, _ := f.lc.Create(ctx, alice, request("CASH", "A1"))
	f.lc.ConfirmCash(ctx, vendor, cancelled.Booking.ID)
	kept, _ := f.lc.Create(ctx, alice, request("CASH", "A2"))
	f.lc.ConfirmCash(ctx, vendor, kept.Booking.ID)
	orphan, _ := f.lc.Create(ctx, alice, request("CASH", "B1"))
	if err := f.store.Delete(ctx, orphan.Booking.ID); err != nil {
		t.Fatal(err)
	}

	flaky.releaseFailures = releaseAttempts
	if _, err := f.lc.Cancel(ctx, admin, cancelled.Booking.ID, CancelRequest{}); err == nil {
		t.Fatal("expected release failure")
	}

	rep, err := f.lc.ExpireAbandoned(ctx, f.clock.Now())
	if err != nil || rep.HoldsRepaired != 0 {
		t.Fatalf("sweep inside grace = %+v, %v", rep, err)
	}

	f.clock.Advance(2 * time.Minute)
	rep, err = f.lc.ExpireAbandoned(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("ExpireAbandoned: %v", err)
	}
	if rep.HoldsRepaired != 2 || rep.Failures != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if got := f.unavailable(t); !sameKeys(got, "A2") {
		t.Fatalf("unavailable = %v", got)
	}
	if _, err := f.lc.Create(ctx, bob, request("CASH", "A1", "B1")); err != nil {
		t.Fatalf("create on repaired seats: %v", err)
	}
}

func TestConfirmPaymentRetryAfterStoreFailure(t *testing.T) {
	flaky := &flakyStore{}
	f := newWrappedFixture(t, Config{}, func(s *MemoryStore, l *ledger.MemoryLedger) (Store, ledger.Ledger) {
		flaky.MemoryStore = s
		return flaky, l
	})
	ctx := context.Background()

	res, _ := f.lc.Create(ctx, alice, request("CARD", "A1", "B2"))
	ref := res.Booking.PaymentIntentRef
	f.provider.SetOutcome(ref, payment.OutcomeSucceeded)

	flaky.confirmFailures = 1
	if _, err := f.lc.ConfirmPayment(ctx, alice, res.Booking.ID, ref); KindOf(err) != KindInternal {
		t.Fatalf("first confirm: %v", err)
	}
	holds, _ := f.ledger.Holds(ctx, res.Booking.ID)
	for _, h := range holds {
		if h.State != model.HoldConfirmed {
			t.Fatalf("hold %s = %s", h.SeatKey, h.State)
		}
	}

	b, err := f.lc.ConfirmPayment(ctx, alice, res.Booking.ID, ref)
	if err != nil {
		t.Fatalf("retried confirm: %v", err)
	}
	if b.Status != model.StatusConfirmed || b.PaymentStatus != model.PaymentPaid {
		t.Fatalf("booking = %s/%s", b.Status, b.PaymentStatus)
	}
	if f.events.count(EventConfirmed) != 1 {
		t.Fatalf("confirmed published %d times", f.events.count(EventConfirmed))
	}

	expired, err := f.lc.ExpireBooking(ctx, res.Booking.ID, f.clock.Now().Add(time.Hour))
	if err != nil || expired {
		t.Fatalf("paid booking expired = %v, %v", expired, err)
	}
	if got := f.unavailable(t); !sameKeys(got, "A1", "B2") {
		t.Fatalf("unavailable = %v", got)
	}
}

func TestExpireAbandoned(t *testing.T) {
	f := newFixture(t, Config{CashHoldTTL: 10 * time.Minute})
	ctx := context.Background()

	abandoned, _ := f.lc.Create(ctx, alice, request("CASH", "A1"))
	paid, _ := f.lc.Create(ctx, bob, request("CASH", "A2"))
	if _, err := f.lc.ConfirmCash(ctx, vendor, paid.Booking.ID); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(11 * time.Minute)
	rep, err := f.lc.ExpireAbandoned(ctx, f.clock.Now())
	if err != nil {
		t.Fatalf("ExpireAbandoned: %v", err)
	}
	if rep.HoldsReleased != 1 || rep.BookingsExpired != 1 || rep.Failures != 0 {
		t.Fatalf("report = %+v", rep)
	}
	b, _ := f.store.Get(ctx, abandoned.Booking.ID)
	if b.Status != model.StatusCancelled || b.PaymentStatus != model.PaymentFailed {
		t.Fatalf("abandoned = %s/%s", b.Status, b.PaymentStatus)
	}
	if got := f.unavailable(t); !sameKeys(got, "A2") {
		t.Fatalf("unavailable = %v", got)
	}
	if _, err := f.lc.Create(ctx, bob, request("CASH", "A1")); err != nil {
		t.Fatalf("create after sweep: %v", err)
	}
	if f.events.count(EventExpired) != 1 {
		t.Fatalf("expired events = %d", f.events.count(EventExpired))
	}

	again, _ := f.lc.ExpireAbandoned(ctx, f.clock.Now())
	if again.BookingsExpired != 0 {
		t.Fatalf("second sweep = %+v", again)
	}
}

func TestExpireBookingNotDue(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, _ := f.lc.Create(ctx, alice, request("CARD", "B2"))
	expired, err := f.lc.ExpireBooking(ctx, res.Booking.ID, f.clock.Now())
	if err != nil || expired {
		t.Fatalf("early expiry = %v, %v", expired, err)
	}
	expired, err = f.lc.ExpireBooking(ctx, res.Booking.ID, f.clock.Now().Add(15*time.Minute))
	if err != nil || !expired {
		t.Fatalf("due expiry = %v, %v", expired, err)
	}
	if in, _ := f.provider.Intent(res.Booking.PaymentIntentRef); in.Outcome != payment.OutcomeFailed {
		t.Fatalf("intent not cancelled: %+v", in)
	}
	if expired, _ := f.lc.ExpireBooking(ctx, "missing", f.clock.Now()); expired {
		t.Fatal("missing booking expired")
	}
}

func TestHandlePaymentEvent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, _ := f.lc.Create(ctx, alice, request("CARD", "A3"))
	ev := &payment.Event{ID: "evt_1", Ref: res.Booking.PaymentIntentRef, Outcome: payment.OutcomeSucceeded}

	b, err := f.lc.HandlePaymentEvent(ctx, ev)
	if err != nil || b.Status != model.StatusConfirmed {
		t.Fatalf("webhook: %+v %v", b, err)
	}
	b, err = f.lc.HandlePaymentEvent(ctx, ev)
	if err != nil || b.Status != model.StatusConfirmed {
		t.Fatalf("redelivery: %+v %v", b, err)
	}
	f.provider.SetOutcome(res.Booking.PaymentIntentRef, payment.OutcomeSucceeded)
	if _, err := f.lc.ConfirmPayment(ctx, alice, res.Booking.ID, res.Booking.PaymentIntentRef); err != nil {
		t.Fatalf("confirm after webhook: %v", err)
	}
	if f.events.count(EventConfirmed) != 1 {
		t.Fatalf("confirmed published %d times", f.events.count(EventConfirmed))
	}

	if b, err := f.lc.HandlePaymentEvent(ctx, &payment.Event{ID: "evt_2", Type: "charge.updated"}); b != nil || err != nil {
		t.Fatalf("ignored event = %v, %v", b, err)
	}
	if _, err := f.lc.HandlePaymentEvent(ctx, &payment.Event{Ref: "pi_unknown", Outcome: payment.OutcomeFailed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown ref: %v", err)
	}
}

func TestConfirmCashRules(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	card, _ := f.lc.Create(ctx, alice, request("CARD", "A1"))
	if _, err := f.lc.ConfirmCash(ctx, vendor, card.Booking.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("card booking: %v", err)
	}
	cash, _ := f.lc.Create(ctx, alice, request("CASH", "A2"))
	if _, err := f.lc.ConfirmCash(ctx, alice, cash.Booking.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("user confirming cash: %v", err)
	}
	b, err := f.lc.ConfirmCash(ctx, vendor, cash.Booking.ID)
	if err != nil || b.Status != model.StatusConfirmed || b.PaymentStatus != model.PaymentPaid {
		t.Fatalf("ConfirmCash: %+v %v", b, err)
	}
}

func TestListAndGetScoping(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	a, _ := f.lc.Create(ctx, alice, request("CASH", "A1"))
	f.clock.Advance(time.Second)
	f.lc.Create(ctx, bob, request("CASH", "A2"))

	page, err := f.lc.List(ctx, alice, model.BookingFilter{UserID: bob.ID})
	if err != nil || page.Total != 1 || page.Items[0].UserID != alice.ID {
		t.Fatalf("alice list = %+v %v", page, err)
	}
	page, _ = f.lc.List(ctx, vendor, model.BookingFilter{})
	if page.Total != 2 {
		t.Fatalf("vendor list total = %d", page.Total)
	}
	page, _ = f.lc.List(ctx, vendor2, model.BookingFilter{})
	if page.Total != 0 || page.Items == nil {
		t.Fatalf("other vendor list = %+v", page)
	}
	page, _ = f.lc.List(ctx, admin, model.BookingFilter{Limit: 1})
	if page.Total != 2 || len(page.Items) != 1 || page.Items[0].UserID != bob.ID {
		t.Fatalf("admin page = %+v", page)
	}

	if _, err := f.lc.Get(ctx, bob, a.Booking.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("bob reading alice's booking: %v", err)
	}
	if _, err := f.lc.Get(ctx, alice, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing booking: %v", err)
	}
}

func TestDeleteIsAdminOnly(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, _ := f.lc.Create(ctx, alice, request("CASH", "A1"))
	if err := f.lc.Delete(ctx, vendor, res.Booking.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("vendor delete: %v", err)
	}
	if err := f.lc.Delete(ctx, admin, res.Booking.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if got := f.unavailable(t); len(got) != 0 {
		t.Fatalf("delete kept holds: %v", got)
	}
	if _, err := f.store.Get(ctx, res.Booking.ID); err == nil {
		t.Fatal("booking still stored")
	}
}
