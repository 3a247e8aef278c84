package ledger

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testTrip(vehicle string, day int) model.TripInstance {
	return model.NewTripInstance(vehicle, time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC))
}

func TestMemoryParallelHoldsOnSameSeat(t *testing.T) {
	l := NewMemoryLedger()
	trip := testTrip("veh-1", 1)

	const workers = 50
	var wins int32
	var conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seats := []string{"A1", "A2"}
			if i%2 == 1 {
				seats = []string{"A2", "A3"}
			}
			_, err := l.TryHold(context.Background(), trip, seats, bookingID(i), time.Minute)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if conflicts != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts)
	}
}

func TestMemoryAllOrNothing(t *testing.T) {
	l := NewMemoryLedger()
	trip := testTrip("veh-1", 1)
	ctx := context.Background()

	if _, err := l.TryHold(ctx, trip, []string{"A1"}, "b1", time.Minute); err != nil {
		t.Fatalf("first hold: %v", err)
	}
	_, err := l.TryHold(ctx, trip, []string{"A2", "A1", "A3"}, "b2", time.Minute)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(ce.Seats) != 1 || ce.Seats[0] != "A1" {
		t.Fatalf("conflict seats = %v, want [A1]", ce.Seats)
	}

	got, _ := l.Unavailable(ctx, trip, time.Now())
	if len(got) != 1 || got[0] != "A1" {
		t.Fatalf("unavailable = %v, want [A1]", got)
	}
	if _, err := l.TryHold(ctx, trip, []string{"A2", "A3"}, "b3", time.Minute); err != nil {
		t.Fatalf("A2/A3 should still be free: %v", err)
	}
}

func TestMemoryTripsAreIndependent(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if _, err := l.TryHold(ctx, testTrip("veh-1", 1), []string{"A1"}, "b1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryHold(ctx, testTrip("veh-1", 2), []string{"A1"}, "b2", time.Minute); err != nil {
		t.Fatalf("other date must not conflict: %v", err)
	}
	if _, err := l.TryHold(ctx, testTrip("veh-2", 1), []string{"A1"}, "b3", time.Minute); err != nil {
		t.Fatalf("other vehicle must not conflict: %v", err)
	}
}

func TestMemoryRejectsBadRequests(t *testing.T) {
	l := NewMemoryLedger()
	trip := testTrip("veh-1", 1)
	ctx := context.Background()

	if _, err := l.TryHold(ctx, trip, nil, "b1", time.Minute); !errors.Is(err, ErrEmptySeatSet) {
		t.Fatalf("empty set: got %v", err)
	}
	if _, err := l.TryHold(ctx, trip, []string{"A1", "A1"}, "b1", time.Minute); !errors.Is(err, ErrDuplicateSeat) {
		t.Fatalf("duplicate: got %v", err)
	}
	if _, err := l.TryHold(ctx, trip, []string{"A1"}, "", time.Minute); !errors.Is(err, ErrMissingBooking) {
		t.Fatalf("missing booking: got %v", err)
	}
}

func TestMemoryConfirmAfterExpiryFails(t *testing.T) {
	clk := newFakeClock()
	l := NewMemoryLedger(WithClock(clk.Now))
	trip := testTrip("veh-1", 1)
	ctx := context.Background()

	if _, err := l.TryHold(ctx, trip, []string{"A1", "A2"}, "b1", 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Minute)

	if err := l.Confirm(ctx, "b1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("confirm after expiry: got %v", err)
	}
	got, _ := l.Unavailable(ctx, trip, clk.Now())
	if len(got) != 0 {
		t.Fatalf("expired hold still blocks: %v", got)
	}
	if _, err := l.TryHold(ctx, trip, []string{"A2"}, "b2", time.Minute); err != nil {
		t.Fatalf("seat of expired hold should be free: %v", err)
	}
}

func TestMemoryConfirmTwiceIsInvalid(t *testing.T) {
	l := NewMemoryLedger()
	trip := testTrip("veh-1", 1)
	ctx := context.Background()

	if _, err := l.TryHold(ctx, trip, []string{"A1"}, "b1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := l.Confirm(ctx, "b1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := l.Confirm(ctx, "b1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second confirm: got %v", err)
	}
	if err := l.Confirm(ctx, "unknown"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("unknown booking: got %v", err)
	}
}

func TestMemoryReleaseThenRehold(t *testing.T) {
	l := NewMemoryLedger()
	trip := testTrip("veh-1", 1)
	ctx := context.Background()

	if _, err := l.TryHold(ctx, trip, []string{"A1", "A2"}, "b1", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := l.Confirm(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, "b1"); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if _, err := l.TryHold(ctx, trip, []string{"A2", "A1"}, "b2", time.Minute); err != nil {
		t.Fatalf("rehold after release: %v", err)
	}

	holds, _ := l.Holds(ctx, "b1")
	if len(holds) != 2 {
		t.Fatalf("released holds must be kept, got %d", len(holds))
	}
	for _, h := range holds {
		if h.State != model.HoldReleased || h.ReleasedAt == nil {
			t.Fatalf("hold %s not released: %+v", h.SeatKey, h)
		}
	}
}

func TestMemorySweepReleasesOnlyExpired(t *testing.T) {
	clk := newFakeClock()
	l := NewMemoryLedger(WithClock(clk.Now))
	trip := testTrip("veh-1", 1)
	ctx := context.Background()

	if _, err := l.TryHold(ctx, trip, []string{"A1", "A2"}, "short", 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryHold(ctx, trip, []string{"B1"}, "long", 30*time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryHold(ctx, trip, []string{"C1"}, "paid", 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := l.Confirm(ctx, "paid"); err != nil {
		t.Fatal(err)
	}

	clk.Advance(11 * time.Minute)
	n, err := l.ExpireStaleHolds(ctx, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expired %d holds, want 2", n)
	}
	got, _ := l.Unavailable(ctx, trip, clk.Now())
	want := []string{"B1", "C1"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unavailable = %v, want %v", got, want)
	}
	if n, _ := l.ExpireStaleHolds(ctx, clk.Now()); n != 0 {
		t.Fatalf("second sweep expired %d", n)
	}
}

func TestMemoryDropsOldReleasedHolds(t *testing.T) {
	clk := newFakeClock()
	l := NewMemoryLedger(WithClock(clk.Now), WithRetention(time.Hour))
	trip := testTrip("veh-1", 1)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id := bookingID(i)
		if _, err := l.TryHold(ctx, trip, []string{"A1", "A2"}, id, time.Minute); err != nil {
			t.Fatalf("hold %d: %v", i, err)
		}
		if err := l.Release(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := l.TryHold(ctx, trip, []string{"B1"}, "keep", time.Minute); err != nil {
		t.Fatal(err)
	}
	if holds, _ := l.Holds(ctx, "b3"); len(holds) != 2 {
		t.Fatalf("recent history lost: %+v", holds)
	}

	clk.Advance(2 * time.Hour)
	if _, err := l.ExpireStaleHolds(ctx, clk.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := l.ExpireStaleHolds(ctx, clk.Now()); err != nil {
		t.Fatal(err)
	}

	tr := l.trip(trip.ID(), false)
	tr.mu.Lock()
	n := len(tr.holds)
	tr.mu.Unlock()
	if n != 1 {
		t.Fatalf("trip keeps %d holds, want 1", n)
	}
	if holds, _ := l.Holds(ctx, "b3"); len(holds) != 0 {
		t.Fatalf("old holds still listed: %+v", holds)
	}
	l.mu.Lock()
	_, tracked := l.bookings["b3"]
	l.mu.Unlock()
	if tracked {
		t.Fatal("pruned booking still tracked")
	}
	if err := l.Release(ctx, "b3"); err != nil {
		t.Fatalf("release of pruned booking: %v", err)
	}
	if _, err := l.TryHold(ctx, trip, []string{"A1"}, "next", time.Minute); err != nil {
		t.Fatalf("hold after prune: %v", err)
	}
}

func TestMemoryActiveBookings(t *testing.T) {
	clk := newFakeClock()
	l := NewMemoryLedger(WithClock(clk.Now))
	ctx := context.Background()

	if _, err := l.TryHold(ctx, testTrip("veh-1", 1), []string{"A1", "A2"}, "b2", time.Hour); err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryHold(ctx, testTrip("veh-1", 2), []string{"A1"}, "b1", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := l.Confirm(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryHold(ctx, testTrip("veh-2", 1), []string{"A1"}, "b3", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(ctx, "b3"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	if _, err := l.TryHold(ctx, testTrip("veh-2", 1), []string{"A2"}, "b4", time.Hour); err != nil {
		t.Fatal(err)
	}

	cutoff := clk.Now().Add(-time.Second)
	ids, _ := l.ActiveBookings(ctx, cutoff, "", 10)
	if len(ids) != 2 || ids[0] != "b1" || ids[1] != "b2" {
		t.Fatalf("active = %v, want [b1 b2]", ids)
	}
	ids, _ = l.ActiveBookings(ctx, cutoff, "", 1)
	if len(ids) != 1 || ids[0] != "b1" {
		t.Fatalf("first page = %v", ids)
	}
	ids, _ = l.ActiveBookings(ctx, cutoff, "b1", 1)
	if len(ids) != 1 || ids[0] != "b2" {
		t.Fatalf("second page = %v", ids)
	}
}

func bookingID(i int) string { return "b" + strconv.Itoa(i) }
