package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/ledger"
	"github.com/iliyamo/bus-seat-booking/internal/model"
)

const sampleLayout = `{
  "rows": [["L1", null, "L2"], ["U1", null, "U2"]],
  "seats": {
    "L1": {"type": "SEATER", "number": "1", "deck": "LOWER"},
    "L2": {"type": "SEAT", "number": "2"},
    "U1": {"type": "SLEEPER", "number": "S1", "deck": "UPPER"},
    "U2": {"type": "SLEEPER", "number": "S2", "deck": "UPPER"},
    "X9": {"type": "SEAT"}
  }
}`

func newInventory() (*Inventory, *ledger.MemoryLedger) {
	layouts := NewStaticLayouts(&model.Layout{
		ID:                "lay-1",
		VehicleID:         "veh-1",
		VendorID:          "ven-1",
		SeaterPriceCents:  1500,
		SleeperPriceCents: 2500,
		IsActive:          true,
		LayoutJSON:        []byte(sampleLayout),
	}, &model.Layout{ID: "lay-2", VehicleID: "veh-off", LayoutJSON: []byte(sampleLayout)})
	l := ledger.NewMemoryLedger()
	return New(layouts, l, nil), l
}

func TestListSeats(t *testing.T) {
	inv, _ := newInventory()
	seats, err := inv.ListSeats(context.Background(), "veh-1")
	if err != nil {
		t.Fatalf("ListSeats: %v", err)
	}
	want := []string{"L1", "L2", "U1", "U2", "X9"}
	if len(seats) != len(want) {
		t.Fatalf("got %d seats, want %d", len(seats), len(want))
	}
	for i, k := range want {
		if seats[i].Key != k {
			t.Fatalf("seat %d = %s, want %s", i, seats[i].Key, k)
		}
	}
	if seats[2].PriceCents != 2500 || seats[2].Deck != model.DeckUpper {
		t.Fatalf("sleeper seat mispriced: %+v", seats[2])
	}
	if seats[1].PriceCents != 1500 || seats[1].Deck != model.DeckLower {
		t.Fatalf("seat defaults wrong: %+v", seats[1])
	}
	if seats[4].SeatNumber != "X9" {
		t.Fatalf("number should default to key: %+v", seats[4])
	}
}

func TestListSeatsNotFound(t *testing.T) {
	inv, _ := newInventory()
	for _, id := range []string{"missing", "veh-off"} {
		if _, err := inv.ListSeats(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", id, err)
		}
	}
}

func TestSeatMapAndResolve(t *testing.T) {
	inv, l := newInventory()
	ctx := context.Background()
	trip := model.NewTripInstance("veh-1", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))

	if _, err := l.TryHold(ctx, trip, []string{"U1"}, "b1", time.Minute); err != nil {
		t.Fatal(err)
	}
	taken, err := inv.ListUnavailable(ctx, trip)
	if err != nil || len(taken) != 1 || taken[0] != "U1" {
		t.Fatalf("ListUnavailable = %v, %v", taken, err)
	}

	m, err := inv.SeatMap(ctx, trip)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range m {
		if s.Available == (s.Key == "U1") {
			t.Fatalf("seat %s availability = %v", s.Key, s.Available)
		}
	}

	_, found, unknown, err := inv.Resolve(ctx, "veh-1", []string{"U2", "Q1", "L1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 || found[0].Key != "U2" || found[1].Key != "L1" {
		t.Fatalf("found = %+v", found)
	}
	if len(unknown) != 1 || unknown[0] != "Q1" {
		t.Fatalf("unknown = %v", unknown)
	}
}
