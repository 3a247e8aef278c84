// Package inventory answers which seats a vehicle has and which of them
// can still be booked on a given date.  Seat descriptors come from the
// vehicle's active layout; availability comes from the ledger.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/ledger"
	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

// ErrNotFound is returned when the vehicle or its active layout is missing.
var ErrNotFound = errors.New("vehicle or layout not found")

// LayoutSource loads the active layout of a vehicle.  repository.LayoutRepo
// implements it.
type LayoutSource interface {
	GetByVehicle(ctx context.Context, vehicleID string) (*model.Layout, error)
}

// Inventory combines layouts with the ledger's view of held seats.
type Inventory struct {
	layouts LayoutSource
	ledger  ledger.Ledger
	now     func() time.Time
}

// New returns an Inventory.  now may be nil.
func New(layouts LayoutSource, l ledger.Ledger, now func() time.Time) *Inventory {
	if now == nil {
		now = time.Now
	}
	return &Inventory{layouts: layouts, ledger: l, now: now}
}

// Layout returns the vehicle's active layout.
func (inv *Inventory) Layout(ctx context.Context, vehicleID string) (*model.Layout, error) {
	l, err := inv.layouts.GetByVehicle(ctx, vehicleID)
	if err != nil {
		if errors.Is(err, repository.ErrVehicleNotFound) || errors.Is(err, repository.ErrLayoutNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, err
	}
	return l, nil
}

// ListSeats returns every seat of the vehicle's active layout.
func (inv *Inventory) ListSeats(ctx context.Context, vehicleID string) ([]model.SeatDescriptor, error) {
	l, err := inv.Layout(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	return l.Seats()
}

// ListUnavailable returns the seat keys of the trip that are confirmed or
// held by a hold that has not expired.  It never changes state.
func (inv *Inventory) ListUnavailable(ctx context.Context, trip model.TripInstance) ([]string, error) {
	return inv.ledger.Unavailable(ctx, trip, inv.now())
}

// SeatMap returns the vehicle's seats flagged with their availability on
// the trip's date.
func (inv *Inventory) SeatMap(ctx context.Context, trip model.TripInstance) ([]model.SeatAvailability, error) {
	seats, err := inv.ListSeats(ctx, trip.VehicleID)
	if err != nil {
		return nil, err
	}
	taken, err := inv.ListUnavailable(ctx, trip)
	if err != nil {
		return nil, err
	}
	blocked := make(map[string]struct{}, len(taken))
	for _, k := range taken {
		blocked[k] = struct{}{}
	}
	out := make([]model.SeatAvailability, len(seats))
	for i, s := range seats {
		_, gone := blocked[s.Key]
		out[i] = model.SeatAvailability{SeatDescriptor: s, Available: !gone}
	}
	return out, nil
}

// Resolve looks up the requested keys in the vehicle's layout.  Found
// seats keep the request order; keys the layout does not know are
// returned in unknown.
func (inv *Inventory) Resolve(ctx context.Context, vehicleID string, keys []string) (*model.Layout, []model.SeatDescriptor, []string, error) {
	l, err := inv.Layout(ctx, vehicleID)
	if err != nil {
		return nil, nil, nil, err
	}
	seats, err := l.Seats()
	if err != nil {
		return nil, nil, nil, err
	}
	byKey := make(map[string]model.SeatDescriptor, len(seats))
	for _, s := range seats {
		byKey[s.Key] = s
	}
	var found []model.SeatDescriptor
	var unknown []string
	for _, k := range keys {
		if s, ok := byKey[k]; ok {
			found = append(found, s)
		} else {
			unknown = append(unknown, k)
		}
	}
	return l, found, unknown, nil
}

// StaticLayouts serves layouts from memory, keyed by vehicle id.
type StaticLayouts struct {
	mu      sync.RWMutex
	layouts map[string]*model.Layout
}

// NewStaticLayouts returns a LayoutSource over the given layouts.
func NewStaticLayouts(layouts ...*model.Layout) *StaticLayouts {
	s := &StaticLayouts{layouts: make(map[string]*model.Layout, len(layouts))}
	for _, l := range layouts {
		s.Put(l)
	}
	return s
}

// Put adds or replaces the layout of l.VehicleID.
func (s *StaticLayouts) Put(l *model.Layout) {
	s.mu.Lock()
	s.layouts[l.VehicleID] = l
	s.mu.Unlock()
}

func (s *StaticLayouts) GetByVehicle(ctx context.Context, vehicleID string) (*model.Layout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.layouts[vehicleID]
	if !ok {
		return nil, repository.ErrVehicleNotFound
	}
	if !l.IsActive {
		return nil, repository.ErrLayoutNotFound
	}
	cp := *l
	return &cp, nil
}
