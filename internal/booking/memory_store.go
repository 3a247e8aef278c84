package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/model"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
)

// MemoryStore is an in-process Store.  It returns copies so callers never
// share a booking with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*model.Booking
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*model.Booking)}
}

func clone(b *model.Booking) *model.Booking {
	cp := *b
	cp.SeatKeys = append([]string(nil), b.SeatKeys...)
	return &cp
}

func (s *MemoryStore) Insert(ctx context.Context, b *model.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[b.ID]; ok {
		return repository.ErrConflict
	}
	s.bookings[b.ID] = clone(b)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(b), nil
}

func (s *MemoryStore) GetByPaymentRef(ctx context.Context, ref string) (*model.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bookings {
		if ref != "" && b.PaymentIntentRef == ref {
			return clone(b), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *MemoryStore) Update(ctx context.Context, b *model.Booking, from ...model.BookingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.bookings[b.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if len(from) > 0 {
		match := false
		for _, st := range from {
			if cur.Status == st {
				match = true
				break
			}
		}
		if !match {
			return repository.ErrStaleState
		}
	}
	next := clone(cur)
	next.Status = b.Status
	next.PaymentStatus = b.PaymentStatus
	next.PaymentIntentRef = b.PaymentIntentRef
	next.HoldExpiresAt = b.HoldExpiresAt
	next.CancellationReason = b.CancellationReason
	next.CancellationChargeCents = b.CancellationChargeCents
	next.RefundCents = b.RefundCents
	next.UpdatedAt = b.UpdatedAt
	s.bookings[b.ID] = next
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.bookings, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f model.BookingFilter) ([]model.Booking, int, error) {
	s.mu.RLock()
	var all []model.Booking
	for _, b := range s.bookings {
		if matches(b, f) {
			all = append(all, *clone(b))
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}
	return all[start:end], total, nil
}

func matches(b *model.Booking, f model.BookingFilter) bool {
	switch {
	case f.UserID != "" && b.UserID != f.UserID:
		return false
	case f.VendorID != "" && b.VendorID != f.VendorID:
		return false
	case f.VehicleID != "" && b.VehicleID != f.VehicleID:
		return false
	case f.Status != "" && b.Status != f.Status:
		return false
	case f.From != nil && b.ServiceDate.Before(model.NewTripInstance("", *f.From).ServiceDate):
		return false
	case f.To != nil && b.ServiceDate.After(model.NewTripInstance("", *f.To).ServiceDate):
		return false
	}
	return true
}

func (s *MemoryStore) ListExpiredUnpaid(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	var due []*model.Booking
	for _, b := range s.bookings {
		if b.Status.Unpaid() && !b.HoldExpiresAt.After(now) {
			due = append(due, b)
		}
	}
	s.mu.RUnlock()

	sort.Slice(due, func(i, j int) bool { return due[i].HoldExpiresAt.Before(due[j].HoldExpiresAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]string, len(due))
	for i, b := range due {
		ids[i] = b.ID
	}
	return ids, nil
}
