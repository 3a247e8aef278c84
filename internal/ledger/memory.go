package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// MemoryLedger keeps holds in process.  Each trip has its own mutex so
// requests for different trips never wait on each other; mu only guards
// the maps.  A trip's mutex is always taken before mu.  Released holds are
// dropped once they are older than the retention period.
type MemoryLedger struct {
	opts options

	mu       sync.Mutex
	trips    map[string]*tripHolds
	bookings map[string]string // booking id -> trip id
}

type tripHolds struct {
	mu     sync.Mutex
	holds  []*model.SeatHold
	active map[string]*model.SeatHold // seat key -> HELD or CONFIRMED hold
}

// NewMemoryLedger returns an empty in-process ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	return &MemoryLedger{
		opts:     buildOptions(opts),
		trips:    make(map[string]*tripHolds),
		bookings: make(map[string]string),
	}
}

func (l *MemoryLedger) trip(id string, create bool) *tripHolds {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.trips[id]
	if !ok && create {
		t = &tripHolds{active: make(map[string]*model.SeatHold)}
		l.trips[id] = t
	}
	return t
}

func (l *MemoryLedger) tripOf(bookingID string) *tripHolds {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.bookings[bookingID]
	if !ok {
		return nil
	}
	return l.trips[id]
}

// releaseExpiredLocked drops HELD holds past their deadline.  t.mu must be held.
func (t *tripHolds) releaseExpiredLocked(now time.Time) int {
	n := 0
	for key, h := range t.active {
		if h.State == model.HoldHeld && !h.ExpiresAt.After(now) {
			h.State = model.HoldReleased
			at := now
			h.ReleasedAt = &at
			delete(t.active, key)
			n++
		}
	}
	return n
}

// pruneLocked drops released holds older than the retention period and
// returns the bookings left without any hold.  t.mu must be held.
func (t *tripHolds) pruneLocked(cutoff time.Time) []string {
	kept := t.holds[:0]
	dropped := make(map[string]struct{})
	remaining := make(map[string]struct{})
	for _, h := range t.holds {
		if h.State == model.HoldReleased && h.ReleasedAt != nil && h.ReleasedAt.Before(cutoff) {
			dropped[h.BookingID] = struct{}{}
			continue
		}
		remaining[h.BookingID] = struct{}{}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(t.holds); i++ {
		t.holds[i] = nil
	}
	t.holds = kept

	var gone []string
	for id := range dropped {
		if _, ok := remaining[id]; !ok {
			gone = append(gone, id)
		}
	}
	return gone
}

// sweepLocked releases expired holds and prunes old history.  t.mu must
// be held.
func (l *MemoryLedger) sweepLocked(t *tripHolds, now time.Time) int {
	n := t.releaseExpiredLocked(now)
	gone := t.pruneLocked(now.Add(-l.opts.retention))
	if len(gone) > 0 {
		l.mu.Lock()
		for _, id := range gone {
			delete(l.bookings, id)
		}
		l.mu.Unlock()
	}
	return n
}

func (l *MemoryLedger) TryHold(ctx context.Context, trip model.TripInstance, seatKeys []string, bookingID string, ttl time.Duration) ([]model.SeatHold, error) {
	if err := checkRequest(seatKeys, bookingID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	tripID := trip.ID()
	t := l.trip(tripID, true)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := l.opts.now().UTC()
	l.sweepLocked(t, now)

	var taken []string
	for _, k := range seatKeys {
		if _, ok := t.active[k]; ok {
			taken = append(taken, k)
		}
	}
	if len(taken) > 0 {
		return nil, &ConflictError{TripInstanceID: tripID, Seats: taken}
	}

	out := make([]model.SeatHold, 0, len(seatKeys))
	for i, k := range seatKeys {
		h := &model.SeatHold{
			TripInstanceID: tripID,
			SeatKey:        k,
			Position:       i,
			BookingID:      bookingID,
			State:          model.HoldHeld,
			ExpiresAt:      now.Add(ttl),
			CreatedAt:      now,
		}
		t.holds = append(t.holds, h)
		t.active[k] = h
		out = append(out, *h)
	}

	l.mu.Lock()
	l.bookings[bookingID] = tripID
	l.mu.Unlock()
	return out, nil
}

func (l *MemoryLedger) Confirm(ctx context.Context, bookingID string) error {
	t := l.tripOf(bookingID)
	if t == nil {
		return ErrInvalidState
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := l.opts.now().UTC()
	var mine []*model.SeatHold
	for _, h := range t.active {
		if h.BookingID != bookingID {
			continue
		}
		if h.State != model.HoldHeld || !h.ExpiresAt.After(now) {
			return ErrInvalidState
		}
		mine = append(mine, h)
	}
	if len(mine) == 0 {
		return ErrInvalidState
	}
	for _, h := range mine {
		h.State = model.HoldConfirmed
	}
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, bookingID string) error {
	t := l.tripOf(bookingID)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := l.opts.now().UTC()
	for key, h := range t.active {
		if h.BookingID == bookingID {
			h.State = model.HoldReleased
			at := now
			h.ReleasedAt = &at
			delete(t.active, key)
		}
	}
	return nil
}

func (l *MemoryLedger) ExpireStaleHolds(ctx context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	trips := make([]*tripHolds, 0, len(l.trips))
	for _, t := range l.trips {
		trips = append(trips, t)
	}
	l.mu.Unlock()

	total := 0
	for _, t := range trips {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		t.mu.Lock()
		total += l.sweepLocked(t, now.UTC())
		t.mu.Unlock()
	}
	return total, nil
}

func (l *MemoryLedger) Unavailable(ctx context.Context, trip model.TripInstance, now time.Time) ([]string, error) {
	t := l.trip(trip.ID(), false)
	if t == nil {
		return []string{}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.active))
	for key, h := range t.active {
		if h.Blocking(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *MemoryLedger) Holds(ctx context.Context, bookingID string) ([]model.SeatHold, error) {
	t := l.tripOf(bookingID)
	if t == nil {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []model.SeatHold
	for _, h := range t.holds {
		if h.BookingID == bookingID {
			out = append(out, *h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (l *MemoryLedger) ActiveBookings(ctx context.Context, createdBefore time.Time, after string, limit int) ([]string, error) {
	l.mu.Lock()
	trips := make([]*tripHolds, 0, len(l.trips))
	for _, t := range l.trips {
		trips = append(trips, t)
	}
	l.mu.Unlock()

	seen := make(map[string]struct{})
	for _, t := range trips {
		t.mu.Lock()
		for _, h := range t.active {
			if h.BookingID > after && !h.CreatedAt.After(createdBefore) {
				seen[h.BookingID] = struct{}{}
			}
		}
		t.mu.Unlock()
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
