package model

import "time"

// HoldState is the lifecycle state of a SeatHold.
type HoldState string

const (
	HoldHeld      HoldState = "HELD"
	HoldConfirmed HoldState = "CONFIRMED"
	HoldReleased  HoldState = "RELEASED"
)

// SeatHold is a claim on one seat of one trip instance.  For a given
// (TripInstanceID, SeatKey) at most one hold is HELD or CONFIRMED at any
// time; released holds are kept as history.
//
// Fields:
//  ID             – seat_holds.id (zero for in-memory holds).
//  TripInstanceID – trip the seat belongs to.
//  SeatKey        – seat within the trip's layout.
//  Position       – index of the seat within its booking's seat list.
//  BookingID      – booking owning the hold.
//  State          – HELD, CONFIRMED or RELEASED.
//  ExpiresAt      – deadline of a HELD hold; ignored otherwise.
//  CreatedAt      – when the hold was taken.
//  ReleasedAt     – when the hold was released (nil while active).
type SeatHold struct {
	ID             uint64     `json:"-"`
	TripInstanceID string     `json:"trip_instance_id"`
	SeatKey        string     `json:"seat_key"`
	Position       int        `json:"-"`
	BookingID      string     `json:"booking_id"`
	State          HoldState  `json:"state"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
}

// Blocking reports whether the hold makes its seat unavailable at now.
// An expired HELD hold never blocks, even before a sweep releases it.
func (h SeatHold) Blocking(now time.Time) bool {
	switch h.State {
	case HoldConfirmed:
		return true
	case HoldHeld:
		return h.ExpiresAt.After(now)
	}
	return false
}
