package model

// Deck identifies the level of a bus a seat sits on.  Single-deck
// layouts only use LOWER.
type Deck string

const (
	DeckLower Deck = "LOWER"
	DeckUpper Deck = "UPPER"
)

// Valid reports whether d is a known deck.
func (d Deck) Valid() bool { return d == DeckLower || d == DeckUpper }

// Category describes the kind of seat.  SEAT and SEATER are both priced
// with the layout's seater price; SLEEPER uses the sleeper price.
type Category string

const (
	CategorySeat    Category = "SEAT"
	CategorySeater  Category = "SEATER"
	CategorySleeper Category = "SLEEPER"
)

// Valid reports whether c is a known seat category.
func (c Category) Valid() bool {
	switch c {
	case CategorySeat, CategorySeater, CategorySleeper:
		return true
	}
	return false
}

// SeatDescriptor is the immutable description of one seat of a bus
// layout.  Bookings reference seats by Key and never modify them.
//
// Fields:
//  Key        – unique identifier of the seat within its layout.
//  SeatNumber – label printed on the ticket (e.g. "L1", "U12").
//  Deck       – LOWER or UPPER.
//  Category   – SEAT, SEATER or SLEEPER.
//  PriceCents – base fare of the seat in minor currency units.
type SeatDescriptor struct {
	Key        string   `json:"key"`
	SeatNumber string   `json:"seat_number"`
	Deck       Deck     `json:"deck"`
	Category   Category `json:"category"`
	PriceCents int64    `json:"price_cents"`
}

// SeatAvailability pairs a seat with its availability for one trip
// instance.  It is the public seat-map projection.
type SeatAvailability struct {
	SeatDescriptor
	Available bool `json:"available"`
}
