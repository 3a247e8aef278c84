package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Layout mirrors a row of the bus_layouts table joined with the vehicle
// that uses it.  Layouts are maintained by the admin CRUD surface; the
// booking core only reads them.
type Layout struct {
	ID                string    // bus_layouts.id
	VehicleID         string    // vehicles.id using this layout
	VendorID          string    // vehicles.vendor_id
	Name              string    // bus_layouts.layout_name
	SleeperPriceCents int64     // bus_layouts.sleeper_price_cents
	SeaterPriceCents  int64     // bus_layouts.seater_price_cents
	IsActive          bool      // bus_layouts.is_active
	LayoutJSON        []byte    // bus_layouts.layout_json
	UpdatedAt         time.Time // bus_layouts.updated_at
}

// layoutDoc is the JSON document stored in bus_layouts.layout_json.
// Rows is the visual grid (null entries are aisles/gaps); Seats maps a
// seat key to its attributes.
type layoutDoc struct {
	Rows  [][]*string              `json:"rows"`
	Seats map[string]layoutSeatDoc `json:"seats"`
}

type layoutSeatDoc struct {
	Type   string `json:"type"`
	Number string `json:"number"`
	Deck   string `json:"deck"`
}

// Seats decodes the layout document into seat descriptors.  Seats are
// returned in grid order (row by row); seats that do not appear in the
// grid follow, sorted by key.  Missing deck and type default to LOWER and
// SEAT, a missing number defaults to the key.
func (l Layout) Seats() ([]SeatDescriptor, error) {
	var doc layoutDoc
	if err := json.Unmarshal(l.LayoutJSON, &doc); err != nil {
		return nil, fmt.Errorf("decode layout %s: %w", l.ID, err)
	}
	if len(doc.Seats) == 0 {
		return nil, fmt.Errorf("layout %s has no seats", l.ID)
	}

	out := make([]SeatDescriptor, 0, len(doc.Seats))
	seen := make(map[string]struct{}, len(doc.Seats))
	add := func(key string) error {
		if _, dup := seen[key]; dup {
			return nil
		}
		raw, ok := doc.Seats[key]
		if !ok {
			return nil
		}
		d, err := l.describe(key, raw)
		if err != nil {
			return err
		}
		seen[key] = struct{}{}
		out = append(out, d)
		return nil
	}

	for _, row := range doc.Rows {
		for _, cell := range row {
			if cell == nil || *cell == "" {
				continue
			}
			if err := add(*cell); err != nil {
				return nil, err
			}
		}
	}
	rest := make([]string, 0)
	for key := range doc.Seats {
		if _, ok := seen[key]; !ok {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		if err := add(key); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (l Layout) describe(key string, raw layoutSeatDoc) (SeatDescriptor, error) {
	deck := Deck(strings.ToUpper(strings.TrimSpace(raw.Deck)))
	if deck == "" {
		deck = DeckLower
	}
	if !deck.Valid() {
		return SeatDescriptor{}, fmt.Errorf("layout %s seat %s: unknown deck %q", l.ID, key, raw.Deck)
	}
	cat := Category(strings.ToUpper(strings.TrimSpace(raw.Type)))
	if cat == "" {
		cat = CategorySeat
	}
	if !cat.Valid() {
		return SeatDescriptor{}, fmt.Errorf("layout %s seat %s: unknown type %q", l.ID, key, raw.Type)
	}
	number := strings.TrimSpace(raw.Number)
	if number == "" {
		number = key
	}
	price := l.SeaterPriceCents
	if cat == CategorySleeper {
		price = l.SleeperPriceCents
	}
	return SeatDescriptor{
		Key:        key,
		SeatNumber: number,
		Deck:       deck,
		Category:   cat,
		PriceCents: price,
	}, nil
}
