// Package queue defines the booking event payload carried over RabbitMQ
// and the consumer that records those events.
package queue

import (
	"time"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// BookingEvent is published whenever a booking changes state.  It carries
// enough for downstream consumers to log, notify or feed analytics
// without querying the bookings table.
type BookingEvent struct {
	Type           string   `json:"type"`
	BookingID      string   `json:"booking_id"`
	UserID         string   `json:"user_id"`
	VendorID       string   `json:"vendor_id"`
	VehicleID      string   `json:"vehicle_id"`
	TripInstanceID string   `json:"trip_instance_id"`
	ServiceDate    string   `json:"service_date"`
	Seats          []string `json:"seats"`
	Status         string   `json:"status"`
	PaymentStatus  string   `json:"payment_status"`
	PaymentMethod  string   `json:"payment_method"`
	FinalCents     int64    `json:"final_cents"`
	Currency       string   `json:"currency"`
	Reason         string   `json:"reason,omitempty"`
	OccurredAt     string   `json:"occurred_at"`
}

// NewBookingEvent snapshots b for the given event type.
func NewBookingEvent(eventType string, b model.Booking, at time.Time) BookingEvent {
	seats := make([]string, len(b.SeatKeys))
	copy(seats, b.SeatKeys)
	return BookingEvent{
		Type:           eventType,
		BookingID:      b.ID,
		UserID:         b.UserID,
		VendorID:       b.VendorID,
		VehicleID:      b.VehicleID,
		TripInstanceID: b.TripInstanceID,
		ServiceDate:    b.ServiceDate.UTC().Format(model.DateLayout),
		Seats:          seats,
		Status:         string(b.Status),
		PaymentStatus:  string(b.PaymentStatus),
		PaymentMethod:  string(b.PaymentMethod),
		FinalCents:     b.Amounts.FinalCents,
		Currency:       b.Currency,
		Reason:         b.CancellationReason,
		OccurredAt:     at.UTC().Format(time.RFC3339),
	}
}
