package model

import (
	"strings"
	"time"
)

// BookingStatus is the user-facing lifecycle state of a booking.
type BookingStatus string

const (
	StatusCreated         BookingStatus = "CREATED"
	StatusPending         BookingStatus = "PENDING"
	StatusAwaitingPayment BookingStatus = "AWAITING_PAYMENT"
	StatusProcessing      BookingStatus = "PROCESSING"
	StatusConfirmed       BookingStatus = "CONFIRMED"
	StatusCancelled       BookingStatus = "CANCELLED"
	StatusCompleted       BookingStatus = "COMPLETED"
)

// Terminal reports whether no further transition is possible.
func (s BookingStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// Unpaid reports whether the booking still waits for money and therefore
// holds (not owns) its seats.
func (s BookingStatus) Unpaid() bool {
	switch s {
	case StatusCreated, StatusPending, StatusAwaitingPayment, StatusProcessing:
		return true
	}
	return false
}

// PaymentStatus tracks the money side of a booking.
type PaymentStatus string

const (
	PaymentPending         PaymentStatus = "PENDING"
	PaymentAwaitingPayment PaymentStatus = "AWAITING_PAYMENT"
	PaymentProcessing      PaymentStatus = "PROCESSING"
	PaymentPaid            PaymentStatus = "PAID"
	PaymentFailed          PaymentStatus = "FAILED"
	PaymentRefunded        PaymentStatus = "REFUNDED"
)

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	MethodCash PaymentMethod = "CASH"
	MethodCard PaymentMethod = "CARD"
)

// ParsePaymentMethod accepts CASH, CARD and the legacy STRIPE alias.
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CASH":
		return MethodCash, true
	case "CARD", "STRIPE":
		return MethodCard, true
	}
	return "", false
}

// Amounts groups the monetary fields of a booking in minor units.
// FinalCents is always TotalCents minus DiscountCents.
type Amounts struct {
	TotalCents    int64 `json:"total_cents"`
	DiscountCents int64 `json:"discount_cents"`
	FinalCents    int64 `json:"final_cents"`
}

// Booking is the aggregate of one customer's seats on one trip instance
// plus payment and route metadata.  It owns exactly the seat holds whose
// BookingID equals its ID.
type Booking struct {
	ID                      string        `json:"id"`
	UserID                  string        `json:"user_id"`
	VendorID                string        `json:"vendor_id"`
	VehicleID               string        `json:"vehicle_id"`
	TripInstanceID          string        `json:"trip_instance_id"`
	ServiceDate             time.Time     `json:"-"`
	SeatKeys                []string      `json:"seat_keys"`
	BoardingPointID         string        `json:"boarding_point_id"`
	DroppingPointID         string        `json:"dropping_point_id"`
	Amounts                 Amounts       `json:"amounts"`
	Currency                string        `json:"currency"`
	PaymentMethod           PaymentMethod `json:"payment_method"`
	Status                  BookingStatus `json:"status"`
	PaymentStatus           PaymentStatus `json:"payment_status"`
	PaymentIntentRef        string        `json:"payment_intent_ref,omitempty"`
	HoldExpiresAt           time.Time     `json:"hold_expires_at"`
	CancellationReason      string        `json:"cancellation_reason,omitempty"`
	CancellationChargeCents int64         `json:"cancellation_charge_cents,omitempty"`
	RefundCents             int64         `json:"refund_cents,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// Trip returns the trip instance the booking belongs to.
func (b Booking) Trip() TripInstance {
	return NewTripInstance(b.VehicleID, b.ServiceDate)
}

// BookingFilter narrows a booking listing.  Empty fields do not filter.
// From and To bound the service date inclusively.
type BookingFilter struct {
	UserID    string
	VendorID  string
	VehicleID string
	Status    BookingStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}
