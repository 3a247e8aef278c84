package model

import (
	"errors"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of a service date.
const DateLayout = "2006-01-02"

// ErrInvalidDate is returned by ParseServiceDate for unparseable input.
var ErrInvalidDate = errors.New("invalid service date")

// TripInstance is a vehicle operating on one calendar date.  It is the
// scope of every seat hold; two dates of the same vehicle never share
// seats.
type TripInstance struct {
	VehicleID   string
	ServiceDate time.Time // midnight UTC of the service date
}

// NewTripInstance truncates date to its calendar day.  The day is taken
// in the location of date, so "2025-03-01T23:00:00+05:00" is March 1st.
func NewTripInstance(vehicleID string, date time.Time) TripInstance {
	y, m, d := date.Date()
	return TripInstance{
		VehicleID:   vehicleID,
		ServiceDate: time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	}
}

// ParseServiceDate accepts either YYYY-MM-DD or an RFC3339 timestamp.
func ParseServiceDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrInvalidDate
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, ErrInvalidDate
}

// ID is the stable key of the trip instance, e.g. "veh_42@2025-03-01".
func (t TripInstance) ID() string {
	return t.VehicleID + "@" + t.Date()
}

// Date returns the service date formatted as YYYY-MM-DD.
func (t TripInstance) Date() string {
	return t.ServiceDate.Format(DateLayout)
}

// Started reports whether the service date has begun at now.
func (t TripInstance) Started(now time.Time) bool {
	return !now.UTC().Before(t.ServiceDate)
}
