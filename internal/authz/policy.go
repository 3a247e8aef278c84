// Package authz holds the role × operation policy applied once at the
// booking lifecycle boundary.
package authz

import (
	"errors"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// ErrForbidden is returned when the policy denies an operation.
var ErrForbidden = errors.New("forbidden")

// Operation names a lifecycle entry point.
type Operation string

const (
	OpCreate         Operation = "booking.create"
	OpView           Operation = "booking.view"
	OpList           Operation = "booking.list"
	OpConfirmPayment Operation = "booking.confirm_payment"
	OpConfirmCash    Operation = "booking.confirm_cash"
	OpCancel         Operation = "booking.cancel"
	OpComplete       Operation = "booking.complete"
	OpDelete         Operation = "booking.delete"
)

// Scope says which bookings a role may act on for an operation.
type Scope int

const (
	Deny        Scope = iota
	Own               // the booking's user
	OwnVendor         // the booking's vendor
	OwnOrVendor       // either of the above
	Any
)

// Resource carries the ownership of the booking an operation targets.
// Operations that do not target an existing booking pass a zero value.
type Resource struct {
	UserID   string
	VendorID string
}

// Policy maps role and operation to a scope.  Missing entries deny.
type Policy map[model.Role]map[Operation]Scope

// Default is the marketplace policy.  Vendors act on bookings of their own
// fleet, users on their own bookings, admins on everything.
var Default = Policy{
	model.RoleAdmin: {
		OpCreate:         Any,
		OpView:           Any,
		OpList:           Any,
		OpConfirmPayment: Any,
		OpConfirmCash:    Any,
		OpCancel:         Any,
		OpComplete:       Any,
		OpDelete:         Any,
	},
	model.RoleVendor: {
		OpCreate:      OwnVendor,
		OpView:        OwnVendor,
		OpList:        OwnVendor,
		OpConfirmCash: OwnVendor,
		OpCancel:      OwnVendor,
		OpComplete:    OwnVendor,
	},
	model.RoleUser: {
		OpCreate:         Own,
		OpView:           Own,
		OpList:           Own,
		OpConfirmPayment: Own,
		OpCancel:         Own,
	},
}

// Scope returns the scope granted to role for op.
func (p Policy) Scope(role model.Role, op Operation) Scope {
	return p[role][op]
}

// Authorize returns ErrForbidden unless actor may perform op on res.
func (p Policy) Authorize(actor model.Actor, op Operation, res Resource) error {
	if actor.ID == "" {
		return ErrForbidden
	}
	switch p.Scope(actor.Role, op) {
	case Any:
		return nil
	case Own:
		if res.UserID != "" && res.UserID == actor.ID {
			return nil
		}
	case OwnVendor:
		if res.VendorID != "" && res.VendorID == actor.ID {
			return nil
		}
	case OwnOrVendor:
		if (res.UserID != "" && res.UserID == actor.ID) || (res.VendorID != "" && res.VendorID == actor.ID) {
			return nil
		}
	}
	return ErrForbidden
}
