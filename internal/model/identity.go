package model

import "strings"

// Role is the caller's role as carried in the access token.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleVendor Role = "VENDOR"
	RoleUser   Role = "USER"
)

// ParseRole normalises a role claim.  Unknown roles return false.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleAdmin, RoleVendor, RoleUser:
		return r, true
	}
	return "", false
}

// Actor is the authenticated caller of a lifecycle operation.
type Actor struct {
	ID   string
	Role Role
}
