package booking

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies lifecycle failures for callers.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindSeatUnavailable Kind = "seat_unavailable"
	KindForbidden       Kind = "forbidden"
	KindInvalidState    Kind = "invalid_state"
	KindPaymentProvider Kind = "payment_provider"
	KindNotFound        Kind = "not_found"
	KindInternal        Kind = "internal"
)

// Error is the only error type the lifecycle returns.  Seats lists the
// contested or unknown seat keys where relevant.
type Error struct {
	Kind    Kind
	Message string
	Seats   []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Seats) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Seats, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the Kind sentinels below, so errors.Is(err, ErrNotFound)
// works for any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrSeatUnavailable = &Error{Kind: KindSeatUnavailable}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrPaymentProvider = &Error{Kind: KindPaymentProvider}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInternal        = &Error{Kind: KindInternal}
)

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func invalidf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func stateErr(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}
