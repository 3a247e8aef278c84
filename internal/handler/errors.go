// Package handler exposes the booking lifecycle and seat inventory over
// HTTP.  Handlers translate requests into lifecycle calls and lifecycle
// errors into status codes; they hold no booking rules of their own.
package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-booking/internal/booking"
	"github.com/iliyamo/bus-seat-booking/internal/middleware"
	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// statusOf maps a lifecycle error kind to an HTTP status.
func statusOf(k booking.Kind) int {
	switch k {
	case booking.KindValidation:
		return http.StatusBadRequest
	case booking.KindSeatUnavailable, booking.KindInvalidState:
		return http.StatusConflict
	case booking.KindForbidden:
		return http.StatusForbidden
	case booking.KindPaymentProvider:
		return http.StatusBadGateway
	case booking.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// writeError renders err as {"error": ..., "seats": [...]}.  Internal
// errors are logged and reported without detail.
func writeError(c echo.Context, err error) error {
	var be *booking.Error
	if !errors.As(err, &be) {
		c.Logger().Errorf("unexpected error: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	status := statusOf(be.Kind)
	if status == http.StatusInternalServerError {
		c.Logger().Errorf("booking: %v", be)
		return c.JSON(status, echo.Map{"error": "internal error", "kind": be.Kind})
	}
	body := echo.Map{"error": be.Message, "kind": be.Kind}
	if be.Message == "" {
		body["error"] = string(be.Kind)
	}
	if len(be.Seats) > 0 {
		body["seats"] = be.Seats
	}
	return c.JSON(status, body)
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}

// actor returns the authenticated caller or writes 401.
func actor(c echo.Context) (model.Actor, bool) {
	a, ok := middleware.ActorFrom(c)
	if !ok {
		_ = c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	return a, ok
}
