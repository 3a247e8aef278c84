package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-booking/internal/booking"
	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// BookingHandler serves the /v1/bookings routes.  JWTAuth must run first.
type BookingHandler struct {
	Lifecycle *booking.Lifecycle
}

// NewBookingHandler panics on a nil lifecycle.
func NewBookingHandler(lc *booking.Lifecycle) *BookingHandler {
	if lc == nil {
		panic("nil lifecycle passed to NewBookingHandler")
	}
	return &BookingHandler{Lifecycle: lc}
}

// Create handles POST /v1/bookings.  It answers 201 with the booking and,
// for card payments, the client secret needed to pay.  Taken seats give
// 409 with the contested keys under "seats".
func (h *BookingHandler) Create(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	var req booking.CreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := h.Lifecycle.Create(c.Request().Context(), a, req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	b, err := h.Lifecycle.Get(c.Request().Context(), a, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// List handles GET /v1/bookings with optional status, vehicle_id, user_id,
// vendor_id, from, to, limit and offset query parameters.  Users and
// vendors only ever see their own bookings.
func (h *BookingHandler) List(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	f, err := parseFilter(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	page, err := h.Lifecycle.List(c.Request().Context(), a, f)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

type filterError string

func (e filterError) Error() string { return string(e) }

func parseFilter(c echo.Context) (model.BookingFilter, error) {
	f := model.BookingFilter{
		UserID:    c.QueryParam("user_id"),
		VendorID:  c.QueryParam("vendor_id"),
		VehicleID: c.QueryParam("vehicle_id"),
		Status:    model.BookingStatus(strings.ToUpper(c.QueryParam("status"))),
	}
	if s := c.QueryParam("from"); s != "" {
		t, err := model.ParseServiceDate(s)
		if err != nil {
			return f, filterError("invalid from date")
		}
		f.From = &t
	}
	if s := c.QueryParam("to"); s != "" {
		t, err := model.ParseServiceDate(s)
		if err != nil {
			return f, filterError("invalid to date")
		}
		f.To = &t
	}
	var err error
	if f.Limit, err = intParam(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(c echo.Context, name string) (int, error) {
	s := c.QueryParam(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, filterError("invalid " + name)
	}
	return n, nil
}

// ConfirmPayment handles POST /v1/bookings/:id/confirm-payment with body
// {"payment_intent_ref": "..."}.  Repeating it on a confirmed booking
// returns the booking unchanged.
func (h *BookingHandler) ConfirmPayment(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	var body struct {
		Ref string `json:"payment_intent_ref"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(body.Ref) == "" {
		return badRequest(c, "payment_intent_ref is required")
	}
	b, err := h.Lifecycle.ConfirmPayment(c.Request().Context(), a, c.Param("id"), body.Ref)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// ConfirmCash handles POST /v1/bookings/:id/confirm-cash.
func (h *BookingHandler) ConfirmCash(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	b, err := h.Lifecycle.ConfirmCash(c.Request().Context(), a, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Cancel handles POST /v1/bookings/:id/cancel.  The body is optional.
func (h *BookingHandler) Cancel(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	var req booking.CancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	b, err := h.Lifecycle.Cancel(c.Request().Context(), a, c.Param("id"), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Complete handles POST /v1/bookings/:id/complete.
func (h *BookingHandler) Complete(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	b, err := h.Lifecycle.Complete(c.Request().Context(), a, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Delete handles DELETE /v1/bookings/:id.
func (h *BookingHandler) Delete(c echo.Context) error {
	a, ok := actor(c)
	if !ok {
		return nil
	}
	if err := h.Lifecycle.Delete(c.Request().Context(), a, c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
