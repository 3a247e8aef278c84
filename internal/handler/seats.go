package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-booking/internal/inventory"
	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// SeatHandler serves the public seat routes under /v1/vehicles/:id.
type SeatHandler struct {
	Inventory *inventory.Inventory
}

// NewSeatHandler panics on a nil inventory.
func NewSeatHandler(inv *inventory.Inventory) *SeatHandler {
	if inv == nil {
		panic("nil inventory passed to NewSeatHandler")
	}
	return &SeatHandler{Inventory: inv}
}

func tripParam(c echo.Context) (model.TripInstance, bool) {
	date, err := model.ParseServiceDate(c.QueryParam("date"))
	if err != nil || c.Param("id") == "" {
		return model.TripInstance{}, false
	}
	return model.NewTripInstance(c.Param("id"), date), true
}

func (h *SeatHandler) inventoryError(c echo.Context, err error) error {
	if errors.Is(err, inventory.ErrNotFound) {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "vehicle or layout not found"})
	}
	c.Logger().Errorf("inventory: %v", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}

// Unavailable handles GET /v1/vehicles/:id/unavailable?date=YYYY-MM-DD.
// It lists the seat keys that are confirmed or held on that date.
func (h *SeatHandler) Unavailable(c echo.Context) error {
	trip, ok := tripParam(c)
	if !ok {
		return badRequest(c, "date must be YYYY-MM-DD")
	}
	keys, err := h.Inventory.ListUnavailable(c.Request().Context(), trip)
	if err != nil {
		return h.inventoryError(c, err)
	}
	if keys == nil {
		keys = []string{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"vehicle_id":   trip.VehicleID,
		"service_date": trip.Date(),
		"seats":        keys,
	})
}

// SeatMap handles GET /v1/vehicles/:id/seats?date=YYYY-MM-DD.
func (h *SeatHandler) SeatMap(c echo.Context) error {
	trip, ok := tripParam(c)
	if !ok {
		return badRequest(c, "date must be YYYY-MM-DD")
	}
	seats, err := h.Inventory.SeatMap(c.Request().Context(), trip)
	if err != nil {
		return h.inventoryError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"vehicle_id":   trip.VehicleID,
		"service_date": trip.Date(),
		"seats":        seats,
	})
}

// Layout handles GET /v1/vehicles/:id/layout.  The response does not
// depend on the date and is served through the response cache.
func (h *SeatHandler) Layout(c echo.Context) error {
	l, err := h.Inventory.Layout(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.inventoryError(c, err)
	}
	seats, err := l.Seats()
	if err != nil {
		return h.inventoryError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"vehicle_id":          c.Param("id"),
		"layout_id":           l.ID,
		"layout_name":         l.Name,
		"seater_price_cents":  l.SeaterPriceCents,
		"sleeper_price_cents": l.SleeperPriceCents,
		"layout":              json.RawMessage(l.LayoutJSON),
		"seats":               seats,
	})
}
