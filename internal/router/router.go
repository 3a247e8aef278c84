// Package router registers the HTTP routes of the booking API.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-booking/internal/handler"
	"github.com/iliyamo/bus-seat-booking/internal/middleware"
	"github.com/iliyamo/bus-seat-booking/internal/model"
)

// Deps are the handlers and shared middleware the routes need.  RateLimit
// and Cache may be nil.
type Deps struct {
	Bookings  *handler.BookingHandler
	Seats     *handler.SeatHandler
	Webhooks  *handler.WebhookHandler
	Health    echo.HandlerFunc
	JWTSecret string
	RateLimit echo.MiddlewareFunc
	Cache     echo.MiddlewareFunc
}

func orPass(m echo.MiddlewareFunc) echo.MiddlewareFunc {
	if m == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return m
}

// Register mounts every route on e.
func Register(e *echo.Echo, d Deps) {
	rl := orPass(d.RateLimit)

	if d.Health != nil {
		e.GET("/healthz", d.Health)
	}

	// Seat availability is public so guests can browse before logging in.
	pub := e.Group("/v1/vehicles", rl)
	pub.GET("/:id/unavailable", d.Seats.Unavailable)
	pub.GET("/:id/seats", d.Seats.SeatMap)
	pub.GET("/:id/layout", d.Seats.Layout, orPass(d.Cache))

	// Provider callbacks authenticate by signature, not by token.
	if d.Webhooks != nil {
		e.POST("/v1/payments/webhook", d.Webhooks.Handle)
	}

	g := e.Group("/v1/bookings", middleware.JWTAuth(d.JWTSecret), rl)
	g.POST("", d.Bookings.Create)
	g.GET("", d.Bookings.List)
	g.GET("/:id", d.Bookings.Get)
	g.POST("/:id/confirm-payment", d.Bookings.ConfirmPayment)
	g.POST("/:id/confirm-cash", d.Bookings.ConfirmCash, middleware.RequireRole(model.RoleAdmin, model.RoleVendor))
	g.POST("/:id/cancel", d.Bookings.Cancel)
	g.POST("/:id/complete", d.Bookings.Complete, middleware.RequireRole(model.RoleAdmin, model.RoleVendor))
	g.DELETE("/:id", d.Bookings.Delete, middleware.RequireRole(model.RoleAdmin))
}
