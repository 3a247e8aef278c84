package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/bus-seat-booking/internal/booking"
	"github.com/iliyamo/bus-seat-booking/internal/payment"
)

const maxWebhookBody = 64 << 10

// WebhookParser verifies and decodes provider webhooks.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*payment.Event, error)
}

// WebhookHandler applies payment provider webhooks to bookings.
type WebhookHandler struct {
	Parser    WebhookParser
	Lifecycle *booking.Lifecycle
	Deduper   *payment.WebhookDeduper
	Log       *zap.Logger
}

// NewWebhookHandler wires a webhook handler.  deduper may be nil.
func NewWebhookHandler(p WebhookParser, lc *booking.Lifecycle, deduper *payment.WebhookDeduper, log *zap.Logger) *WebhookHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookHandler{Parser: p, Lifecycle: lc, Deduper: deduper, Log: log.Named("webhook")}
}

// Handle serves POST /v1/payments/webhook.  Bad signatures get 400.
// Redelivered events and events for unknown bookings get 200 so the
// provider stops retrying; internal failures get 500 so it retries.
func (h *WebhookHandler) Handle(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return badRequest(c, "unreadable body")
	}
	ev, err := h.Parser.ParseWebhook(payload, c.Request().Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, payment.ErrInvalidSignature) {
			return badRequest(c, "invalid signature")
		}
		h.Log.Warn("unparseable webhook", zap.Error(err))
		return badRequest(c, "invalid payload")
	}

	ctx := c.Request().Context()
	first, err := h.Deduper.FirstDelivery(ctx, ev.ID)
	if err != nil {
		h.Log.Warn("webhook dedupe unavailable", zap.Error(err))
		first = true
	}
	if !first {
		return c.JSON(http.StatusOK, echo.Map{"received": true, "duplicate": true})
	}

	b, err := h.Lifecycle.HandlePaymentEvent(ctx, ev)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			h.Log.Info("webhook for unknown payment", zap.String("event_id", ev.ID), zap.String("ref", ev.Ref))
			return c.JSON(http.StatusOK, echo.Map{"received": true})
		}
		h.Deduper.Forget(ctx, ev.ID)
		h.Log.Error("apply payment event failed", zap.String("event_id", ev.ID), zap.String("ref", ev.Ref), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "could not apply event"})
	}
	resp := echo.Map{"received": true}
	if b != nil {
		resp["booking_id"] = b.ID
		resp["status"] = b.Status
	}
	return c.JSON(http.StatusOK, resp)
}
