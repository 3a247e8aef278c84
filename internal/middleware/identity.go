package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bus-seat-booking/internal/model"
)

const (
	actorKey  = "actor"
	userIDKey = "user_id"
	roleKey   = "role"
)

// SetActor stores the authenticated caller.  user_id and role are kept as
// plain strings too for middleware that only needs those.
func SetActor(c echo.Context, a model.Actor) {
	c.Set(actorKey, a)
	c.Set(userIDKey, a.ID)
	c.Set(roleKey, string(a.Role))
}

// ActorFrom returns the caller stored by JWTAuth.
func ActorFrom(c echo.Context) (model.Actor, bool) {
	a, ok := c.Get(actorKey).(model.Actor)
	return a, ok && a.ID != ""
}

// userID returns the caller's id, or "anon" for unauthenticated requests.
func userID(c echo.Context) string {
	if s, ok := c.Get(userIDKey).(string); ok && s != "" {
		return s
	}
	return "anon"
}
