package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lugondev/auth3-session/session"
)

const requestIDHeader = "X-Request-ID"

// RequestID stamps every request and response with a request id, generating
// one when the caller did not supply it.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(requestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(requestIDHeader, id)
			return next(c)
		}
	}
}

// RequireSession rejects requests while the controller is not signed in.
func RequireSession(controller *session.Controller) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if controller == nil || !controller.IsAuthenticated() {
				return echo.NewHTTPError(http.StatusUnauthorized, "sign in required")
			}
			return next(c)
		}
	}
}
