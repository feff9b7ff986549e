// Package httpapi exposes the session subsystem to the rest of the
// application over HTTP: sign-in, two-factor completion, tenant switching,
// sign-out, and the "who am I / what mode am I in" queries every page asks.
package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lugondev/auth3-session/session"
)

// API wires the session controller and manager into echo handlers.
type API struct {
	controller *session.Controller
	manager    *session.Manager
	logger     *slog.Logger
}

// Config carries the dependencies for New.
type Config struct {
	Controller *session.Controller
	Manager    *session.Manager
	Logger     *slog.Logger
}

// New builds the HTTP surface.
func New(cfg Config) (*API, error) {
	if cfg.Controller == nil || cfg.Manager == nil {
		return nil, errors.New("httpapi: controller and manager are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &API{controller: cfg.Controller, manager: cfg.Manager, logger: logger}, nil
}

// Register mounts the session routes under /session.
func (a *API) Register(e *echo.Echo) {
	e.Use(middleware.Recover())
	e.Use(RequestID())

	g := e.Group("/session")
	g.POST("/login", a.login)
	g.POST("/two-factor", a.twoFactor)
	g.POST("/logout", a.logout)
	g.GET("/context", a.contextInfo)

	authed := g.Group("", RequireSession(a.controller))
	authed.GET("/me", a.me)
	authed.POST("/switch-tenant", a.switchTenant)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Authenticated     bool   `json:"authenticated"`
	TwoFactorRequired bool   `json:"two_factor_required,omitempty"`
	TwoFactorSession  string `json:"two_factor_session_token,omitempty"`
	Mode              string `json:"mode,omitempty"`
}

func (a *API) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid login payload")
	}
	if req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}

	res, err := a.controller.SignIn(c.Request().Context(), session.Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		a.logger.Warn("sign-in failed", "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "sign-in failed")
	}

	if res.TwoFactorRequired {
		return c.JSON(http.StatusOK, loginResponse{
			TwoFactorRequired: true,
			TwoFactorSession:  res.SessionToken,
		})
	}
	return c.JSON(http.StatusOK, loginResponse{
		Authenticated: true,
		Mode:          string(a.controller.CurrentMode(c.Request().Context())),
	})
}

type twoFactorRequest struct {
	Code         string `json:"code"`
	SessionToken string `json:"two_factor_session_token"`
}

func (a *API) twoFactor(c echo.Context) error {
	var req twoFactorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid two-factor payload")
	}

	err := a.controller.VerifyTwoFactor(c.Request().Context(), req.Code, req.SessionToken)
	if errors.Is(err, session.ErrInvalidTwoFactorSession) {
		return echo.NewHTTPError(http.StatusUnauthorized, "two-factor session invalid, sign in again")
	}
	if err != nil {
		a.logger.Warn("two-factor verification failed", "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "two-factor verification failed")
	}

	return c.JSON(http.StatusOK, loginResponse{
		Authenticated: true,
		Mode:          string(a.controller.CurrentMode(c.Request().Context())),
	})
}

type switchTenantRequest struct {
	TenantID string `json:"tenant_id"`
}

type switchTenantResponse struct {
	Success           bool   `json:"success"`
	PreviousMode      string `json:"previous_mode"`
	NewMode           string `json:"new_mode"`
	Error             string `json:"error,omitempty"`
	RollbackAvailable bool   `json:"rollback_available"`
}

func (a *API) switchTenant(c echo.Context) error {
	var req switchTenantRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid switch payload")
	}

	result := a.controller.SwitchToTenant(c.Request().Context(), req.TenantID)
	resp := switchTenantResponse{
		Success:           result.Success,
		PreviousMode:      string(result.PreviousMode),
		NewMode:           string(result.NewMode),
		RollbackAvailable: result.RollbackAvailable,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}

	status := http.StatusOK
	switch {
	case errors.Is(result.Err, session.ErrTenantIDRequired):
		status = http.StatusBadRequest
	case errors.Is(result.Err, session.ErrNoValidContext):
		status = http.StatusConflict
	case result.Err != nil:
		status = http.StatusInternalServerError
	}
	return c.JSON(status, resp)
}

type logoutRequest struct {
	AllContexts bool `json:"all_contexts"`
}

func (a *API) logout(c echo.Context) error {
	var req logoutRequest
	_ = c.Bind(&req)

	if err := a.controller.SignOut(c.Request().Context(), req.AllContexts); err != nil {
		a.logger.Warn("sign-out cleanup failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "sign-out failed")
	}
	return c.NoContent(http.StatusNoContent)
}

type userResponse struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

func (a *API) me(c echo.Context) error {
	user, ok := a.controller.CurrentUser()
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
	}
	return c.JSON(http.StatusOK, userResponse{
		ID:       user.ID,
		Email:    user.Email,
		TenantID: user.TenantID,
		Roles:    user.Roles,
	})
}

type contextResponse struct {
	Mode          string `json:"mode"`
	Authenticated bool   `json:"authenticated"`
}

func (a *API) contextInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, contextResponse{
		Mode:          string(a.controller.CurrentMode(c.Request().Context())),
		Authenticated: a.controller.IsAuthenticated(),
	})
}
