package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrInvalidTwoFactorSession = errors.New("session: invalid two-factor session")
	ErrMissingAccessToken      = errors.New("session: auth result carries no access token")
)

// State names the controller's position in its sign-in state machine.
type State string

const (
	StateSignedOut        State = "signed_out"
	StateTwoFactorPending State = "two_factor_pending"
	StateSignedIn         State = "signed_in"
)

const (
	// DefaultRefreshMargin is how long before expiry a refresh fires.
	DefaultRefreshMargin = 10 * time.Minute
	// DefaultMinRefreshDelay floors the timer so a near-expired token
	// still refreshes instead of busy-looping.
	DefaultMinRefreshDelay = 5 * time.Second

	refreshCallTimeout = 30 * time.Second
)

// ControllerConfig wires the dependencies for a Controller.
type ControllerConfig struct {
	Manager *Manager
	Issuer  Issuer
	Logger  *slog.Logger
	// RefreshMargin and MinRefreshDelay tune the proactive refresh timer.
	RefreshMargin   time.Duration
	MinRefreshDelay time.Duration
	// OnSessionExpired runs after a failed scheduled refresh has cleared
	// the session, the "please sign in again" hook.
	OnSessionExpired func()
	Now              func() time.Time
}

// SignInResult reports whether a sign-in completed or is pending a second
// factor.
type SignInResult struct {
	TwoFactorRequired bool
	SessionToken      string
}

// Controller is the top-level façade the rest of the application talks to:
// current user, sign-in/out, tenant switching, and the refresh timer loop
// that renews tokens before expiry. It is the only component that reaches
// the external issuer.
type Controller struct {
	manager *Manager
	store   *ContextStore
	issuer  Issuer
	logger  *slog.Logger

	refreshMargin   time.Duration
	minRefreshDelay time.Duration
	onExpired       func()
	now             func() time.Time

	mu      sync.Mutex
	state   State
	user    *AppUser
	pending string
	timer   *time.Timer
	closed  bool
}

// NewController builds a Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Manager == nil {
		return nil, errors.New("session: controller requires a manager")
	}
	if cfg.Issuer == nil {
		return nil, errors.New("session: controller requires an issuer")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	minDelay := cfg.MinRefreshDelay
	if minDelay <= 0 {
		minDelay = DefaultMinRefreshDelay
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Controller{
		manager:         cfg.Manager,
		store:           cfg.Manager.store,
		issuer:          cfg.Issuer,
		logger:          logger,
		refreshMargin:   margin,
		minRefreshDelay: minDelay,
		onExpired:       cfg.OnSessionExpired,
		now:             now,
		state:           StateSignedOut,
	}, nil
}

// State reports the controller's sign-in state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsAuthenticated reports whether a sign-in has completed.
func (c *Controller) IsAuthenticated() bool {
	return c.State() == StateSignedIn
}

// CurrentUser returns the signed-in principal, if any.
func (c *Controller) CurrentUser() (AppUser, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSignedIn || c.user == nil {
		return AppUser{}, false
	}
	return *c.user, true
}

// CurrentMode reports the active context mode.
func (c *Controller) CurrentMode(ctx context.Context) ContextMode {
	return c.manager.CurrentMode(ctx)
}

// SignIn exchanges credentials with the issuer. When the issuer demands a
// second factor the controller parks in StateTwoFactorPending and no tokens
// are persisted until VerifyTwoFactor succeeds.
func (c *Controller) SignIn(ctx context.Context, creds Credentials) (SignInResult, error) {
	res, err := c.issuer.Exchange(ctx, creds)
	if err != nil {
		return SignInResult{}, err
	}

	if res.TwoFactorRequired {
		c.mu.Lock()
		c.state = StateTwoFactorPending
		c.pending = res.TwoFactorSession
		c.user = nil
		c.mu.Unlock()
		return SignInResult{TwoFactorRequired: true, SessionToken: res.TwoFactorSession}, nil
	}

	if err := c.CompleteSignIn(ctx, res); err != nil {
		return SignInResult{}, err
	}
	return SignInResult{}, nil
}

// SignInWithCode completes an authorization-code sign-in using the PKCE
// verifier generated when the flow started. The verifier is single-use.
func (c *Controller) SignInWithCode(ctx context.Context, code, verifier string) error {
	res, err := c.issuer.ExchangeCode(ctx, code, verifier)
	if err != nil {
		return err
	}
	return c.CompleteSignIn(ctx, res)
}

// VerifyTwoFactor completes a pending two-factor sign-in. The supplied
// session token must match the pending one exactly; a mismatch fails closed,
// dropping back to StateSignedOut so a stale attempt can never resume an
// abandoned login. Outside a pending flow the call is rejected without
// touching any state. An issuer error keeps the pending state so the user
// may retry the code.
func (c *Controller) VerifyTwoFactor(ctx context.Context, code, sessionToken string) error {
	c.mu.Lock()
	pending := c.pending
	inFlow := c.state == StateTwoFactorPending
	c.mu.Unlock()

	if !inFlow {
		return ErrInvalidTwoFactorSession
	}

	if pending == "" ||
		subtle.ConstantTimeCompare([]byte(sessionToken), []byte(pending)) != 1 {
		c.mu.Lock()
		c.state = StateSignedOut
		c.pending = ""
		c.user = nil
		c.mu.Unlock()
		return ErrInvalidTwoFactorSession
	}

	res, err := c.issuer.VerifyTwoFactor(ctx, code, sessionToken)
	if err != nil {
		return err
	}
	return c.CompleteSignIn(ctx, res)
}

// CompleteSignIn persists the issued token pair into the active context,
// derives the user from the access token, and arms the refresh timer.
func (c *Controller) CompleteSignIn(ctx context.Context, res AuthResult) error {
	if res.AccessToken == "" {
		return ErrMissingAccessToken
	}
	mode := c.manager.CurrentMode(ctx)
	return c.install(ctx, mode, res)
}

// SwitchToTenant moves the session into the given tenant's context,
// preserving the global context for a later switch back.
func (c *Controller) SwitchToTenant(ctx context.Context, tenantID string) SwitchResult {
	return c.manager.SwitchContext(ctx, ModeTenant, tenantID, SwitchOptions{PreserveGlobalContext: true})
}

// SignOut cancels the refresh timer, clears the active context (or all of
// them), and notifies the issuer. Local clearing proceeds even when the
// network notification fails.
func (c *Controller) SignOut(ctx context.Context, allContexts bool) error {
	c.cancelRefresh()

	mode := c.manager.CurrentMode(ctx)
	pair, pairErr := c.store.Pair(ctx, mode)
	if pairErr == nil && pair.AccessToken != "" {
		if err := c.issuer.NotifyLogout(ctx, pair.AccessToken); err != nil {
			c.logger.Warn("logout notification failed", "error", err)
		}
	}

	target := mode
	if allContexts {
		target = ModeAuto
	}
	clearErr := c.store.Clear(ctx, target)

	c.mu.Lock()
	c.state = StateSignedOut
	c.user = nil
	c.pending = ""
	c.mu.Unlock()

	return clearErr
}

// Reconcile restores the session from storage on startup. Recovery is
// silent: an expired access token with a usable refresh token triggers a
// refresh, anything unrecoverable clears only the affected context without
// surfacing a hard sign-out.
func (c *Controller) Reconcile(ctx context.Context) error {
	mode := c.manager.CurrentMode(ctx)

	pair, err := c.store.Pair(ctx, mode)
	if err != nil {
		return err
	}
	if pair.Empty() {
		return nil
	}

	payload, err := DecodeToken(pair.AccessToken)
	if err != nil {
		c.logger.Warn("stored access token undecodable, clearing context", "mode", mode)
		return c.store.Clear(ctx, mode)
	}

	if !IsExpired(payload, c.now()) {
		return c.adopt(ctx, mode, payload)
	}

	if pair.RefreshToken == "" {
		c.logger.Info("stored session expired with no refresh token, clearing context", "mode", mode)
		return c.store.Clear(ctx, mode)
	}

	res, err := c.issuer.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		c.logger.Warn("startup refresh failed, clearing context", "mode", mode, "error", err)
		return c.store.Clear(ctx, mode)
	}
	return c.install(ctx, mode, res)
}

// Close tears the controller down, cancelling any armed refresh timer so it
// cannot fire against cleared state.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}

// install persists an auth result into a context and marks the controller
// signed in.
func (c *Controller) install(ctx context.Context, mode ContextMode, res AuthResult) error {
	if res.AccessToken == "" {
		return ErrMissingAccessToken
	}

	payload, err := DecodeToken(res.AccessToken)
	if err != nil {
		return err
	}

	pair := TokenPair{AccessToken: res.AccessToken, RefreshToken: res.RefreshToken}
	if err := c.store.SetPair(ctx, mode, pair); err != nil {
		return err
	}

	user := UserFromPayload(payload)
	state := ContextState{Authenticated: true, User: &user, TenantID: payload.TenantID}
	if err := c.store.SetState(ctx, mode, state); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateSignedIn
	c.user = &user
	c.pending = ""
	c.mu.Unlock()

	c.scheduleRefresh(payload.ExpiresAt)
	return nil
}

// adopt marks the controller signed in from an already-valid stored token
// without touching the token pair.
func (c *Controller) adopt(ctx context.Context, mode ContextMode, payload TokenPayload) error {
	user := UserFromPayload(payload)
	state := ContextState{Authenticated: true, User: &user, TenantID: payload.TenantID}
	if err := c.store.SetState(ctx, mode, state); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = StateSignedIn
	c.user = &user
	c.mu.Unlock()

	c.scheduleRefresh(payload.ExpiresAt)
	return nil
}

// scheduleRefresh arms the single refresh timer. Arming cancels any
// previously armed timer, so at most one refresh is ever pending.
func (c *Controller) scheduleRefresh(expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.closed || expiry.IsZero() {
		return
	}

	delay := expiry.Sub(c.now()) - c.refreshMargin
	if delay < c.minRefreshDelay {
		delay = c.minRefreshDelay
	}
	c.timer = time.AfterFunc(delay, c.refreshNow)
}

func (c *Controller) cancelRefresh() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}

// refreshNow runs when the refresh timer fires: renew the active context's
// pair, re-arming on success and expiring the session on failure.
func (c *Controller) refreshNow() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshCallTimeout)
	defer cancel()

	mode := c.manager.CurrentMode(ctx)

	pair, err := c.store.Pair(ctx, mode)
	if err != nil || pair.RefreshToken == "" {
		c.expire(ctx, mode)
		return
	}

	res, err := c.issuer.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		c.logger.Warn("scheduled refresh failed", "mode", mode, "error", err)
		c.expire(ctx, mode)
		return
	}

	if err := c.install(ctx, mode, res); err != nil {
		c.logger.Warn("refreshed tokens unusable", "mode", mode, "error", err)
		c.expire(ctx, mode)
	}
}

// expire clears the affected context and surfaces the session-expired
// condition.
func (c *Controller) expire(ctx context.Context, mode ContextMode) {
	if err := c.store.Clear(ctx, mode); err != nil {
		c.logger.Warn("context clear failed during expiry", "mode", mode, "error", err)
	}

	c.mu.Lock()
	c.state = StateSignedOut
	c.user = nil
	c.mu.Unlock()

	if c.onExpired != nil {
		c.onExpired()
	}
}
