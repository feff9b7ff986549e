// Package session implements a dual-context session and token lifecycle
// manager: one signed-in principal holds two isolated authentication
// contexts (a platform-level "global" context and a "tenant" context) and
// switches between them with token backup/restore, rollback on failed
// switches, and expiry-aware automatic refresh.
package session

import (
	"context"
	"time"
)

// ContextMode selects one of the two isolated authentication contexts.
// ModeAuto is a resolution mode only; it is never persisted.
type ContextMode string

const (
	ModeGlobal ContextMode = "global"
	ModeTenant ContextMode = "tenant"
	ModeAuto   ContextMode = "auto"
)

// Storable reports whether the mode names a persisted context partition.
func (m ContextMode) Storable() bool {
	return m == ModeGlobal || m == ModeTenant
}

// TokenPair couples an access token with its optional refresh token. The
// zero value represents "no session".
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Empty reports whether neither token is present.
func (p TokenPair) Empty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// TokenPayload holds the claims decoded from a bearer token.
type TokenPayload struct {
	Subject   string
	Email     string
	TenantID  string
	Roles     []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// AppUser is the principal derived from a TokenPayload. It is never mutated
// independently; any change requires a new token.
type AppUser struct {
	ID       string
	Email    string
	TenantID string
	Roles    []string
}

// HasRole reports whether the user carries the given role claim.
func (u AppUser) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ContextState is the persisted snapshot of one context's session state.
type ContextState struct {
	Authenticated bool      `json:"authenticated"`
	User          *AppUser  `json:"user,omitempty"`
	TenantID      string    `json:"tenant_id,omitempty"`
	LastUpdated   time.Time `json:"last_updated"`
}

// SwitchRecord is one entry in the bounded context-switch history.
type SwitchRecord struct {
	From ContextMode
	To   ContextMode
	At   time.Time
}

// Credentials carries a primary sign-in factor to the issuer.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResult is what the issuer returns from an exchange, a two-factor
// verification, or a refresh. When TwoFactorRequired is set no tokens are
// present and TwoFactorSession must be echoed back on verification.
type AuthResult struct {
	AccessToken       string
	RefreshToken      string
	TwoFactorRequired bool
	TwoFactorSession  string
}

// Issuer abstracts the external token issuer. These are the only operations
// in the package that reach the network.
type Issuer interface {
	// Exchange trades primary credentials for a token pair, or for a
	// pending two-factor session.
	Exchange(ctx context.Context, creds Credentials) (AuthResult, error)
	// ExchangeCode trades an authorization code plus the PKCE verifier
	// generated alongside it for a token pair.
	ExchangeCode(ctx context.Context, code, verifier string) (AuthResult, error)
	// VerifyTwoFactor completes a pending two-factor sign-in.
	VerifyTwoFactor(ctx context.Context, code, sessionToken string) (AuthResult, error)
	// Refresh trades a refresh token for a fresh pair.
	Refresh(ctx context.Context, refreshToken string) (AuthResult, error)
	// NotifyLogout tells the issuer the session ended. Best-effort.
	NotifyLogout(ctx context.Context, accessToken string) error
}
