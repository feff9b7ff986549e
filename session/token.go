package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformedToken = errors.New("session: malformed token")
	ErrTokenClaims    = errors.New("session: invalid token claims")
)

// tokenClaims is the wire shape of the claims this subsystem reads. The
// issuer signs tokens; signature verification happens server-side per
// request, so decoding here is deliberately unverified.
type tokenClaims struct {
	jwt.RegisteredClaims
	Email    string   `json:"email,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// DecodeToken parses a bearer token's claims without verifying the
// signature. It fails with ErrMalformedToken when the token is structurally
// invalid and ErrTokenClaims when required claims are missing or
// inconsistent.
func DecodeToken(raw string) (TokenPayload, error) {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return TokenPayload{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	payload := TokenPayload{
		Subject:  claims.Subject,
		Email:    claims.Email,
		TenantID: claims.TenantID,
		Roles:    append([]string(nil), claims.Roles...),
	}
	if claims.IssuedAt != nil {
		payload.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		payload.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}

	if payload.Subject == "" {
		return TokenPayload{}, fmt.Errorf("%w: missing subject", ErrTokenClaims)
	}
	if !payload.IssuedAt.IsZero() && !payload.ExpiresAt.IsZero() && !payload.ExpiresAt.After(payload.IssuedAt) {
		return TokenPayload{}, fmt.Errorf("%w: expires before issued", ErrTokenClaims)
	}

	return payload, nil
}

// IsExpired reports whether the payload's expiry is at or before now. A
// token without an expiry claim never expires.
func IsExpired(payload TokenPayload, now time.Time) bool {
	if payload.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(payload.ExpiresAt)
}

// UserFromPayload derives the application principal from decoded claims.
func UserFromPayload(payload TokenPayload) AppUser {
	return AppUser{
		ID:       payload.Subject,
		Email:    payload.Email,
		TenantID: payload.TenantID,
		Roles:    append([]string(nil), payload.Roles...),
	}
}

// EncodeToken signs the payload with HS256. Development issuers and tests
// use it to mint tokens the codec can decode back.
func EncodeToken(payload TokenPayload, secret []byte) (string, error) {
	if payload.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenClaims)
	}
	if !payload.IssuedAt.IsZero() && !payload.ExpiresAt.IsZero() && !payload.ExpiresAt.After(payload.IssuedAt) {
		return "", fmt.Errorf("%w: expires before issued", ErrTokenClaims)
	}

	claims := &tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: payload.Subject},
		Email:            payload.Email,
		TenantID:         payload.TenantID,
		Roles:            append([]string(nil), payload.Roles...),
	}
	if !payload.IssuedAt.IsZero() {
		claims.IssuedAt = jwt.NewNumericDate(payload.IssuedAt)
	}
	if !payload.ExpiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(payload.ExpiresAt)
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
