package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// IssuerOptions configures the REST transport to the token issuer.
type IssuerOptions struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string

	// Endpoint paths, relative to BaseURL. Defaults cover the standard
	// issuer layout.
	LoginPath     string
	TwoFactorPath string
	TokenPath     string
	RefreshPath   string
	LogoutPath    string
}

func (o IssuerOptions) withDefaults() IssuerOptions {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.LoginPath == "" {
		o.LoginPath = "/auth/login"
	}
	if o.TwoFactorPath == "" {
		o.TwoFactorPath = "/auth/login/two-factor"
	}
	if o.TokenPath == "" {
		o.TokenPath = "/auth/token"
	}
	if o.RefreshPath == "" {
		o.RefreshPath = "/auth/refresh"
	}
	if o.LogoutPath == "" {
		o.LogoutPath = "/auth/logout"
	}
	return o
}

// RestIssuer talks to the token issuer over HTTP. It implements Issuer.
type RestIssuer struct {
	client *resty.Client
	opts   IssuerOptions
}

// NewRestIssuer builds a REST-backed issuer client.
func NewRestIssuer(opts IssuerOptions) *RestIssuer {
	cfg := opts.withDefaults()

	rc := resty.New()
	if cfg.BaseURL != "" {
		rc.SetBaseURL(cfg.BaseURL)
	}
	rc.SetTimeout(cfg.Timeout)
	if len(cfg.Headers) > 0 {
		rc.SetHeaders(cfg.Headers)
	}

	return &RestIssuer{client: rc, opts: cfg}
}

// tokenResponse is the issuer's wire envelope for every token-bearing reply.
type tokenResponse struct {
	AccessToken       string `json:"access_token"`
	RefreshToken      string `json:"refresh_token,omitempty"`
	RequiresTwoFactor bool   `json:"requires_two_factor,omitempty"`
	TwoFactorSession  string `json:"two_factor_session_token,omitempty"`
}

func (r tokenResponse) toResult() AuthResult {
	return AuthResult{
		AccessToken:       r.AccessToken,
		RefreshToken:      r.RefreshToken,
		TwoFactorRequired: r.RequiresTwoFactor,
		TwoFactorSession:  r.TwoFactorSession,
	}
}

func (i *RestIssuer) Exchange(ctx context.Context, creds Credentials) (AuthResult, error) {
	return i.post(ctx, i.opts.LoginPath, creds)
}

func (i *RestIssuer) ExchangeCode(ctx context.Context, code, verifier string) (AuthResult, error) {
	body := map[string]string{"code": code}
	if verifier != "" {
		body["code_verifier"] = verifier
	}
	return i.post(ctx, i.opts.TokenPath, body)
}

func (i *RestIssuer) VerifyTwoFactor(ctx context.Context, code, sessionToken string) (AuthResult, error) {
	body := map[string]string{
		"code":                     code,
		"two_factor_session_token": sessionToken,
	}
	return i.post(ctx, i.opts.TwoFactorPath, body)
}

func (i *RestIssuer) Refresh(ctx context.Context, refreshToken string) (AuthResult, error) {
	return i.post(ctx, i.opts.RefreshPath, map[string]string{"refresh_token": refreshToken})
}

func (i *RestIssuer) NotifyLogout(ctx context.Context, accessToken string) error {
	req := i.newRequest(ctx)
	if accessToken != "" {
		req.SetHeader("Authorization", "Bearer "+accessToken)
	}
	resp, err := req.Post(i.opts.LogoutPath)
	if err != nil {
		return fmt.Errorf("issuer: logout: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("issuer: logout http %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

func (i *RestIssuer) post(ctx context.Context, path string, body any) (AuthResult, error) {
	var parsed tokenResponse
	resp, err := i.newRequest(ctx).
		SetBody(body).
		SetResult(&parsed).
		Post(path)
	if err != nil {
		return AuthResult{}, fmt.Errorf("issuer: %s: %w", path, err)
	}
	if resp.IsError() {
		return AuthResult{}, fmt.Errorf("issuer: %s http %d: %s", path, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return parsed.toResult(), nil
}

func (i *RestIssuer) newRequest(ctx context.Context) *resty.Request {
	return i.client.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.NewString())
}

// GenerateCodeVerifier produces a PKCE code verifier for the
// authorization-code exchange.
func GenerateCodeVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("session: code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ChallengeS256 derives the S256 code challenge for a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
