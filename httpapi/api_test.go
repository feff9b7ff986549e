package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lugondev/auth3-session/cache"
	"github.com/lugondev/auth3-session/session"
)

var testSecret = []byte("test-secret-key-32-bytes-long!!!")

// stubIssuer scripts issuer responses for handler tests.
type stubIssuer struct {
	mu            sync.Mutex
	exchange      session.AuthResult
	exchangeErr   error
	verify        session.AuthResult
	verifyErr     error
	logoutNotices int
}

func (s *stubIssuer) Exchange(ctx context.Context, creds session.Credentials) (session.AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchange, s.exchangeErr
}

func (s *stubIssuer) ExchangeCode(ctx context.Context, code, verifier string) (session.AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchange, s.exchangeErr
}

func (s *stubIssuer) VerifyTwoFactor(ctx context.Context, code, sessionToken string) (session.AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verify, s.verifyErr
}

func (s *stubIssuer) Refresh(ctx context.Context, refreshToken string) (session.AuthResult, error) {
	return session.AuthResult{}, nil
}

func (s *stubIssuer) NotifyLogout(ctx context.Context, accessToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutNotices++
	return nil
}

type fixture struct {
	echo   *echo.Echo
	store  *session.ContextStore
	issuer *stubIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := session.NewContextStore(cache.NewMemoryStore(), session.ContextStoreOptions{})
	if err != nil {
		t.Fatalf("NewContextStore() error = %v", err)
	}
	manager, err := session.NewManager(session.ManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	issuer := &stubIssuer{}
	controller, err := session.NewController(session.ControllerConfig{Manager: manager, Issuer: issuer})
	if err != nil {
		t.Fatalf("NewController() error = %v", err)
	}
	t.Cleanup(controller.Close)

	api, err := New(Config{Controller: controller, Manager: manager})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	e := echo.New()
	api.Register(e)
	return &fixture{echo: e, store: store, issuer: issuer}
}

func mintToken(t *testing.T, subject, tenantID string, expiresIn time.Duration) string {
	t.Helper()
	now := time.Now()
	raw, err := session.EncodeToken(session.TokenPayload{
		Subject:   subject,
		Email:     subject + "@example.com",
		TenantID:  tenantID,
		IssuedAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(expiresIn),
	}, testSecret)
	if err != nil {
		t.Fatalf("EncodeToken() error = %v", err)
	}
	return raw
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	f.echo.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) signIn(t *testing.T) {
	t.Helper()
	f.issuer.mu.Lock()
	f.issuer.exchange = session.AuthResult{AccessToken: mintToken(t, "u-1", "", time.Hour), RefreshToken: "r-1"}
	f.issuer.mu.Unlock()

	rec := f.do(t, http.MethodPost, "/session/login", map[string]string{"email": "u-1@example.com", "password": "pw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.issuer.exchange = session.AuthResult{AccessToken: mintToken(t, "u-1", "", time.Hour)}

	rec := f.do(t, http.MethodPost, "/session/login", map[string]string{"email": "u-1@example.com", "password": "pw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID response header")
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["authenticated"] != true || resp["mode"] != "global" {
		t.Fatalf("response = %v", resp)
	}
}

func TestLoginValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/session/login", map[string]string{"email": "u-1@example.com"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestLoginTwoFactorRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.issuer.exchange = session.AuthResult{TwoFactorRequired: true, TwoFactorSession: "tf-session"}
	f.issuer.verify = session.AuthResult{AccessToken: mintToken(t, "u-1", "", time.Hour)}

	rec := f.do(t, http.MethodPost, "/session/login", map[string]string{"email": "u-1@example.com", "password": "pw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}
	var login map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &login)
	if login["two_factor_required"] != true {
		t.Fatalf("login response = %v", login)
	}

	rec = f.do(t, http.MethodPost, "/session/two-factor", map[string]string{
		"code":                     "123456",
		"two_factor_session_token": "tf-session",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("two-factor status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTwoFactorMismatch(t *testing.T) {
	f := newFixture(t)
	f.issuer.exchange = session.AuthResult{TwoFactorRequired: true, TwoFactorSession: "tf-session"}

	if rec := f.do(t, http.MethodPost, "/session/login", map[string]string{"email": "u@example.com", "password": "pw"}); rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/session/two-factor", map[string]string{
		"code":                     "123456",
		"two_factor_session_token": "forged",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMeRequiresSession(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/session/me", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /me status = %d, want 401", rec.Code)
	}

	f.signIn(t)

	rec := f.do(t, http.MethodGet, "/session/me", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/me status = %d: %s", rec.Code, rec.Body.String())
	}
	var user map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &user); err != nil {
		t.Fatalf("decode /me: %v", err)
	}
	if user["id"] != "u-1" || user["email"] != "u-1@example.com" {
		t.Fatalf("/me = %v", user)
	}
}

func TestSwitchTenant(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	ctx := context.Background()

	// Seed a valid tenant context to switch into.
	tenantToken := mintToken(t, "u-1", "tenant-a", time.Hour)
	if err := f.store.SetPair(ctx, session.ModeTenant, session.TokenPair{AccessToken: tenantToken}); err != nil {
		t.Fatalf("SetPair() error = %v", err)
	}
	payload, err := session.DecodeToken(tenantToken)
	if err != nil {
		t.Fatalf("DecodeToken() error = %v", err)
	}
	user := session.UserFromPayload(payload)
	state := session.ContextState{Authenticated: true, User: &user, TenantID: "tenant-a"}
	if err := f.store.SetState(ctx, session.ModeTenant, state); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}

	rec := f.do(t, http.MethodPost, "/session/switch-tenant", map[string]string{"tenant_id": "tenant-a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["success"] != true || resp["new_mode"] != "tenant" {
		t.Fatalf("response = %v", resp)
	}
}

func TestSwitchTenantErrors(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	t.Run("missing tenant id", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/session/switch-tenant", map[string]string{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("no valid tenant context", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/session/switch-tenant", map[string]string{"tenant_id": "tenant-z"})
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	rec := f.do(t, http.MethodPost, "/session/logout", map[string]bool{"all_contexts": true})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	f.issuer.mu.Lock()
	notices := f.issuer.logoutNotices
	f.issuer.mu.Unlock()
	if notices != 1 {
		t.Fatalf("logout notices = %d, want 1", notices)
	}

	if rec := f.do(t, http.MethodGet, "/session/me", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("/me after logout status = %d, want 401", rec.Code)
	}
}

func TestContextInfo(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/session/context", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["mode"] != "global" || resp["authenticated"] != false {
		t.Fatalf("response = %v", resp)
	}

	f.signIn(t)

	rec = f.do(t, http.MethodGet, "/session/context", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["authenticated"] != true {
		t.Fatalf("response after sign-in = %v", resp)
	}
}
