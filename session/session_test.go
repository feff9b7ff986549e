package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lugondev/auth3-session/cache"
)

var testSecret = []byte("test-secret-key-32-bytes-long!!!")

func newTestStore(t *testing.T) *ContextStore {
	t.Helper()
	store, err := NewContextStore(cache.NewMemoryStore(), ContextStoreOptions{})
	if err != nil {
		t.Fatalf("NewContextStore() error = %v", err)
	}
	return store
}

func mintToken(t *testing.T, payload TokenPayload) string {
	t.Helper()
	raw, err := EncodeToken(payload, testSecret)
	if err != nil {
		t.Fatalf("EncodeToken() error = %v", err)
	}
	return raw
}

func mintUserToken(t *testing.T, subject, tenantID string, expiresIn time.Duration) string {
	t.Helper()
	now := time.Now()
	return mintToken(t, TokenPayload{
		Subject:   subject,
		Email:     subject + "@example.com",
		TenantID:  tenantID,
		IssuedAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(expiresIn),
	})
}

// installContext seeds a mode with a token pair and a matching state
// snapshot, the shape a completed sign-in leaves behind.
func installContext(t *testing.T, store *ContextStore, mode ContextMode, accessToken, refreshToken string) {
	t.Helper()
	ctx := context.Background()

	if err := store.SetPair(ctx, mode, TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}); err != nil {
		t.Fatalf("SetPair(%s) error = %v", mode, err)
	}

	payload, err := DecodeToken(accessToken)
	if err != nil {
		t.Fatalf("DecodeToken() error = %v", err)
	}
	user := UserFromPayload(payload)
	state := ContextState{Authenticated: true, User: &user, TenantID: payload.TenantID}
	if err := store.SetState(ctx, mode, state); err != nil {
		t.Fatalf("SetState(%s) error = %v", mode, err)
	}
}

// fakeIssuer is a scriptable Issuer for controller tests.
type fakeIssuer struct {
	mu sync.Mutex

	exchangeResult  AuthResult
	exchangeErr     error
	verifyResult    AuthResult
	verifyErr       error
	refreshResult   AuthResult
	refreshErr      error
	logoutErr       error
	exchangeCalls   int
	verifyCalls     int
	refreshCalls    int
	logoutCalls     int
	lastRefreshWith string
}

func (f *fakeIssuer) Exchange(ctx context.Context, creds Credentials) (AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	return f.exchangeResult, f.exchangeErr
}

func (f *fakeIssuer) ExchangeCode(ctx context.Context, code, verifier string) (AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchangeCalls++
	return f.exchangeResult, f.exchangeErr
}

func (f *fakeIssuer) VerifyTwoFactor(ctx context.Context, code, sessionToken string) (AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return f.verifyResult, f.verifyErr
}

func (f *fakeIssuer) Refresh(ctx context.Context, refreshToken string) (AuthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	f.lastRefreshWith = refreshToken
	return f.refreshResult, f.refreshErr
}

func (f *fakeIssuer) NotifyLogout(ctx context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutCalls++
	return f.logoutErr
}

func (f *fakeIssuer) counts() (exchange, verify, refresh, logout int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exchangeCalls, f.verifyCalls, f.refreshCalls, f.logoutCalls
}
