package monzo_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/furquan101/expense-dashboard/internal/domain"
	"github.com/furquan101/expense-dashboard/internal/infra/monzo"
	"github.com/furquan101/expense-dashboard/internal/infra/observability"
	"github.com/furquan101/expense-dashboard/internal/infra/resilience"

	"go.uber.org/zap"
)

// memStore is an in-memory port.TokenStore for auth tests.
type memStore struct {
	mu      sync.Mutex
	rec     *domain.TokenRecord
	saveErr error
}

func (s *memStore) Save(accessToken, refreshToken string, expiresIn time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.rec = &domain.TokenRecord{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(expiresIn),
	}
	return nil
}

func (s *memStore) Load() (*domain.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec, nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}

func newTestAuth(t *testing.T, serverURL string, store *memStore, cfgFn func(*monzo.AuthConfig)) *monzo.Auth {
	t.Helper()
	cfg := monzo.AuthConfig{
		APIURL:             serverURL,
		AuthURL:            "https://auth.example.com",
		ClientID:           "client-id",
		ClientSecret:       "client-secret",
		RedirectURI:        "http://localhost:8080/v1/auth/monzo/callback",
		StateSigningSecret: "state-secret",
	}
	if cfgFn != nil {
		cfgFn(&cfg)
	}
	return monzo.NewAuth(
		cfg,
		&http.Client{Timeout: 5 * time.Second},
		store,
		resilience.NewCircuitBreaker(t.Name()),
		resilience.Config{MaxRetries: 0, InitialBackoff: time.Millisecond},
		observability.NewMetrics(),
		zap.NewNop(),
	)
}

func tokenEndpoint(t *testing.T, hits *atomic.Int64, accessToken string, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		if r.URL.Path != "/oauth2/token" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  accessToken,
			"refresh_token": "rotated-refresh",
			"expires_in":    21600,
			"token_type":    "Bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuth_NotConnected(t *testing.T) {
	a := newTestAuth(t, "http://unused", &memStore{}, nil)

	_, err := a.GetValidAccessToken(context.Background())
	var notConnected *domain.ErrNotConnected
	if !errors.As(err, &notConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	_, err = a.ForceRefresh(context.Background())
	if !errors.As(err, &notConnected) {
		t.Fatalf("expected ErrNotConnected from ForceRefresh, got %v", err)
	}
}

func TestAuth_FreshTokenSkipsRefresh(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, "fresh", 0)

	store := &memStore{rec: &domain.TokenRecord{
		AccessToken:  "vault-access",
		RefreshToken: "vault-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	a := newTestAuth(t, srv.URL, store, nil)

	tok, err := a.GetValidAccessToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "vault-access" {
		t.Errorf("expected vault token, got %q", tok)
	}
	if hits.Load() != 0 {
		t.Errorf("expected no refresh call, got %d", hits.Load())
	}
}

func TestAuth_RefreshesExpiringToken(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, "refreshed-access", 0)

	// Three minutes remaining is inside the five-minute skew.
	store := &memStore{rec: &domain.TokenRecord{
		AccessToken:  "stale-access",
		RefreshToken: "vault-refresh",
		ExpiresAt:    time.Now().Add(3 * time.Minute),
	}}
	a := newTestAuth(t, srv.URL, store, nil)

	tok, err := a.GetValidAccessToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "refreshed-access" {
		t.Errorf("expected refreshed token, got %q", tok)
	}
	if hits.Load() != 1 {
		t.Errorf("expected exactly one refresh call, got %d", hits.Load())
	}

	// The rotated tokens must be persisted.
	rec, _ := store.Load()
	if rec == nil || rec.RefreshToken != "rotated-refresh" {
		t.Errorf("rotated refresh token not persisted: %+v", rec)
	}

	// Follow-up calls use the cached fresh token.
	if _, err := a.GetValidAccessToken(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected cached token reuse, got %d refresh calls", hits.Load())
	}
}

func TestAuth_ConcurrentRefreshIsSingleFlight(t *testing.T) {
	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, "shared-access", 50*time.Millisecond)

	store := &memStore{rec: &domain.TokenRecord{
		AccessToken:  "stale",
		RefreshToken: "vault-refresh",
		ExpiresAt:    time.Now().Add(time.Minute),
	}}
	a := newTestAuth(t, srv.URL, store, nil)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := a.GetValidAccessToken(context.Background())
			if err != nil {
				t.Errorf("goroutine %d: %v", i, err)
				return
			}
			results[i] = tok
		}(i)
	}
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("expected one provider call for concurrent refreshes, got %d", hits.Load())
	}
	for i, tok := range results {
		if tok != "shared-access" {
			t.Errorf("goroutine %d got %q", i, tok)
		}
	}
}

func TestAuth_RejectedRefreshInvalidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := &memStore{rec: &domain.TokenRecord{
		AccessToken:  "stale",
		RefreshToken: "dead-refresh",
		ExpiresAt:    time.Now().Add(time.Minute),
	}}
	a := newTestAuth(t, srv.URL, store, nil)

	_, err := a.GetValidAccessToken(context.Background())
	var invalid *domain.ErrTokenInvalid
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}

	// The dead session must be evicted so the next call reports
	// not-connected instead of retrying a rejected token.
	if rec, _ := store.Load(); rec != nil {
		t.Errorf("expected vault cleared after rejected refresh, got %+v", rec)
	}
}

func TestAuth_BootstrapCredentials(t *testing.T) {
	store := &memStore{}
	a := newTestAuth(t, "http://unused", store, func(cfg *monzo.AuthConfig) {
		cfg.BootstrapAccessToken = "env-access"
		cfg.BootstrapRefreshToken = "env-refresh"
	})

	tok, err := a.GetValidAccessToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "env-access" {
		t.Errorf("expected env bootstrap token, got %q", tok)
	}
}

func TestAuth_ExchangeCode(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = map[string]string{
			"grant_type":   r.PostFormValue("grant_type"),
			"code":         r.PostFormValue("code"),
			"redirect_uri": r.PostFormValue("redirect_uri"),
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "exchanged-access",
			"refresh_token": "exchanged-refresh",
			"expires_in":    21600,
		})
	}))
	defer srv.Close()

	store := &memStore{}
	a := newTestAuth(t, srv.URL, store, nil)

	rec, err := a.ExchangeCode(context.Background(), "auth-code-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessToken != "exchanged-access" {
		t.Errorf("unexpected access token %q", rec.AccessToken)
	}
	if gotForm["grant_type"] != "authorization_code" || gotForm["code"] != "auth-code-1" {
		t.Errorf("unexpected exchange form: %+v", gotForm)
	}

	if stored, _ := store.Load(); stored == nil || stored.AccessToken != "exchanged-access" {
		t.Errorf("exchanged tokens not persisted: %+v", stored)
	}
	if !a.Connected() {
		t.Error("expected Connected after exchange")
	}
}

func TestAuth_StateRoundTrip(t *testing.T) {
	a := newTestAuth(t, "http://unused", &memStore{}, nil)

	authURL, state, err := a.AuthorizationURL()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(authURL, "client_id=client-id") || !strings.Contains(authURL, "response_type=code") {
		t.Errorf("malformed authorization URL: %s", authURL)
	}

	if err := a.ValidateState(state); err != nil {
		t.Errorf("valid state rejected: %v", err)
	}
	if err := a.ValidateState(state + "tampered"); err == nil {
		t.Error("tampered state accepted")
	}
	if err := a.ValidateState("not-a-jwt"); err == nil {
		t.Error("garbage state accepted")
	}
}

func TestAuth_Disconnect(t *testing.T) {
	store := &memStore{rec: &domain.TokenRecord{
		AccessToken:  "a",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
	}}
	a := newTestAuth(t, "http://unused", store, nil)

	if !a.Connected() {
		t.Fatal("expected connected before disconnect")
	}
	if err := a.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if a.Connected() {
		t.Error("expected disconnected after Disconnect")
	}

	_, err := a.GetValidAccessToken(context.Background())
	var notConnected *domain.ErrNotConnected
	if !errors.As(err, &notConnected) {
		t.Errorf("expected ErrNotConnected after disconnect, got %v", err)
	}
}
