package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/furquan101/expense-dashboard/internal/domain"
	"github.com/furquan101/expense-dashboard/internal/handler"
	"github.com/furquan101/expense-dashboard/internal/infra/cache"
	"github.com/furquan101/expense-dashboard/internal/infra/monzo"
	"github.com/furquan101/expense-dashboard/internal/infra/observability"
	"github.com/furquan101/expense-dashboard/internal/infra/resilience"
	"github.com/furquan101/expense-dashboard/internal/service"

	"go.uber.org/zap"
)

type stubBaseline struct{}

func (stubBaseline) LoadBaseline() ([]domain.Expense, map[string]domain.BucketSummary, error) {
	return []domain.Expense{
		{Date: "2026-02-05", Merchant: "Leon", Amount: 9.20, Currency: "GBP"},
	}, map[string]domain.BucketSummary{"work_lunches": {Total: 9.20, Count: 1}}, nil
}

func (stubBaseline) LastCoveredDate() string { return "2026-02-05" }

type stubProvider struct {
	err error
}

func (s *stubProvider) FetchTransactions(context.Context, int) ([]domain.MonzoTransaction, error) {
	return nil, s.err
}

type stubArchive struct{}

func (stubArchive) Get(context.Context, string) ([]byte, error) { return nil, nil }
func (stubArchive) Put(context.Context, string, []byte) error   { return nil }

type stubTokenStore struct {
	rec *domain.TokenRecord
}

func (s *stubTokenStore) Save(access, refresh string, expiresIn time.Duration) error {
	s.rec = &domain.TokenRecord{AccessToken: access, RefreshToken: refresh, ExpiresAt: time.Now().Add(expiresIn)}
	return nil
}
func (s *stubTokenStore) Load() (*domain.TokenRecord, error) { return s.rec, nil }
func (s *stubTokenStore) Clear() error                       { s.rec = nil; return nil }

func newTestRouter(t *testing.T, provider *stubProvider) http.Handler {
	t.Helper()
	metrics := observability.NewMetrics()
	logger := zap.NewNop()

	auth := monzo.NewAuth(
		monzo.AuthConfig{
			APIURL:             "http://unused",
			AuthURL:            "https://auth.example.com",
			ClientID:           "client-id",
			ClientSecret:       "secret",
			RedirectURI:        "http://localhost/v1/auth/monzo/callback",
			StateSigningSecret: "state-secret",
		},
		&http.Client{Timeout: time.Second},
		&stubTokenStore{},
		resilience.NewCircuitBreaker(t.Name()),
		resilience.Config{MaxRetries: 0, InitialBackoff: time.Millisecond},
		metrics,
		logger,
	)

	classifier := service.NewClassifier(service.DefaultClassifierConfig(), metrics, logger)
	archive := service.NewArchive(stubArchive{}, "transactions/expenses.json", logger)
	syncSvc := service.NewSync(stubBaseline{}, provider, archive, classifier,
		cache.New[*domain.Summary](time.Minute), metrics, logger)

	return handler.NewRouter(syncSvc, auth, 30, metrics, logger)
}

func TestRouter_OperationalEndpoints(t *testing.T) {
	r := newTestRouter(t, &stubProvider{})

	for _, path := range []string{"/healthz", "/readyz", "/ping", "/metrics", "/v1/metrics/sync"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status %d", path, rec.Code)
		}
	}
}

func TestRouter_GetExpenses(t *testing.T) {
	r := newTestRouter(t, &stubProvider{err: &domain.ErrNotConnected{}})

	req := httptest.NewRequest(http.MethodGet, "/v1/expenses", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var summary domain.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	// No credentials anywhere: the summary still serves baseline data.
	if summary.ConnectionState != domain.ConnectionDisconnected {
		t.Errorf("connection state = %q", summary.ConnectionState)
	}
	if summary.Count != 1 {
		t.Errorf("count = %d, want the baseline row", summary.Count)
	}
}

func TestRouter_GetExpensesInvalidWindow(t *testing.T) {
	r := newTestRouter(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/v1/expenses?windowDays=365", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestRouter_LiveExpensesAuthError(t *testing.T) {
	r := newTestRouter(t, &stubProvider{err: &domain.ErrTokenInvalid{Reason: "revoked"}})

	req := httptest.NewRequest(http.MethodGet, "/v1/expenses/live", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", rec.Code)
	}
}

func TestRouter_AuthRedirect(t *testing.T) {
	r := newTestRouter(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/monzo", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("status %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://auth.example.com/") {
		t.Errorf("location = %q", loc)
	}

	var stateCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "oauth_state" {
			stateCookie = c
		}
	}
	if stateCookie == nil || stateCookie.Value == "" {
		t.Fatal("state cookie not set")
	}
	if !strings.Contains(loc, "state=") {
		t.Errorf("authorization URL missing state: %q", loc)
	}
}

func TestRouter_CallbackRejectsMissingState(t *testing.T) {
	r := newTestRouter(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/monzo/callback?code=abc&state=forged", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", rec.Code)
	}
}

func TestRouter_AuthStatusAndDisconnect(t *testing.T) {
	r := newTestRouter(t, &stubProvider{})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var status map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status["connected"] {
		t.Error("expected disconnected with empty store")
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/auth/disconnect", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("disconnect status %d", rec.Code)
	}
}
