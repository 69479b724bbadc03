// Package monzo wraps the Monzo OAuth2 and transactions APIs: token
// lifecycle (exchange, refresh, encrypted persistence) and paginated
// transaction retrieval.
package monzo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/furquan101/expense-dashboard/internal/domain"
	"github.com/furquan101/expense-dashboard/internal/infra/observability"
	"github.com/furquan101/expense-dashboard/internal/infra/resilience"
	"github.com/furquan101/expense-dashboard/internal/port"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("monzo")

// expirySkew is the minimum remaining lifetime a token must have before
// it is handed out without a refresh.
const expirySkew = 5 * time.Minute

// bootstrapLifetime is assumed for env-provided tokens whose real expiry
// is unknown; a stale one is recovered by the 401 → force-refresh path.
const bootstrapLifetime = 5 * time.Hour

// stateTTL bounds how long an OAuth CSRF state token stays valid.
const stateTTL = 10 * time.Minute

// AuthConfig holds the OAuth client configuration.
type AuthConfig struct {
	APIURL       string // token endpoint host
	AuthURL      string // authorization UI host
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Env-level bootstrap credentials used when the vault is empty.
	BootstrapAccessToken  string
	BootstrapRefreshToken string

	StateSigningSecret string
}

// Auth manages the OAuth token lifecycle: authorization-URL construction,
// code exchange, refresh with single-flight deduplication, and the
// in-process token cache mirrored to the vault.
type Auth struct {
	cfg        AuthConfig
	httpClient *http.Client
	store      port.TokenStore
	cb         *gobreaker.CircuitBreaker
	rcfg       resilience.Config
	metrics    *observability.Metrics
	logger     *zap.Logger

	mu    sync.Mutex
	token *domain.TokenRecord

	// refreshGroup deduplicates concurrent refreshes of the same
	// refresh token: the provider rotates the family on every refresh,
	// so a duplicate call would race with a dead token.
	refreshGroup singleflight.Group
}

// NewAuth creates the auth manager with all dependencies injected.
func NewAuth(cfg AuthConfig, httpClient *http.Client, store port.TokenStore, cb *gobreaker.CircuitBreaker, rcfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) *Auth {
	return &Auth{
		cfg:        cfg,
		httpClient: httpClient,
		store:      store,
		cb:         cb,
		rcfg:       rcfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// tokenResponse is the provider's token endpoint payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// GetValidAccessToken returns a token guaranteed usable for at least five
// minutes, refreshing lazily. Resolution order: in-process cache, vault,
// env bootstrap credentials. Returns ErrNotConnected when every source is
// exhausted.
func (a *Auth) GetValidAccessToken(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "Auth.GetValidAccessToken")
	defer span.End()

	a.mu.Lock()
	tok := a.token
	a.mu.Unlock()

	if tok.UsableFor(expirySkew) {
		return tok.AccessToken, nil
	}

	if tok == nil {
		if rec, err := a.store.Load(); err == nil && rec != nil {
			a.setToken(rec)
			tok = rec
			if tok.UsableFor(expirySkew) {
				return tok.AccessToken, nil
			}
		}
	}

	if tok == nil && a.cfg.BootstrapAccessToken != "" && a.cfg.BootstrapRefreshToken != "" {
		tok = &domain.TokenRecord{
			AccessToken:  a.cfg.BootstrapAccessToken,
			RefreshToken: a.cfg.BootstrapRefreshToken,
			ExpiresAt:    time.Now().Add(bootstrapLifetime),
		}
		a.setToken(tok)
		a.logger.Info("token cache initialized from environment credentials")
		return tok.AccessToken, nil
	}

	if tok == nil || tok.RefreshToken == "" {
		return "", &domain.ErrNotConnected{}
	}

	rec, err := a.refresh(ctx, tok.RefreshToken)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// ForceRefresh unconditionally refreshes using whatever refresh token is
// available (cache → vault → env bootstrap), bypassing expiry checks.
// Used as a reaction to an upstream 401. Returns ErrTokenInvalid when the
// provider rejects the refresh, ErrNotConnected when no source exists.
func (a *Auth) ForceRefresh(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "Auth.ForceRefresh")
	defer span.End()

	refreshToken := a.resolveRefreshToken()
	if refreshToken == "" {
		return "", &domain.ErrNotConnected{}
	}

	rec, err := a.refresh(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// ExchangeCode performs the one-shot authorization-code exchange. The
// result becomes the new in-process cache and is persisted to the vault.
func (a *Auth) ExchangeCode(ctx context.Context, code string) (*domain.TokenRecord, error) {
	ctx, span := tracer.Start(ctx, "Auth.ExchangeCode")
	defer span.End()

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {a.cfg.ClientID},
		"client_secret": {a.cfg.ClientSecret},
		"redirect_uri":  {a.cfg.RedirectURI},
		"code":          {code},
	}

	resp, rejected, err := a.tokenRequest(ctx, form)
	if rejected != nil {
		return nil, &domain.ErrExternalService{Service: "monzo/oauth", Err: rejected}
	}
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "monzo/oauth", Err: err}
	}

	rec := recordFromResponse(resp)
	a.setToken(rec)
	a.persist(rec)
	a.logger.Info("authorization code exchanged",
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return rec, nil
}

// Connected reports whether any credential source is available, without
// touching the provider.
func (a *Auth) Connected() bool {
	a.mu.Lock()
	tok := a.token
	a.mu.Unlock()
	if tok != nil && tok.RefreshToken != "" {
		return true
	}
	if rec, err := a.store.Load(); err == nil && rec != nil {
		return true
	}
	return a.cfg.BootstrapRefreshToken != ""
}

// Disconnect drops the in-process cache and clears the vault.
func (a *Auth) Disconnect() error {
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()
	return a.store.Clear()
}

// AuthorizationURL builds the provider authorization URL and a signed
// CSRF state token for the callback to validate.
func (a *Auth) AuthorizationURL() (string, string, error) {
	state, err := a.signState()
	if err != nil {
		return "", "", err
	}

	params := url.Values{
		"client_id":     {a.cfg.ClientID},
		"redirect_uri":  {a.cfg.RedirectURI},
		"response_type": {"code"},
		"state":         {state},
	}
	return a.cfg.AuthURL + "/?" + params.Encode(), state, nil
}

// ValidateState verifies a CSRF state token from the OAuth callback.
func (a *Auth) ValidateState(state string) error {
	token, err := jwt.Parse(state, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.StateSigningSecret), nil
	})
	if err != nil || !token.Valid {
		return fmt.Errorf("invalid oauth state: %w", err)
	}
	return nil
}

func (a *Auth) signState() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		Issuer:    "expense-dashboard",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.StateSigningSecret))
}

// refresh rotates the token family. Concurrent callers with the same
// refresh token share one provider call.
func (a *Auth) refresh(ctx context.Context, refreshToken string) (*domain.TokenRecord, error) {
	v, err, _ := a.refreshGroup.Do(refreshToken, func() (any, error) {
		return a.doRefresh(ctx, refreshToken)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.TokenRecord), nil
}

func (a *Auth) doRefresh(ctx context.Context, refreshToken string) (*domain.TokenRecord, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {a.cfg.ClientID},
		"client_secret": {a.cfg.ClientSecret},
		"refresh_token": {refreshToken},
	}

	resp, rejected, err := a.tokenRequest(ctx, form)
	if rejected != nil {
		a.metrics.IncrTokenRefresh("failure")
		a.logger.Warn("token refresh rejected by provider", zap.Error(rejected))
		// A rejected refresh invalidates the whole family; force
		// re-authorization rather than retrying a dead token.
		a.invalidate()
		return nil, &domain.ErrTokenInvalid{Reason: "provider rejected refresh"}
	}
	if err != nil {
		a.metrics.IncrTokenRefresh("failure")
		return nil, &domain.ErrExternalService{Service: "monzo/oauth", Err: err}
	}

	rec := recordFromResponse(resp)
	a.setToken(rec)
	a.persist(rec)
	a.metrics.IncrTokenRefresh("success")
	a.logger.Info("access token refreshed", zap.Time("expires_at", rec.ExpiresAt))
	return rec, nil
}

// tokenRequest posts to the OAuth token endpoint behind the circuit
// breaker, retrying transport and 5xx failures. A 4xx is terminal and
// returned via rejected.
func (a *Auth) tokenRequest(ctx context.Context, form url.Values) (resp *tokenResponse, rejected, err error) {
	_, execErr := a.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, a.rcfg, func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.APIURL+"/oauth2/token", strings.NewReader(form.Encode()))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			res, err := a.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer res.Body.Close()

			body, err := io.ReadAll(res.Body)
			if err != nil {
				return err
			}

			if res.StatusCode >= 400 && res.StatusCode < 500 {
				rejected = fmt.Errorf("token endpoint returned %d: %s", res.StatusCode, body)
				return nil // terminal, no retry
			}
			if res.StatusCode != http.StatusOK {
				return fmt.Errorf("token endpoint returned %d", res.StatusCode)
			}

			var tr tokenResponse
			if err := json.Unmarshal(body, &tr); err != nil {
				return fmt.Errorf("decode token response: %w", err)
			}
			resp = &tr
			return nil
		})
	})
	if execErr != nil {
		return nil, nil, execErr
	}
	return resp, rejected, nil
}

func recordFromResponse(resp *tokenResponse) *domain.TokenRecord {
	return &domain.TokenRecord{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
}

func (a *Auth) setToken(rec *domain.TokenRecord) {
	a.mu.Lock()
	a.token = rec
	a.mu.Unlock()
}

// persist mirrors the cache to the vault. A persistence failure is logged
// and swallowed: the in-process cache stays authoritative for the rest of
// the process lifetime.
func (a *Auth) persist(rec *domain.TokenRecord) {
	if err := a.store.Save(rec.AccessToken, rec.RefreshToken, time.Until(rec.ExpiresAt)); err != nil {
		a.logger.Warn("failed to persist tokens to vault", zap.Error(err))
	}
}

// invalidate clears the cache and vault after a rejected refresh.
func (a *Auth) invalidate() {
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()
	if err := a.store.Clear(); err != nil {
		a.logger.Warn("failed to clear token vault", zap.Error(err))
	}
}

// resolveRefreshToken picks the refresh token to use for a forced
// refresh: cache, then vault, then env bootstrap.
func (a *Auth) resolveRefreshToken() string {
	a.mu.Lock()
	tok := a.token
	a.mu.Unlock()
	if tok != nil && tok.RefreshToken != "" {
		return tok.RefreshToken
	}
	if rec, err := a.store.Load(); err == nil && rec != nil && rec.RefreshToken != "" {
		return rec.RefreshToken
	}
	return a.cfg.BootstrapRefreshToken
}
