package monzo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/furquan101/expense-dashboard/internal/domain"
	"github.com/furquan101/expense-dashboard/internal/infra/observability"
	"github.com/furquan101/expense-dashboard/internal/infra/resilience"
	"github.com/furquan101/expense-dashboard/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// errUnauthorized signals a 401 mid-fetch so the caller can force one
// refresh and restart.
var errUnauthorized = errors.New("unauthorized")

// rateLimitedError signals a 429. hint carries the Retry-After header
// when present, zero otherwise.
type rateLimitedError struct {
	hint time.Duration
}

func (e *rateLimitedError) Error() string { return "rate limited" }

// ClientConfig holds the transaction fetcher's tuning knobs.
type ClientConfig struct {
	BaseURL       string
	AccountID     string
	PageSize      int
	MaxIterations int
	RateLimitBase time.Duration
	RateLimitCap  time.Duration
}

// Client fetches account transactions with cursor pagination, rate-limit
// backoff and a single forced token refresh on 401.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	auth       port.TokenSource
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewClient creates a transaction client backed by the given token source.
func NewClient(cfg ClientConfig, httpClient *http.Client, auth port.TokenSource, metrics *observability.Metrics, logger *zap.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		auth:       auth,
		metrics:    metrics,
		logger:     logger,
	}
}

// transactionsPage is the provider's list payload.
type transactionsPage struct {
	Transactions []domain.MonzoTransaction `json:"transactions"`
}

// FetchTransactions retrieves all transactions in the trailing window,
// oldest first. A mid-fetch 401 triggers exactly one forced refresh and a
// restart of the whole fetch; a second 401 is fatal. Non-auth provider
// failures end the fetch gracefully with whatever accumulated so far.
func (c *Client) FetchTransactions(ctx context.Context, windowDays int) ([]domain.MonzoTransaction, error) {
	ctx, span := tracer.Start(ctx, "Client.FetchTransactions")
	defer span.End()
	span.SetAttributes(attribute.Int("window_days", windowDays))

	token, err := c.auth.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	txns, err := c.fetchAll(ctx, token, windowDays)
	if errors.Is(err, errUnauthorized) {
		c.logger.Info("access token rejected mid-fetch, forcing refresh")
		token, err = c.auth.ForceRefresh(ctx)
		if err != nil {
			return nil, err
		}
		txns, err = c.fetchAll(ctx, token, windowDays)
		if errors.Is(err, errUnauthorized) {
			return nil, &domain.ErrTokenInvalid{Reason: "provider rejected freshly refreshed token"}
		}
	}
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("transactions", len(txns)))
	return txns, nil
}

// fetchAll walks the cursor pagination: each page's `before` cursor is the
// creation timestamp of the previous page's last transaction. Both pages
// and rate-limit waits count toward the iteration bound, so a
// misbehaving provider cannot trap the loop.
func (c *Client) fetchAll(ctx context.Context, token string, windowDays int) ([]domain.MonzoTransaction, error) {
	since := time.Now().AddDate(0, 0, -windowDays).UTC().Format(time.RFC3339)

	var (
		accumulated []domain.MonzoTransaction
		seen        = make(map[string]struct{})
		before      string
		rateLimited int
	)

	for iteration := 0; iteration < c.cfg.MaxIterations; iteration++ {
		page, err := c.fetchPage(ctx, token, since, before)
		if err != nil {
			var limited *rateLimitedError
			if errors.As(err, &limited) {
				wait := resilience.RateLimitBackoff(limited.hint, rateLimited, c.cfg.RateLimitBase, c.cfg.RateLimitCap)
				rateLimited++
				c.logger.Info("rate limited by provider",
					zap.Duration("wait", wait),
					zap.Int("iteration", iteration),
				)
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return accumulated, ctx.Err()
				}
				continue
			}
			if errors.Is(err, errUnauthorized) || isFatal(err) {
				return accumulated, err
			}
			// Partial data is preferable to a failed sync.
			c.metrics.IncrProviderError("monzo")
			c.logger.Warn("transaction page fetch failed, returning partial results",
				zap.Int("accumulated", len(accumulated)),
				zap.Error(err),
			)
			return accumulated, nil
		}

		c.metrics.IncrPagesFetched()
		if len(page) == 0 {
			break
		}

		fresh := 0
		for _, txn := range page {
			if _, dup := seen[txn.ID]; dup {
				continue
			}
			seen[txn.ID] = struct{}{}
			accumulated = append(accumulated, txn)
			fresh++
		}

		// A page of nothing but already-seen IDs means the cursor is
		// not advancing; stop instead of spinning.
		if fresh == 0 {
			c.logger.Warn("duplicate transaction page, stopping pagination",
				zap.Int("accumulated", len(accumulated)),
			)
			break
		}

		if len(page) < c.cfg.PageSize {
			break
		}
		before = page[len(page)-1].Created.UTC().Format(time.RFC3339Nano)
	}

	return accumulated, nil
}

// fetchPage requests one page. A 429 surfaces as *rateLimitedError.
func (c *Client) fetchPage(ctx context.Context, token, since, before string) ([]domain.MonzoTransaction, error) {
	params := url.Values{
		"account_id": {c.cfg.AccountID},
		"since":      {since},
		"limit":      {strconv.Itoa(c.cfg.PageSize)},
		"expand[]":   {"merchant"},
	}
	if before != "" {
		params.Set("before", before)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/transactions?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		var page transactionsPage
		if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
			return nil, fmt.Errorf("decode transactions page: %w", err)
		}
		return page.Transactions, nil

	case http.StatusTooManyRequests:
		var hint time.Duration
		if ra := res.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				hint = time.Duration(secs) * time.Second
			}
		}
		return nil, &rateLimitedError{hint: hint}

	case http.StatusUnauthorized:
		return nil, errUnauthorized

	case http.StatusForbidden:
		body, _ := io.ReadAll(res.Body)
		if strings.Contains(string(body), "verification_required") || strings.Contains(string(body), "sca_required") {
			return nil, &domain.ErrStepUpRequired{}
		}
		return nil, fmt.Errorf("transactions endpoint returned 403")

	default:
		return nil, fmt.Errorf("transactions endpoint returned %d", res.StatusCode)
	}
}

// isFatal reports whether the error must abort the fetch rather than
// degrade to partial results.
func isFatal(err error) bool {
	var stepUp *domain.ErrStepUpRequired
	return errors.As(err, &stepUp)
}
