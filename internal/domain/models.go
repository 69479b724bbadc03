// Package domain holds the core data model shared across the expense
// dashboard: normalized expenses, raw Monzo transactions, OAuth tokens,
// the archive document and the summary returned to the UI.
package domain

import (
	"fmt"
	"time"
)

// weekdayCodes maps time.Weekday (Sunday = 0) to the display codes used
// in the CSV export and the dashboard.
var weekdayCodes = [7]string{"SUN", "MON", "TUE", "WED", "THU", "FRI", "SAT"}

// WeekdayCode returns the three-letter day code for a timestamp.
func WeekdayCode(t time.Time) string {
	return weekdayCodes[int(t.Weekday())]
}

// Expense is a normalized expense record, the common shape of the CSV
// baseline, the transaction archive and freshly classified Monzo
// transactions.
type Expense struct {
	Date            string  `json:"date"` // YYYY-MM-DD
	Day             string  `json:"day"`  // SUN..SAT, derived from Date
	Merchant        string  `json:"merchant"`
	Amount          float64 `json:"amount"` // major units, always > 0
	Currency        string  `json:"currency"`
	Category        string  `json:"category"`
	ExpenseType     string  `json:"expenseType"`
	Purpose         string  `json:"purpose"`
	Location        string  `json:"location"`
	ReceiptAttached string  `json:"receiptAttached"` // "Yes" / "No"
	Notes           string  `json:"notes"`
}

// DedupKey is the identity used to deduplicate expenses across the CSV
// baseline, the archive and the live feed. It is deliberately loose
// (no provider transaction id — the CSV has none to join against), so two
// same-day same-amount purchases at one merchant collide. Known tradeoff.
func (e Expense) DedupKey() string {
	return fmt.Sprintf("%s|%s|%.2f", e.Date, e.Merchant, e.Amount)
}

// MerchantAddress is the optional address block on a Monzo merchant.
type MerchantAddress struct {
	City           string `json:"city,omitempty"`
	Region         string `json:"region,omitempty"`
	Postcode       string `json:"postcode,omitempty"`
	ShortFormatted string `json:"short_formatted,omitempty"`
}

// Merchant is the expanded merchant object on a Monzo transaction.
type Merchant struct {
	Name    string           `json:"name,omitempty"`
	Online  bool             `json:"online,omitempty"`
	Address *MerchantAddress `json:"address,omitempty"`
}

// MonzoTransaction is a raw transaction as returned by the Monzo API.
// Amount is in minor units and signed: negative = debit (an expense),
// non-negative = credit. That sign convention is load-bearing for the
// classifier.
type MonzoTransaction struct {
	ID          string    `json:"id"`
	Created     time.Time `json:"created"`
	Description string    `json:"description"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Merchant    *Merchant `json:"merchant,omitempty"`
	Category    string    `json:"category"`
	Scheme      string    `json:"scheme,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

// MerchantName returns the merchant display name, falling back to the
// raw description when the merchant object is absent or unnamed.
func (t *MonzoTransaction) MerchantName() string {
	if t.Merchant != nil && t.Merchant.Name != "" {
		return t.Merchant.Name
	}
	return t.Description
}

// TokenRecord is the OAuth credential triple held by the auth manager's
// in-process cache and mirrored to the token vault.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// UsableFor reports whether the access token is still valid for at least
// the given duration.
func (t *TokenRecord) UsableFor(d time.Duration) bool {
	return t != nil && t.AccessToken != "" && time.Now().Add(d).Before(t.ExpiresAt)
}

// ArchiveDocument is the single logical document the transaction archive
// rewrites wholesale on every merge.
type ArchiveDocument struct {
	Expenses    []Expense `json:"expenses"`
	LastUpdated string    `json:"lastUpdated"`
	OldestDate  string    `json:"oldestDate"`
	NewestDate  string    `json:"newestDate"`
}

// BucketRule assigns baseline expenses to a named bucket by inclusive
// date range.
type BucketRule struct {
	Name string
	From string // YYYY-MM-DD inclusive
	To   string // YYYY-MM-DD inclusive
}

// Matches reports whether a date falls inside the bucket's range.
// ISO dates compare correctly as strings.
func (b BucketRule) Matches(date string) bool {
	return date >= b.From && date <= b.To
}

// BucketSummary is a per-bucket aggregate in the summary.
type BucketSummary struct {
	Total float64 `json:"total"`
	Count int     `json:"count"`
}

// Connection states reported in the summary.
const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
)

// Summary is the merged, deduplicated, totaled result of one sync pass,
// consumed by the UI layer.
type Summary struct {
	Expenses        []Expense                `json:"expenses"`
	Total           float64                  `json:"total"`
	Count           int                      `json:"count"`
	Buckets         map[string]BucketSummary `json:"buckets"`
	LastUpdated     string                   `json:"lastUpdated"`
	Cached          bool                     `json:"cached"`
	CacheAge        int                      `json:"cacheAge,omitempty"` // seconds
	ConnectionState string                   `json:"connectionState"`
	StepUpRequired  bool                     `json:"stepUpRequired,omitempty"`
}
