// Package service contains the sync core: expense classification, the
// CSV baseline, the transaction archive and the orchestrator that merges
// the three sources into one summary.
package service

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/furquan101/expense-dashboard/internal/domain"
	"github.com/furquan101/expense-dashboard/internal/infra/observability"

	"go.uber.org/zap"
)

// personNamePattern flags merchant names that look like a person rather
// than a business: exactly two capitalized words. Deliberately fuzzy
// anti-P2P heuristic; misses and false positives at the margins are an
// accepted property of the domain.
var personNamePattern = regexp.MustCompile(`^[A-Z][a-z]+ [A-Z][a-z]+$`)

// transferKeywords mark transfers, income and refunds that must never be
// counted as expenses, whatever the category says.
var transferKeywords = []string{
	"pot_", "pot transfer",
	"bank transfer", "standing order", "direct debit to savings",
	"sent to", "received from", "payment from",
	"refund", "cashback", "credit", "reversal",
	"salary", "wage", "payroll",
	"deposit", "interest", "dividend",
}

// excludedSchemes are transaction rails that indicate transfers even when
// the description text does not.
var excludedSchemes = map[string]bool{
	"uk_retail_pot":           true,
	"payport_faster_payments": true,
	"bacs":                    true,
}

// ClassifierConfig tunes the heuristic rule chain.
type ClassifierConfig struct {
	// HomeRegion is matched against merchant city/region and used as the
	// location fallback.
	HomeRegion string
	// PostalAreas are the home region's postal-area letters (the leading
	// letters of a postcode, before the first digit).
	PostalAreas []string
	// Workdays is the set of weekdays counted as expense days.
	Workdays map[time.Weekday]bool
	// Categories is the provider-category allowlist.
	Categories map[string]bool
	// ExcludedPayees are specific merchant names to reject outright
	// (named individuals the person-name pattern misses).
	ExcludedPayees []string
}

// DefaultClassifierConfig is the London-wide, Monday-to-Friday,
// broad-food-category rule set.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		HomeRegion:  "London",
		PostalAreas: []string{"EC", "WC", "E", "N", "NW", "SE", "SW", "W"},
		Workdays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
		Categories: map[string]bool{
			"eating_out": true,
			"groceries":  true,
			"coffee":     true,
			"general":    true,
			"shopping":   true,
		},
	}
}

// rule is one named predicate in the chain. Naming each rule keeps the
// heuristics independently testable and lets metrics attribute
// rejections.
type rule struct {
	name    string
	rejects func(*domain.MonzoTransaction) bool
}

// Classifier turns raw transactions into normalized expenses, or rejects
// them, by applying an ordered rule chain.
type Classifier struct {
	cfg     ClassifierConfig
	rules   []rule
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewClassifier builds the rule chain. Order matters: cheap structural
// checks first, heuristics last.
func NewClassifier(cfg ClassifierConfig, metrics *observability.Metrics, logger *zap.Logger) *Classifier {
	c := &Classifier{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
	c.rules = []rule{
		{"polarity", c.rejectCredits},
		{"transfer_keyword", c.rejectTransferKeywords},
		{"scheme", c.rejectExcludedSchemes},
		{"no_merchant", c.rejectMissingMerchant},
		{"person_name", c.rejectPersonNames},
		{"locality", c.rejectOutsideHomeRegion},
		{"weekday", c.rejectOffDays},
		{"category", c.rejectOtherCategories},
	}
	return c
}

// Classify runs the rule chain. The second return is the name of the
// rejecting rule, empty on acceptance. Pure with respect to the input:
// repeated calls yield identical results.
func (c *Classifier) Classify(txn domain.MonzoTransaction) (domain.Expense, string) {
	for _, r := range c.rules {
		if r.rejects(&txn) {
			c.metrics.IncrClassified(r.name)
			return domain.Expense{}, r.name
		}
	}
	c.metrics.IncrClassified("accepted")
	return c.convert(&txn), ""
}

// ClassifyAll filters and converts a batch, preserving input order.
func (c *Classifier) ClassifyAll(txns []domain.MonzoTransaction) []domain.Expense {
	expenses := make([]domain.Expense, 0, len(txns))
	for _, txn := range txns {
		if e, rejectedBy := c.Classify(txn); rejectedBy == "" {
			expenses = append(expenses, e)
		}
	}
	return expenses
}

// rejectCredits keeps only debits. Provider amounts are minor units and
// signed: negative means money out.
func (c *Classifier) rejectCredits(txn *domain.MonzoTransaction) bool {
	return txn.Amount >= 0
}

func (c *Classifier) rejectTransferKeywords(txn *domain.MonzoTransaction) bool {
	text := strings.ToLower(txn.MerchantName() + " " + txn.Description)
	for _, kw := range transferKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func (c *Classifier) rejectExcludedSchemes(txn *domain.MonzoTransaction) bool {
	return excludedSchemes[txn.Scheme]
}

// rejectMissingMerchant treats the absence of a merchant object as a
// peer-to-peer payment signal.
func (c *Classifier) rejectMissingMerchant(txn *domain.MonzoTransaction) bool {
	return txn.Merchant == nil
}

func (c *Classifier) rejectPersonNames(txn *domain.MonzoTransaction) bool {
	name := txn.MerchantName()
	if personNamePattern.MatchString(name) {
		return true
	}
	for _, payee := range c.cfg.ExcludedPayees {
		if strings.EqualFold(name, payee) {
			return true
		}
	}
	return false
}

// rejectOutsideHomeRegion keeps transactions attributable to the home
// region: absent address data is assumed local, otherwise the city or
// region name must match, or the postcode's postal area must be one of
// the region's.
func (c *Classifier) rejectOutsideHomeRegion(txn *domain.MonzoTransaction) bool {
	addr := txn.Merchant.Address
	if addr == nil {
		return false
	}
	region := strings.ToLower(c.cfg.HomeRegion)
	if strings.Contains(strings.ToLower(addr.City), region) ||
		strings.Contains(strings.ToLower(addr.Region), region) {
		return false
	}
	if area := postalArea(addr.Postcode); area != "" {
		for _, a := range c.cfg.PostalAreas {
			if area == a {
				return false
			}
		}
	}
	return true
}

func (c *Classifier) rejectOffDays(txn *domain.MonzoTransaction) bool {
	return !c.cfg.Workdays[txn.Created.UTC().Weekday()]
}

func (c *Classifier) rejectOtherCategories(txn *domain.MonzoTransaction) bool {
	return !c.cfg.Categories[txn.Category]
}

// convert builds the normalized record from an accepted transaction.
func (c *Classifier) convert(txn *domain.MonzoTransaction) domain.Expense {
	created := txn.Created.UTC()

	category, expenseType := "General", "Other"
	if txn.Category == "eating_out" {
		category, expenseType = "Meals & Entertainment", "Meals"
	}

	location := ""
	if txn.Merchant != nil && txn.Merchant.Address != nil {
		location = txn.Merchant.Address.ShortFormatted
		if location == "" {
			location = txn.Merchant.Address.City
		}
	}
	if location == "" {
		location = c.cfg.HomeRegion
	}

	return domain.Expense{
		Date:            created.Format("2006-01-02"),
		Day:             domain.WeekdayCode(created),
		Merchant:        txn.MerchantName(),
		Amount:          float64(-txn.Amount) / 100,
		Currency:        "GBP",
		Category:        category,
		ExpenseType:     expenseType,
		Purpose:         "Recent transaction from Monzo",
		Location:        location,
		ReceiptAttached: "No",
		Notes:           fmt.Sprintf("Monzo - %s", txn.Category),
	}
}

// postalArea returns the leading letters of a postcode, uppercased:
// "N1C 4AG" yields "N", "SS15 5GA" yields "SS".
func postalArea(postcode string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(postcode))
	for i, r := range trimmed {
		if r < 'A' || r > 'Z' {
			return trimmed[:i]
		}
	}
	return trimmed
}
