package service

import (
	"encoding/csv"
	"errors"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/furquan101/expense-dashboard/internal/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var isoDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// decorations mark non-data lines in the hand-maintained CSV export:
// box-drawing separators, section markers and repeated headers.
var decorations = []string{"━━━", ">>>", "═══", "Date,Day,Merchant"}

// Baseline loads the static CSV export once per process lifetime. The
// file never changes at runtime, so the parse result and the per-bucket
// totals are cached behind a sync.Once.
type Baseline struct {
	path    string
	buckets []domain.BucketRule
	logger  *zap.Logger

	once     sync.Once
	expenses []domain.Expense
	totals   map[string]domain.BucketSummary
	lastDate string
	loadErr  error
}

// NewBaseline creates a baseline source for the CSV at path, bucketing
// rows by the given date-range rules.
func NewBaseline(path string, buckets []domain.BucketRule, logger *zap.Logger) *Baseline {
	return &Baseline{path: path, buckets: buckets, logger: logger}
}

// LoadBaseline returns the parsed baseline and its bucket totals. An
// absent file is an empty baseline, not an error: the dashboard then
// runs on live data alone.
func (b *Baseline) LoadBaseline() ([]domain.Expense, map[string]domain.BucketSummary, error) {
	b.once.Do(b.load)
	return b.expenses, b.totals, b.loadErr
}

// LastCoveredDate is the newest date present in the baseline. The live
// feed is restricted to strictly later dates: the two sources are
// time-partitioned, the CSV documents its own period exhaustively.
func (b *Baseline) LastCoveredDate() string {
	b.once.Do(b.load)
	return b.lastDate
}

func (b *Baseline) load() {
	b.expenses = []domain.Expense{}
	b.totals = make(map[string]domain.BucketSummary)
	bucketTotals := make(map[string]decimal.Decimal, len(b.buckets))
	bucketCounts := make(map[string]int, len(b.buckets))
	for _, rule := range b.buckets {
		bucketTotals[rule.Name] = decimal.Zero
		bucketCounts[rule.Name] = 0
	}

	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		b.logger.Info("baseline CSV not found, continuing with live data only",
			zap.String("path", b.path),
		)
		b.finishTotals(bucketTotals, bucketCounts)
		return
	}
	if err != nil {
		b.loadErr = err
		return
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if i == 0 || line == "" || isDecoration(line) {
			continue
		}

		fields, err := splitCSVLine(line)
		if err != nil || len(fields) < 11 {
			continue
		}
		if !isoDatePattern.MatchString(fields[0]) {
			continue
		}
		amount, err := strconv.ParseFloat(fields[3], 64)
		if err != nil || amount <= 0 {
			continue
		}

		e := domain.Expense{
			Date:            fields[0],
			Day:             fields[1],
			Merchant:        fields[2],
			Amount:          amount,
			Currency:        fields[4],
			Category:        fields[5],
			ExpenseType:     fields[6],
			Purpose:         fields[7],
			Location:        fields[8],
			ReceiptAttached: fields[9],
			Notes:           fields[10],
		}
		b.expenses = append(b.expenses, e)

		if e.Date > b.lastDate {
			b.lastDate = e.Date
		}
		for _, rule := range b.buckets {
			if rule.Matches(e.Date) {
				bucketTotals[rule.Name] = bucketTotals[rule.Name].Add(decimal.NewFromFloat(e.Amount))
				bucketCounts[rule.Name]++
				break
			}
		}
	}

	b.finishTotals(bucketTotals, bucketCounts)
	b.logger.Info("baseline loaded",
		zap.Int("expenses", len(b.expenses)),
		zap.String("last_covered_date", b.lastDate),
	)
}

func (b *Baseline) finishTotals(totals map[string]decimal.Decimal, counts map[string]int) {
	for _, rule := range b.buckets {
		total, _ := totals[rule.Name].Round(2).Float64()
		b.totals[rule.Name] = domain.BucketSummary{
			Total: total,
			Count: counts[rule.Name],
		}
	}
}

func isDecoration(line string) bool {
	for _, marker := range decorations {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// splitCSVLine parses one record, tolerating quoted fields with embedded
// commas.
func splitCSVLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.Read()
}
