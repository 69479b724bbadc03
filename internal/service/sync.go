package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/furquan101/expense-dashboard/internal/domain"
	"github.com/furquan101/expense-dashboard/internal/infra/observability"
	"github.com/furquan101/expense-dashboard/internal/port"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// LiveBucket is the summary bucket holding expenses newer than the
// baseline's coverage.
const LiveBucket = "live"

// maxWindowDays is the provider's strong-customer-authentication limit on
// transaction history.
const maxWindowDays = 90

// Sync merges the three expense sources (CSV baseline, live provider
// feed, persisted archive) into one deduplicated, totaled summary.
type Sync struct {
	baseline   port.BaselineSource
	provider   port.TransactionProvider
	archive    port.Archive
	classifier *Classifier
	cache      port.Cache[*domain.Summary]
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewSync creates the orchestrator with all collaborators injected.
func NewSync(
	baseline port.BaselineSource,
	provider port.TransactionProvider,
	archive port.Archive,
	classifier *Classifier,
	cache port.Cache[*domain.Summary],
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Sync {
	return &Sync{
		baseline:   baseline,
		provider:   provider,
		archive:    archive,
		classifier: classifier,
		cache:      cache,
		metrics:    metrics,
		logger:     logger,
	}
}

// Sync runs one pass: baseline + live fetch + archive merge + dedup +
// totals. Authentication failures downgrade the result to stored data
// with connectionState "disconnected"; provider and archive failures
// degrade to whatever is available. The summary always carries data —
// the only hard failures are an unreadable baseline and invalid input.
func (s *Sync) Sync(ctx context.Context, windowDays int, skipCache bool) (*domain.Summary, error) {
	ctx, span := tracer.Start(ctx, "Sync.Sync")
	defer span.End()
	span.SetAttributes(attribute.Int("window_days", windowDays))

	if windowDays < 1 || windowDays > maxWindowDays {
		return nil, &domain.ErrValidation{
			Field:   "windowDays",
			Message: fmt.Sprintf("must be between 1 and %d", maxWindowDays),
		}
	}

	cacheKey := fmt.Sprintf("summary:%d", windowDays)
	if !skipCache {
		if cached, age, ok := s.cache.GetWithAge(cacheKey); ok {
			s.metrics.IncrCacheHit("summary")
			annotated := *cached
			annotated.Cached = true
			annotated.CacheAge = int(age.Seconds())
			return &annotated, nil
		}
		s.metrics.IncrCacheMiss("summary")
	}

	start := time.Now()
	defer func() { s.metrics.RecordDuration("sync", time.Since(start)) }()

	baseline, buckets, err := s.baseline.LoadBaseline()
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}

	live, connState, stepUp := s.fetchLive(ctx, windowDays)

	archived := s.mergeArchive(ctx, live, connState)

	liveSet := s.partitionLive(archived, baseline)

	summary := s.aggregate(baseline, buckets, liveSet, connState, stepUp)

	s.cache.Set(cacheKey, summary)
	s.metrics.IncrSync(connState)
	s.logger.Info("sync completed",
		zap.String("connection_state", connState),
		zap.Int("baseline", len(baseline)),
		zap.Int("live", len(liveSet)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

// LiveExpenses fetches and classifies the live window without touching
// the archive or the baseline. Auth errors propagate to the caller.
func (s *Sync) LiveExpenses(ctx context.Context, windowDays int) ([]domain.Expense, error) {
	ctx, span := tracer.Start(ctx, "Sync.LiveExpenses")
	defer span.End()

	if windowDays < 1 || windowDays > maxWindowDays {
		return nil, &domain.ErrValidation{
			Field:   "windowDays",
			Message: fmt.Sprintf("must be between 1 and %d", maxWindowDays),
		}
	}

	txns, err := s.provider.FetchTransactions(ctx, windowDays)
	if err != nil {
		return nil, err
	}
	return s.classifier.ClassifyAll(txns), nil
}

// fetchLive retrieves and classifies the live window, translating the
// fetch outcome into a connection state. Auth failures downgrade instead
// of propagating; other provider failures degrade to an empty live set.
func (s *Sync) fetchLive(ctx context.Context, windowDays int) (live []domain.Expense, connState string, stepUp bool) {
	txns, err := s.provider.FetchTransactions(ctx, windowDays)
	if err == nil {
		return s.classifier.ClassifyAll(txns), domain.ConnectionConnected, false
	}

	var notConnected *domain.ErrNotConnected
	var tokenInvalid *domain.ErrTokenInvalid
	var stepUpErr *domain.ErrStepUpRequired
	switch {
	case errors.As(err, &stepUpErr):
		s.logger.Warn("provider requires step-up authentication")
		return nil, domain.ConnectionDisconnected, true
	case errors.As(err, &notConnected), errors.As(err, &tokenInvalid):
		s.logger.Warn("no usable credentials, serving stored data", zap.Error(err))
		return nil, domain.ConnectionDisconnected, false
	default:
		s.logger.Warn("live fetch failed, serving stored data", zap.Error(err))
		s.metrics.IncrProviderError("monzo")
		return nil, domain.ConnectionConnected, false
	}
}

// mergeArchive folds the fresh live set into the archive and returns the
// archive's full contents. Disconnected passes read without writing.
// Archive failures degrade to the live set alone.
func (s *Sync) mergeArchive(ctx context.Context, live []domain.Expense, connState string) []domain.Expense {
	var archived []domain.Expense
	var err error
	if connState == domain.ConnectionConnected && len(live) > 0 {
		archived, err = s.archive.MergeAndPersist(ctx, live)
	} else {
		archived, err = s.archive.Load(ctx)
	}
	if err != nil {
		s.logger.Warn("archive unavailable, continuing without it", zap.Error(err))
		return live
	}
	return archived
}

// partitionLive reduces the archive's full return set to the expenses the
// baseline does not already document: unseen (date, merchant, amount)
// keys, dated strictly after the baseline's last covered date.
func (s *Sync) partitionLive(archived, baseline []domain.Expense) []domain.Expense {
	baselineKeys := make(map[string]struct{}, len(baseline))
	for _, e := range baseline {
		baselineKeys[e.DedupKey()] = struct{}{}
	}
	cutoff := s.baseline.LastCoveredDate()

	liveSet := make([]domain.Expense, 0, len(archived))
	for _, e := range archived {
		if _, dup := baselineKeys[e.DedupKey()]; dup {
			continue
		}
		if cutoff != "" && e.Date <= cutoff {
			continue
		}
		liveSet = append(liveSet, e)
	}
	return liveSet
}

// aggregate assembles the summary. Totals are carried as decimals and
// rounded once, at aggregation, so the grand total is exactly the sum of
// the bucket totals.
func (s *Sync) aggregate(baseline []domain.Expense, buckets map[string]domain.BucketSummary, liveSet []domain.Expense, connState string, stepUp bool) *domain.Summary {
	liveTotal := decimal.Zero
	for _, e := range liveSet {
		liveTotal = liveTotal.Add(decimal.NewFromFloat(e.Amount))
	}

	allBuckets := make(map[string]domain.BucketSummary, len(buckets)+1)
	grand := decimal.Zero
	for name, b := range buckets {
		allBuckets[name] = b
		grand = grand.Add(decimal.NewFromFloat(b.Total))
	}
	liveRounded, _ := liveTotal.Round(2).Float64()
	allBuckets[LiveBucket] = domain.BucketSummary{Total: liveRounded, Count: len(liveSet)}
	grand = grand.Add(decimal.NewFromFloat(liveRounded))

	expenses := make([]domain.Expense, 0, len(baseline)+len(liveSet))
	expenses = append(expenses, baseline...)
	expenses = append(expenses, liveSet...)
	sort.SliceStable(expenses, func(i, j int) bool {
		return expenses[i].Date > expenses[j].Date
	})

	total, _ := grand.Round(2).Float64()
	return &domain.Summary{
		Expenses:        expenses,
		Total:           total,
		Count:           len(expenses),
		Buckets:         allBuckets,
		LastUpdated:     time.Now().UTC().Format(time.RFC3339),
		ConnectionState: connState,
		StepUpRequired:  stepUp,
	}
}
