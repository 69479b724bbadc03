package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the expense dashboard.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	syncDuration      *prometheus.HistogramVec
	providerErrors    *prometheus.CounterVec
	tokenRefreshes    *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	pagesFetched      prometheus.Counter
	classifierResults *prometheus.CounterVec
	syncsTotal        *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		syncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "expensed_sync_duration_seconds",
				Help:    "Duration of operations by name.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		providerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expensed_provider_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expensed_token_refreshes_total",
				Help: "Total OAuth token refresh attempts by outcome.",
			},
			[]string{"outcome"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expensed_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expensed_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		pagesFetched: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "expensed_provider_pages_fetched_total",
				Help: "Total transaction pages fetched from the provider.",
			},
		),
		classifierResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expensed_classifier_results_total",
				Help: "Classifier outcomes: accepted, or the rejecting rule.",
			},
			[]string{"result"},
		),
		syncsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "expensed_syncs_total",
				Help: "Total sync passes by connection state.",
			},
			[]string{"state"},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.syncDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrProviderError increments the external error counter.
func (m *Metrics) IncrProviderError(service string) {
	m.providerErrors.WithLabelValues(service).Inc()
}

// IncrTokenRefresh increments the refresh counter ("success" / "failure").
func (m *Metrics) IncrTokenRefresh(outcome string) {
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrPagesFetched counts a fetched transaction page.
func (m *Metrics) IncrPagesFetched() {
	m.pagesFetched.Inc()
}

// IncrClassified records a classifier outcome: "accepted" or the name of
// the rule that rejected the transaction.
func (m *Metrics) IncrClassified(result string) {
	m.classifierResults.WithLabelValues(result).Inc()
}

// IncrSync counts a completed sync pass by connection state.
func (m *Metrics) IncrSync(state string) {
	m.syncsTotal.WithLabelValues(state).Inc()
}

// SyncSnapshot is a point-in-time view of sync-related counters, served
// by GET /v1/metrics/sync.
type SyncSnapshot struct {
	SyncsConnected    int64   `json:"syncsConnected"`
	SyncsDisconnected int64   `json:"syncsDisconnected"`
	TokenRefreshOK    int64   `json:"tokenRefreshSuccess"`
	TokenRefreshFail  int64   `json:"tokenRefreshFailure"`
	ProviderErrors    int64   `json:"providerErrors"`
	CacheHitRate      float64 `json:"cacheHitRate"`
	PagesFetched      int64   `json:"pagesFetched"`
}

// GetSyncSnapshot gathers current counter values.
// Note: Prometheus counters expose cumulative values.
func (m *Metrics) GetSyncSnapshot() *SyncSnapshot {
	hits := getCounterValue(m.cacheHits, "summary")
	misses := getCounterValue(m.cacheMisses, "summary")

	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	var pages dto.Metric
	var pagesVal float64
	if err := m.pagesFetched.Write(&pages); err == nil && pages.Counter != nil && pages.Counter.Value != nil {
		pagesVal = *pages.Counter.Value
	}

	return &SyncSnapshot{
		SyncsConnected:    int64(getCounterValue(m.syncsTotal, "connected")),
		SyncsDisconnected: int64(getCounterValue(m.syncsTotal, "disconnected")),
		TokenRefreshOK:    int64(getCounterValue(m.tokenRefreshes, "success")),
		TokenRefreshFail:  int64(getCounterValue(m.tokenRefreshes, "failure")),
		ProviderErrors:    int64(getCounterValue(m.providerErrors, "monzo")),
		CacheHitRate:      hitRate,
		PagesFetched:      int64(pagesVal),
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
