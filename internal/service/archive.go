package service

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/furquan101/expense-dashboard/internal/domain"
	"github.com/furquan101/expense-dashboard/internal/port"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("expense-service")

// Archive is the persistent, deduplicated long-term store of classified
// expenses. It serializes one JSON document onto a blob store and rewrites
// it wholesale on every merge. Last-writer-wins: concurrent merges are not
// serialized against each other, a lost update reappears on the next sync
// because the dedup key collapses re-additions.
type Archive struct {
	store  port.BlobStore
	path   string
	logger *zap.Logger
}

// NewArchive creates an archive persisting at path on the given store.
func NewArchive(store port.BlobStore, path string, logger *zap.Logger) *Archive {
	return &Archive{store: store, path: path, logger: logger}
}

// Load reads the archive document. An absent or unreadable document yields
// an empty list; only storage-level failures surface, as
// ErrArchiveUnavailable.
func (a *Archive) Load(ctx context.Context) ([]domain.Expense, error) {
	ctx, span := tracer.Start(ctx, "Archive.Load")
	defer span.End()

	data, err := a.store.Get(ctx, a.path)
	if err != nil {
		return nil, &domain.ErrArchiveUnavailable{Err: err}
	}
	if data == nil {
		return []domain.Expense{}, nil
	}

	var doc domain.ArchiveDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		a.logger.Warn("archive document unreadable, starting empty", zap.Error(err))
		return []domain.Expense{}, nil
	}
	return doc.Expenses, nil
}

// MergeAndPersist folds newExpenses into the archive, keyed by
// (date, merchant, amount), and returns the full merged list sorted by
// date descending. When nothing is new the write is skipped and the
// existing list returned unchanged.
func (a *Archive) MergeAndPersist(ctx context.Context, newExpenses []domain.Expense) ([]domain.Expense, error) {
	ctx, span := tracer.Start(ctx, "Archive.MergeAndPersist")
	defer span.End()

	existing, err := a.Load(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[e.DedupKey()] = struct{}{}
	}

	merged := existing
	fresh := 0
	for _, e := range newExpenses {
		key := e.DedupKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, e)
		fresh++
	}

	if fresh == 0 {
		return existing, nil
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Date > merged[j].Date
	})

	doc := domain.ArchiveDocument{
		Expenses:    merged,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	}
	if len(merged) > 0 {
		doc.NewestDate = merged[0].Date
		doc.OldestDate = merged[len(merged)-1].Date
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if err := a.store.Put(ctx, a.path, data); err != nil {
		return nil, &domain.ErrArchiveUnavailable{Err: err}
	}

	a.logger.Info("archive updated",
		zap.Int("added", fresh),
		zap.Int("total", len(merged)),
	)
	return merged, nil
}
