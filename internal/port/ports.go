// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the sync core
// from the Monzo API, the token vault and the archive storage, enabling
// clean testing with fakes.
package port

import (
	"context"
	"time"

	"github.com/furquan101/expense-dashboard/internal/domain"
)

// TokenStore persists the encrypted OAuth credential triple.
// Load returns (nil, nil) when no usable session is stored — absence,
// corruption and foreign ciphertext must not surface as errors.
type TokenStore interface {
	Save(accessToken, refreshToken string, expiresIn time.Duration) error
	Load() (*domain.TokenRecord, error)
	Clear() error
}

// TokenSource yields an access token usable for the near future and can
// force a refresh in reaction to an upstream 401.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// TransactionProvider lists raw transactions from the banking API.
// One call fetches the full window (pagination handled internally).
type TransactionProvider interface {
	FetchTransactions(ctx context.Context, windowDays int) ([]domain.MonzoTransaction, error)
}

// BlobStore is a key-addressed blob storage. Get returns (nil, nil) when
// the path does not exist.
type BlobStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
}

// Archive is the persistent, deduplicated long-term store of classified
// expenses.
type Archive interface {
	Load(ctx context.Context) ([]domain.Expense, error)
	MergeAndPersist(ctx context.Context, newExpenses []domain.Expense) ([]domain.Expense, error)
}

// BaselineSource loads the static CSV baseline and its bucket totals.
type BaselineSource interface {
	LoadBaseline() ([]domain.Expense, map[string]domain.BucketSummary, error)
	LastCoveredDate() string
}

// Cache provides generic caching with TTL. GetWithAge additionally
// reports how long ago the entry was stored.
type Cache[T any] interface {
	Get(key string) (T, bool)
	GetWithAge(key string) (T, time.Duration, bool)
	Set(key string, value T)
	Delete(key string)
}
