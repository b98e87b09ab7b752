package storage

import (
	"context"
	"time"

	"github.com/uniwertz/token-price-service/internal/domain"
)

// TokenStore provides access to the token collection.
type TokenStore interface {
	// StreamBatches returns a cursor over the whole collection in ascending
	// ID order. Each fetch resumes from the last-seen ID rather than an
	// offset, so traversal cost is independent of progress and memory use
	// is bounded by batchSize.
	StreamBatches(ctx context.Context, batchSize int) TokenBatches

	// SaveBatch persists current_price and price_updated_at for every token
	// in one atomic unit: all rows commit or none do. Failures wrap ErrStore.
	SaveBatch(ctx context.Context, tokens []*domain.Token) error

	// Insert adds a new token. Returns ErrDuplicateKey if the ID exists.
	Insert(ctx context.Context, t *domain.Token) error

	// FindPage retrieves a display page ordered by display_priority DESC, id ASC.
	FindPage(ctx context.Context, limit, offset int) ([]*domain.Token, error)

	// Count returns the total number of tokens.
	Count(ctx context.Context) (int, error)

	// LastPriceUpdate returns the most recent price_updated_at across all
	// tokens. Returns ErrNotFound when the collection is empty.
	LastPriceUpdate(ctx context.Context) (time.Time, error)

	// DistinctChainCount returns the number of distinct chains with tokens.
	DistinctChainCount(ctx context.Context) (int, error)
}

// TokenBatches is a cursor over token batches. Next returns the following
// batch, or an empty batch once the collection is exhausted; a batch shorter
// than batchSize is the last one. Read failures surface from Next and are
// fatal to the caller's traversal.
type TokenBatches interface {
	Next(ctx context.Context) ([]*domain.Token, error)
}

// PriceHistoryStore is an append-only sink of applied price changes.
type PriceHistoryStore interface {
	// RecordBatch appends one row per event. Best-effort from the caller's
	// perspective: the pipeline never fails a batch over history recording.
	RecordBatch(ctx context.Context, events []*domain.PriceUpdated) error
}

// ChainStore provides access to chain reference data.
type ChainStore interface {
	// Insert adds a new chain. Returns ErrDuplicateKey if the ID exists.
	Insert(ctx context.Context, c *domain.Chain) error

	// GetByID retrieves a chain by ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id int64) (*domain.Chain, error)

	// GetAll retrieves all chains ordered by ID.
	GetAll(ctx context.Context) ([]*domain.Chain, error)
}
