package clickhouse

import (
	"context"
	"fmt"

	"github.com/uniwertz/token-price-service/internal/domain"
	"github.com/uniwertz/token-price-service/internal/storage"
)

// PriceHistoryStore implements storage.PriceHistoryStore using ClickHouse.
// Applied price changes are appended here after a batch is persisted, for
// analytics and downstream dedupe by (token_id, occurred_at).
type PriceHistoryStore struct {
	conn *Conn
}

// NewPriceHistoryStore creates a new PriceHistoryStore.
func NewPriceHistoryStore(conn *Conn) *PriceHistoryStore {
	return &PriceHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceHistoryStore = (*PriceHistoryStore)(nil)

// RecordBatch appends one row per event.
func (s *PriceHistoryStore) RecordBatch(ctx context.Context, events []*domain.PriceUpdated) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_history (
			token_id, symbol, old_price, new_price, occurred_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare price history batch: %w", err)
	}

	for _, e := range events {
		err := batch.Append(
			e.TokenID,
			e.Symbol,
			e.OldPrice.Decimal(),
			e.NewPrice.Decimal(),
			e.OccurredAt,
		)
		if err != nil {
			return fmt.Errorf("append price history row: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send price history batch: %w", err)
	}
	return nil
}
