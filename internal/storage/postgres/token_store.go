package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/uniwertz/token-price-service/internal/domain"
	"github.com/uniwertz/token-price-service/internal/storage"
)

// TokenStore implements storage.TokenStore using PostgreSQL.
type TokenStore struct {
	pool *Pool
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(pool *Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenStore = (*TokenStore)(nil)

const tokenColumns = `
	t.id, t.contract_address, t.symbol, t.display_name, t.decimal_places,
	t.is_native, t.chain_id, t.is_system_protected, t.last_modified_by,
	t.display_priority, t.logo_url, t.current_price::text, t.price_updated_at,
	c.name
`

// Insert adds a new token. Returns ErrDuplicateKey if the ID exists.
func (s *TokenStore) Insert(ctx context.Context, t *domain.Token) error {
	if t == nil || t.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO tokens (
			id, contract_address, symbol, display_name, decimal_places,
			is_native, chain_id, is_system_protected, last_modified_by,
			display_priority, logo_url, current_price, price_updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::numeric, $13)
	`

	var logoURL *string
	if t.Logo != nil {
		logoURL = &t.Logo.URL
	}

	_, err := s.pool.Exec(ctx, query,
		t.ID,
		t.ContractAddress,
		t.Symbol,
		t.DisplayName,
		t.DecimalPlaces,
		t.IsNative,
		t.ChainID,
		t.IsSystemProtected,
		t.LastModifiedBy,
		t.DisplayPriority,
		logoURL,
		t.CurrentPrice.String(),
		t.PriceUpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// StreamBatches returns a keyset cursor over all tokens in ascending ID
// order. Each batch is fetched with WHERE id > last-seen, so memory use is
// bounded by batchSize no matter how large the collection is.
func (s *TokenStore) StreamBatches(_ context.Context, batchSize int) storage.TokenBatches {
	return &tokenBatches{store: s, batchSize: batchSize}
}

type tokenBatches struct {
	store     *TokenStore
	batchSize int
	cursor    string
	done      bool
}

func (b *tokenBatches) Next(ctx context.Context) ([]*domain.Token, error) {
	if b.done || b.batchSize <= 0 {
		return nil, nil
	}

	query := `
		SELECT ` + tokenColumns + `
		FROM tokens t
		LEFT JOIN chains c ON c.id = t.chain_id
		WHERE t.id > $1
		ORDER BY t.id
		LIMIT $2
	`

	rows, err := b.store.pool.Query(ctx, query, b.cursor, b.batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch token batch after %q: %w", storage.ErrStore, b.cursor, err)
	}
	defer rows.Close()

	var batch []*domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan token batch: %w", storage.ErrStore, err)
		}
		batch = append(batch, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read token batch: %w", storage.ErrStore, err)
	}

	if len(batch) < b.batchSize {
		b.done = true
	}
	if len(batch) > 0 {
		b.cursor = batch[len(batch)-1].ID
	}
	return batch, nil
}

// SaveBatch persists current_price and price_updated_at for every token in
// one transaction: all rows commit or none do.
func (s *TokenStore) SaveBatch(ctx context.Context, tokens []*domain.Token) error {
	if len(tokens) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin save batch: %w", storage.ErrStore, err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, t := range tokens {
		batch.Queue(
			`UPDATE tokens SET current_price = $2::numeric, price_updated_at = $3 WHERE id = $1`,
			t.ID, t.CurrentPrice.String(), t.PriceUpdatedAt,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for _, t := range tokens {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return fmt.Errorf("%w: save batch: %w", storage.ErrStore, err)
		}
		// Row-count check keeps parity with the memory twin: a token
		// deleted since the batch was read fails the whole save.
		if tag.RowsAffected() == 0 {
			results.Close()
			return fmt.Errorf("save batch: token %s: %w", t.ID, storage.ErrNotFound)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("%w: close save batch: %w", storage.ErrStore, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit save batch: %w", storage.ErrStore, err)
	}
	return nil
}

// FindPage retrieves a display page ordered by display_priority DESC, id ASC.
func (s *TokenStore) FindPage(ctx context.Context, limit, offset int) ([]*domain.Token, error) {
	if limit < 0 || offset < 0 {
		return nil, storage.ErrInvalidInput
	}

	query := `
		SELECT ` + tokenColumns + `
		FROM tokens t
		LEFT JOIN chains c ON c.id = t.chain_id
		ORDER BY t.display_priority DESC, t.id
		LIMIT $1 OFFSET $2
	`

	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("find token page: %w", err)
	}
	defer rows.Close()

	var page []*domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token page: %w", err)
		}
		page = append(page, t)
	}
	return page, rows.Err()
}

// Count returns the total number of tokens.
func (s *TokenStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tokens`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return count, nil
}

// LastPriceUpdate returns the most recent price_updated_at across all tokens.
func (s *TokenStore) LastPriceUpdate(ctx context.Context) (time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(price_updated_at) FROM tokens`).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("last price update: %w", err)
	}
	if last == nil {
		return time.Time{}, storage.ErrNotFound
	}
	return *last, nil
}

// DistinctChainCount returns the number of distinct chains with tokens.
func (s *TokenStore) DistinctChainCount(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(DISTINCT chain_id) FROM tokens`).Scan(&count); err != nil {
		return 0, fmt.Errorf("distinct chain count: %w", err)
	}
	return count, nil
}

// scanToken scans a single joined row into a Token.
func scanToken(row pgx.Row) (*domain.Token, error) {
	var (
		t         domain.Token
		logoURL   *string
		priceText string
		chainName *string
	)

	err := row.Scan(
		&t.ID,
		&t.ContractAddress,
		&t.Symbol,
		&t.DisplayName,
		&t.DecimalPlaces,
		&t.IsNative,
		&t.ChainID,
		&t.IsSystemProtected,
		&t.LastModifiedBy,
		&t.DisplayPriority,
		&logoURL,
		&priceText,
		&t.PriceUpdatedAt,
		&chainName,
	)
	if err != nil {
		return nil, err
	}

	price, err := domain.NewPrice(priceText)
	if err != nil {
		return nil, fmt.Errorf("stored price for token %s: %w", t.ID, err)
	}
	t.CurrentPrice = price

	if logoURL != nil {
		t.Logo = &domain.Logo{URL: *logoURL}
	}
	if chainName != nil {
		t.Chain = &domain.Chain{ID: t.ChainID, Name: *chainName}
	}
	return &t, nil
}
