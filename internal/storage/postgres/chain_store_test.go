package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniwertz/token-price-service/internal/domain"
	"github.com/uniwertz/token-price-service/internal/storage"
)

func TestChainStore_InsertAndGetByID(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewChainStore(pool)

	require.NoError(t, store.Insert(ctx, &domain.Chain{ID: 1, Name: "Ethereum"}))

	chain, err := store.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), chain.ID)
	assert.Equal(t, "Ethereum", chain.Name)
}

func TestChainStore_InsertDuplicate(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewChainStore(pool)

	require.NoError(t, store.Insert(ctx, &domain.Chain{ID: 1, Name: "Ethereum"}))
	assert.ErrorIs(t, store.Insert(ctx, &domain.Chain{ID: 1, Name: "Ethereum"}), storage.ErrDuplicateKey)
}

func TestChainStore_GetByIDNotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewChainStore(pool)

	_, err := store.GetByID(context.Background(), 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChainStore_GetAll(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewChainStore(pool)

	require.NoError(t, store.Insert(ctx, &domain.Chain{ID: 137, Name: "Polygon"}))
	require.NoError(t, store.Insert(ctx, &domain.Chain{ID: 1, Name: "Ethereum"}))

	chains, err := store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.Equal(t, int64(1), chains[0].ID)
	assert.Equal(t, int64(137), chains[1].ID)
}
