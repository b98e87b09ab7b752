// Package seed loads reference chains and starter tokens into empty stores.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/uniwertz/token-price-service/internal/domain"
	"github.com/uniwertz/token-price-service/internal/storage"
)

var chains = []domain.Chain{
	{ID: 1, Name: "Ethereum"},
	{ID: 56, Name: "BNB Smart Chain"},
	{ID: 137, Name: "Polygon"},
	{ID: 8453, Name: "Base"},
	{ID: 42161, Name: "Arbitrum One"},
}

type nativeSeed struct {
	id       string
	symbol   string
	name     string
	chainID  int64
	decimals int
	price    string
	priority int
}

var nativeTokens = []nativeSeed{
	{id: "eth-native", symbol: "ETH", name: "Ether", chainID: 1, decimals: 18, price: "2500", priority: 100},
	{id: "bnb-native", symbol: "BNB", name: "BNB", chainID: 56, decimals: 18, price: "600", priority: 90},
	{id: "pol-native", symbol: "POL", name: "Polygon Ecosystem Token", chainID: 137, decimals: 18, price: "0.45", priority: 80},
	{id: "base-eth-native", symbol: "ETH", name: "Base Ether", chainID: 8453, decimals: 18, price: "2500", priority: 70},
	{id: "arb-eth-native", symbol: "ETH", name: "Arbitrum Ether", chainID: 42161, decimals: 18, price: "2500", priority: 60},
}

// Run is idempotent: chains are inserted ignoring duplicates, and starter
// tokens only when the token collection is empty.
func Run(ctx context.Context, chainStore storage.ChainStore, tokenStore storage.TokenStore, logger *log.Logger) error {
	for _, chain := range chains {
		c := chain
		err := chainStore.Insert(ctx, &c)
		if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			return fmt.Errorf("seed chain %d (%s): %w", chain.ID, chain.Name, err)
		}
	}

	count, err := tokenStore.Count(ctx)
	if err != nil {
		return fmt.Errorf("count tokens: %w", err)
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()
	for _, seed := range nativeTokens {
		symbol := seed.symbol
		token := &domain.Token{
			ID:              seed.id,
			Symbol:          &symbol,
			DisplayName:     seed.name,
			DecimalPlaces:   seed.decimals,
			IsNative:        true,
			ChainID:         seed.chainID,
			DisplayPriority: seed.priority,
			CurrentPrice:    domain.MustPrice(seed.price),
			PriceUpdatedAt:  now,
		}
		err := tokenStore.Insert(ctx, token)
		if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			return fmt.Errorf("seed token %s: %w", seed.id, err)
		}
	}

	if logger != nil {
		logger.Printf("seeded %d chains and %d native tokens", len(chains), len(nativeTokens))
	}
	return nil
}
