package domain

import "time"

// Token is the aggregate the update pipeline operates on. Identity and the
// descriptive fields are immutable; only CurrentPrice and PriceUpdatedAt
// change, and only through UpdatePrice. A Token is materialized fresh from
// the store at the start of a batch, owned by exactly one goroutine until
// the batch's persist step, and discarded afterwards.
type Token struct {
	ID                string
	ContractAddress   []byte
	Symbol            *string // nullable; native coins may have no contract symbol
	DisplayName       string
	DecimalPlaces     int
	IsNative          bool
	ChainID           int64
	IsSystemProtected bool
	LastModifiedBy    string
	DisplayPriority   int

	CurrentPrice   Price
	PriceUpdatedAt time.Time

	// Read-only reference data, carried through unchanged.
	Chain *Chain
	Logo  *Logo
}

// UpdatePrice applies a new price to the token. When newPrice equals the
// current price nothing changes and nil is returned: no event, no timestamp
// mutation. Otherwise the token's price and timestamp are set and exactly
// one PriceUpdated event is returned for the caller to collect. Events are
// returned rather than queued on the aggregate, so tokens can cross
// goroutine boundaries without synchronization.
func (t *Token) UpdatePrice(newPrice Price, occurredAt time.Time) *PriceUpdated {
	if newPrice.Equal(t.CurrentPrice) {
		return nil
	}

	oldPrice := t.CurrentPrice
	t.CurrentPrice = newPrice
	t.PriceUpdatedAt = occurredAt

	return &PriceUpdated{
		TokenID:    t.ID,
		Symbol:     t.Symbol,
		OldPrice:   oldPrice,
		NewPrice:   newPrice,
		OccurredAt: occurredAt,
	}
}
