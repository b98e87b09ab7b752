package domain

import "time"

// EventNamePriceUpdated is the wire name of the price change event.
const EventNamePriceUpdated = "PriceUpdated"

// PriceUpdated is emitted once per actual price change. Immutable once
// created.
type PriceUpdated struct {
	TokenID    string
	Symbol     *string
	OldPrice   Price
	NewPrice   Price
	OccurredAt time.Time
}

// Name returns the wire name of the event.
func (e *PriceUpdated) Name() string {
	return EventNamePriceUpdated
}
