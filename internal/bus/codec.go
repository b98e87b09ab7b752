package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uniwertz/token-price-service/internal/domain"
)

// eventEnvelope is the wire shape consumers receive.
type eventEnvelope struct {
	Name       string       `json:"name"`
	Payload    eventPayload `json:"payload"`
	OccurredAt time.Time    `json:"occurredAt"`
}

type eventPayload struct {
	TokenID  string  `json:"tokenId"`
	Symbol   *string `json:"symbol"`
	OldPrice float64 `json:"oldPrice"`
	NewPrice float64 `json:"newPrice"`
}

// Encode serializes a PriceUpdated event into its wire form.
func Encode(e *domain.PriceUpdated) ([]byte, error) {
	env := eventEnvelope{
		Name: e.Name(),
		Payload: eventPayload{
			TokenID:  e.TokenID,
			Symbol:   e.Symbol,
			OldPrice: e.OldPrice.Float64(),
			NewPrice: e.NewPrice.Float64(),
		},
		OccurredAt: e.OccurredAt,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s event for %s: %w", e.Name(), e.TokenID, err)
	}
	return data, nil
}
