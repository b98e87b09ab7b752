// Package oracle defines the external price source port.
package oracle

import (
	"context"
	"errors"

	"github.com/uniwertz/token-price-service/internal/domain"
)

// ErrOracle marks failures of the external price source: network errors,
// timeouts and invalid response data all wrap this sentinel. The port does
// no retrying of its own; failure isolation policy lives in the pipeline.
var ErrOracle = errors.New("price oracle failure")

// TokenRef identifies a token to the price source.
type TokenRef struct {
	ID     string
	Symbol *string
}

// PriceOracle looks up the current price of a single token.
type PriceOracle interface {
	Price(ctx context.Context, ref TokenRef) (domain.Price, error)
}
