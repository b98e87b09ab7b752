package stub

import (
	"context"
	"fmt"

	"github.com/uniwertz/token-price-service/internal/domain"
	"github.com/uniwertz/token-price-service/internal/oracle"
)

// Oracle implements oracle.PriceOracle from a fixed price table, for tests
// and the --use-memory development mode.
type Oracle struct {
	Prices map[string]domain.Price // keyed by token ID
	Errs   map[string]error        // per-token failure injection
}

// NewOracle creates a new stub oracle.
func NewOracle() *Oracle {
	return &Oracle{
		Prices: make(map[string]domain.Price),
		Errs:   make(map[string]error),
	}
}

// Compile-time interface check.
var _ oracle.PriceOracle = (*Oracle)(nil)

// Price returns the configured price for the token.
func (o *Oracle) Price(_ context.Context, ref oracle.TokenRef) (domain.Price, error) {
	if err, ok := o.Errs[ref.ID]; ok {
		return domain.Price{}, err
	}
	p, ok := o.Prices[ref.ID]
	if !ok {
		return domain.Price{}, fmt.Errorf("%w: no price for token %s", oracle.ErrOracle, ref.ID)
	}
	return p, nil
}
