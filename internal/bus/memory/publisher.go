// Package memory implements an in-memory event publisher for tests and
// local runs without a broker.
package memory

import (
	"context"
	"sync"

	"github.com/uniwertz/token-price-service/internal/bus"
	"github.com/uniwertz/token-price-service/internal/domain"
)

// Publisher records published events in memory.
type Publisher struct {
	mu      sync.Mutex
	batches [][]*domain.PriceUpdated

	// FailWith, when set, makes PublishBatch return this error.
	FailWith error
}

// Compile-time interface check.
var _ bus.EventPublisher = (*Publisher)(nil)

// NewPublisher creates an empty in-memory publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// PublishBatch records the batch, or fails when FailWith is set.
func (p *Publisher) PublishBatch(ctx context.Context, events []*domain.PriceUpdated) error {
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailWith != nil {
		return p.FailWith
	}

	batch := make([]*domain.PriceUpdated, len(events))
	copy(batch, events)
	p.batches = append(p.batches, batch)
	return nil
}

// Batches returns all published batches in call order.
func (p *Publisher) Batches() [][]*domain.PriceUpdated {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]*domain.PriceUpdated, len(p.batches))
	copy(out, p.batches)
	return out
}

// Events returns every published event flattened in publish order.
func (p *Publisher) Events() []*domain.PriceUpdated {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*domain.PriceUpdated
	for _, batch := range p.batches {
		out = append(out, batch...)
	}
	return out
}
