// Package bus defines the domain event publishing port.
package bus

import (
	"context"
	"errors"

	"github.com/uniwertz/token-price-service/internal/domain"
)

// ErrPublish marks failures of the underlying event transport.
var ErrPublish = errors.New("event publish failure")

// EventPublisher delivers a batch of domain events as one unit.
//
// Contract with the pipeline: publishing must succeed before the
// corresponding batch is persisted. Retried publish calls may deliver
// duplicates (at-least-once); consumers dedupe by (tokenId, occurredAt).
type EventPublisher interface {
	// PublishBatch delivers all events in one call. An empty batch returns
	// nil without touching the transport.
	PublishBatch(ctx context.Context, events []*domain.PriceUpdated) error
}
