// Package kafka implements the event publisher on a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/uniwertz/token-price-service/internal/bus"
	"github.com/uniwertz/token-price-service/internal/domain"
)

const (
	defaultDeliveryTimeout = 30 * time.Second
	flushTimeoutMs         = 5000
)

// Options configures the Kafka publisher.
type Options struct {
	// Brokers is the bootstrap.servers list, comma separated.
	Brokers string
	// Topic receives the price update events.
	Topic string
	// DeliveryTimeout bounds the wait for a single message ack.
	// Zero means defaultDeliveryTimeout.
	DeliveryTimeout time.Duration
	// Logger receives publisher diagnostics. Nil disables logging.
	Logger *log.Logger
}

// Publisher delivers price update events to a Kafka topic. The producer
// runs idempotent with acks=all, so retried batches do not multiply
// messages inside a single producer session.
type Publisher struct {
	producer        *kafka.Producer
	topic           string
	deliveryTimeout time.Duration
	logger          *log.Logger
}

// Compile-time interface check.
var _ bus.EventPublisher = (*Publisher)(nil)

// NewPublisher connects a producer and ensures the topic exists.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Brokers == "" {
		return nil, fmt.Errorf("kafka publisher: brokers are required")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("kafka publisher: topic is required")
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}

	if err := ensureTopic(opts.Brokers, opts.Topic); err != nil {
		return nil, err
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": opts.Brokers,
		"client.id":         "token-price-service",

		"acks":                                  "all",
		"enable.idempotence":                    true,
		"max.in.flight.requests.per.connection": 5,

		"delivery.timeout.ms": 30000,
		"request.timeout.ms":  30000,
		"retries":             5,
		"retry.backoff.ms":    100,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Publisher{
		producer:        producer,
		topic:           opts.Topic,
		deliveryTimeout: opts.DeliveryTimeout,
		logger:          opts.Logger,
	}, nil
}

func ensureTopic(brokers, topic string) error {
	adminClient, err := kafka.NewAdminClient(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
	})
	if err != nil {
		return fmt.Errorf("create kafka admin client: %w", err)
	}
	defer adminClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	meta, err := adminClient.GetMetadata(nil, true, 10000)
	if err != nil {
		return fmt.Errorf("get kafka metadata: %w", err)
	}
	if _, exists := meta.Topics[topic]; exists {
		return nil
	}

	replicationFactor := 1
	if len(meta.Brokers) > 1 {
		replicationFactor = 2
	}

	results, err := adminClient.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: replicationFactor,
	}})
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("create topic %s: %w", result.Topic, result.Error)
		}
	}
	return nil
}

// PublishBatch produces every event with its own delivery channel and
// waits for all acks. Any failed delivery fails the whole batch.
func (p *Publisher) PublishBatch(ctx context.Context, events []*domain.PriceUpdated) error {
	if len(events) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(events))

	for _, event := range events {
		value, err := bus.Encode(event)
		if err != nil {
			return fmt.Errorf("%w: %w", bus.ErrPublish, err)
		}

		wg.Add(1)
		go func(tokenID string, value []byte) {
			defer wg.Done()

			deliveryChan := make(chan kafka.Event, 1)
			err := p.producer.Produce(&kafka.Message{
				TopicPartition: kafka.TopicPartition{
					Topic:     &p.topic,
					Partition: kafka.PartitionAny,
				},
				Key:   []byte(tokenID),
				Value: value,
			}, deliveryChan)
			if err != nil {
				errCh <- fmt.Errorf("produce event for %s: %w", tokenID, err)
				return
			}

			select {
			case e, ok := <-deliveryChan:
				if !ok {
					errCh <- fmt.Errorf("delivery channel closed for %s", tokenID)
					return
				}
				msg, ok := e.(*kafka.Message)
				if !ok {
					errCh <- fmt.Errorf("unexpected delivery event %T for %s", e, tokenID)
					return
				}
				if msg.TopicPartition.Error != nil {
					errCh <- fmt.Errorf("deliver event for %s: %w", tokenID, msg.TopicPartition.Error)
				}
			case <-time.After(p.deliveryTimeout):
				go drainDelivery(deliveryChan)
				errCh <- fmt.Errorf("delivery timeout (>%v) for %s", p.deliveryTimeout, tokenID)
			case <-ctx.Done():
				go drainDelivery(deliveryChan)
				errCh <- fmt.Errorf("publish cancelled for %s: %w", tokenID, ctx.Err())
			}
		}(event.TokenID, value)
	}

	wg.Wait()
	close(errCh)

	var failed int
	var firstErr error
	for err := range errCh {
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}
	if failed > 0 {
		if p.logger != nil {
			p.logger.Printf("batch publish failed: %d/%d events undelivered: %v", failed, len(events), firstErr)
		}
		return fmt.Errorf("%w: %d/%d events undelivered: %w", bus.ErrPublish, failed, len(events), firstErr)
	}
	return nil
}

// drainDelivery keeps an abandoned delivery channel from blocking the
// producer callback.
func drainDelivery(ch <-chan kafka.Event) {
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
	}
}

// Close flushes outstanding messages and releases the producer.
func (p *Publisher) Close() {
	remaining := p.producer.Flush(flushTimeoutMs)
	if remaining > 0 && p.logger != nil {
		p.logger.Printf("close: %d messages still unflushed", remaining)
	}
	p.producer.Close()
}
