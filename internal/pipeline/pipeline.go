// Package pipeline orchestrates the token price update run: stream token
// batches from the store, fetch fresh prices concurrently, publish change
// events, then persist the batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/uniwertz/token-price-service/internal/bus"
	"github.com/uniwertz/token-price-service/internal/domain"
	"github.com/uniwertz/token-price-service/internal/observability"
	"github.com/uniwertz/token-price-service/internal/oracle"
	"github.com/uniwertz/token-price-service/internal/retry"
	"github.com/uniwertz/token-price-service/internal/storage"
)

// Default tuning values.
const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 10
)

// ErrAlreadyRunning is returned by Run when another run is in flight.
var ErrAlreadyRunning = errors.New("pipeline run already in progress")

// State is the lifecycle of the last (or current) run.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Summary reports the outcome of one run.
type Summary struct {
	// TotalProcessed counts every token read from the store.
	TotalProcessed int
	// UpdatedCount counts tokens whose new price was published and persisted.
	UpdatedCount int
	// ErrorCount counts tokens lost to oracle failures or failed batches.
	ErrorCount int
	// Duration is the wall-clock time of the run.
	Duration time.Duration
}

// Options configures a Pipeline. Store, Oracle and Publisher are required.
type Options struct {
	Store     storage.TokenStore
	Oracle    oracle.PriceOracle
	Publisher bus.EventPublisher

	// History, when set, receives applied price changes best-effort.
	History storage.PriceHistoryStore

	// Retry wraps publish and persist calls. Zero value means retry.Default().
	Retry retry.Policy

	// BatchSize tokens per cursor fetch. Zero means DefaultBatchSize.
	BatchSize int
	// Concurrency bounds simultaneous oracle lookups per batch.
	// Zero means DefaultConcurrency.
	Concurrency int

	// Logger receives run diagnostics. Nil disables logging.
	Logger *log.Logger

	// Metrics, when set, receives run and batch counters.
	Metrics *observability.Metrics

	// Now supplies event timestamps. Nil means time.Now.
	Now func() time.Time
}

// Pipeline runs the price update cycle. At most one run is in flight at a
// time; concurrent Run calls beyond the first fail with ErrAlreadyRunning.
type Pipeline struct {
	store     storage.TokenStore
	oracle    oracle.PriceOracle
	publisher bus.EventPublisher
	history   storage.PriceHistoryStore

	retry       retry.Policy
	batchSize   int
	concurrency int
	logger      *log.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	state   atomic.Int32
	running atomic.Bool
}

// New validates the options and builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("pipeline: token store is required")
	}
	if opts.Oracle == nil {
		return nil, fmt.Errorf("pipeline: price oracle is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("pipeline: event publisher is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Pipeline{
		store:       opts.Store,
		oracle:      opts.Oracle,
		publisher:   opts.Publisher,
		history:     opts.History,
		retry:       opts.Retry,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}, nil
}

// State returns the lifecycle state of the last or current run.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Run executes one full pass over the token collection.
//
// Per batch: prices are fetched concurrently, tokens whose lookup failed
// are skipped, change events are published BEFORE the batch is persisted,
// and a publish or persist failure after retries drops the whole batch and
// moves on. Only a cursor read failure aborts the run.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer p.running.Store(false)

	return p.run(ctx)
}

// RunAsync acquires the single-flight guard synchronously and executes the
// run in a new goroutine, delivering the outcome to done. When another run
// is in flight it returns ErrAlreadyRunning without starting anything, so
// callers can report the rejection instead of dropping it silently.
func (p *Pipeline) RunAsync(ctx context.Context, done func(*Summary, error)) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	go func() {
		defer p.running.Store(false)
		done(p.run(ctx))
	}()
	return nil
}

func (p *Pipeline) run(ctx context.Context) (*Summary, error) {
	p.state.Store(int32(StateRunning))
	started := time.Now()
	summary := &Summary{}

	batches := p.store.StreamBatches(ctx, p.batchSize)
	for batchNum := 0; ; batchNum++ {
		tokens, err := batches.Next(ctx)
		if err != nil {
			p.state.Store(int32(StateFailed))
			summary.Duration = time.Since(started)
			p.observeRun("failed", summary)
			return summary, fmt.Errorf("read token batch %d: %w", batchNum, err)
		}
		if len(tokens) == 0 {
			break
		}

		summary.TotalProcessed += len(tokens)
		if p.metrics != nil {
			p.metrics.TokensProcessed.Add(float64(len(tokens)))
		}

		updated, events, skipped := p.refreshBatch(ctx, tokens)
		summary.ErrorCount += skipped

		if len(events) == 0 {
			if p.metrics != nil {
				p.metrics.BatchesTotal.WithLabelValues("unchanged").Inc()
			}
			continue
		}

		if err := p.publishAndSave(ctx, updated, events); err != nil {
			summary.ErrorCount += len(updated)
			if p.metrics != nil {
				p.metrics.BatchesTotal.WithLabelValues("failed").Inc()
				p.metrics.TokenErrors.WithLabelValues("batch").Add(float64(len(updated)))
			}
			p.logf("batch %d dropped (%d tokens): %v", batchNum, len(updated), err)
			continue
		}

		summary.UpdatedCount += len(updated)
		if p.metrics != nil {
			p.metrics.BatchesTotal.WithLabelValues("ok").Inc()
			p.metrics.PricesUpdated.Add(float64(len(updated)))
		}

		p.recordHistory(ctx, events)
	}

	p.state.Store(int32(StateCompleted))
	summary.Duration = time.Since(started)
	p.observeRun("completed", summary)
	p.logf("run completed: processed=%d updated=%d errors=%d duration=%s",
		summary.TotalProcessed, summary.UpdatedCount, summary.ErrorCount, summary.Duration)
	return summary, nil
}

type fetchResult struct {
	price domain.Price
	err   error
}

// refreshBatch fetches a price for every token with bounded concurrency and
// applies the changes in memory. A failed lookup skips that token only.
func (p *Pipeline) refreshBatch(ctx context.Context, tokens []*domain.Token) ([]*domain.Token, []*domain.PriceUpdated, int) {
	results := make([]fetchResult, len(tokens))
	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup

	for i, token := range tokens {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, token *domain.Token) {
			defer wg.Done()
			defer func() { <-sem }()

			price, err := p.oracle.Price(ctx, oracle.TokenRef{ID: token.ID, Symbol: token.Symbol})
			results[i] = fetchResult{price: price, err: err}
		}(i, token)
	}
	wg.Wait()

	var updated []*domain.Token
	var events []*domain.PriceUpdated
	var skipped int
	occurredAt := p.now()

	for i, token := range tokens {
		if results[i].err != nil {
			skipped++
			if p.metrics != nil {
				p.metrics.TokenErrors.WithLabelValues("oracle").Inc()
			}
			p.logf("skip token %s: %v", token.ID, results[i].err)
			continue
		}
		if event := token.UpdatePrice(results[i].price, occurredAt); event != nil {
			updated = append(updated, token)
			events = append(events, event)
		}
	}
	return updated, events, skipped
}

// publishAndSave delivers the batch events and then persists the tokens,
// each under the retry policy. Publish always precedes persist so a crash
// between the two leaves an extra event, never a silent price change.
func (p *Pipeline) publishAndSave(ctx context.Context, updated []*domain.Token, events []*domain.PriceUpdated) error {
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		return p.publisher.PublishBatch(ctx, events)
	})
	if err != nil {
		return fmt.Errorf("publish %d events: %w", len(events), err)
	}

	err = p.retry.Do(ctx, func(ctx context.Context) error {
		err := p.store.SaveBatch(ctx, updated)
		if errors.Is(err, storage.ErrInvalidInput) || errors.Is(err, storage.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("save %d tokens: %w", len(updated), err)
	}
	return nil
}

// recordHistory appends applied changes to the history sink. Failures are
// logged and swallowed.
func (p *Pipeline) recordHistory(ctx context.Context, events []*domain.PriceUpdated) {
	if p.history == nil {
		return
	}
	if err := p.history.RecordBatch(ctx, events); err != nil {
		p.logf("record %d history rows: %v", len(events), err)
	}
}

func (p *Pipeline) observeRun(status string, summary *Summary) {
	if p.metrics != nil {
		p.metrics.ObserveRun(status, summary.Duration)
	}
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
