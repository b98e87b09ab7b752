package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	busmem "github.com/uniwertz/token-price-service/internal/bus/memory"
	"github.com/uniwertz/token-price-service/internal/domain"
	"github.com/uniwertz/token-price-service/internal/oracle"
	oraclestub "github.com/uniwertz/token-price-service/internal/oracle/stub"
	"github.com/uniwertz/token-price-service/internal/retry"
	"github.com/uniwertz/token-price-service/internal/storage"
	storagemem "github.com/uniwertz/token-price-service/internal/storage/memory"
)

var fixedNow = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func testRetry() retry.Policy {
	return retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond, Factor: 1, MaxDelay: time.Millisecond}
}

func seedToken(t *testing.T, store *storagemem.TokenStore, id, price string) {
	t.Helper()
	err := store.Insert(context.Background(), &domain.Token{
		ID:           id,
		DisplayName:  id,
		CurrentPrice: domain.MustPrice(price),
	})
	if err != nil {
		t.Fatalf("seed token %s: %v", id, err)
	}
}

func storedPrice(t *testing.T, store *storagemem.TokenStore, id string) domain.Price {
	t.Helper()
	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	page, err := store.FindPage(context.Background(), count, 0)
	if err != nil {
		t.Fatalf("find page: %v", err)
	}
	for _, tok := range page {
		if tok.ID == id {
			return tok.CurrentPrice
		}
	}
	t.Fatalf("token %s not found", id)
	return domain.Price{}
}

func TestRun_UpdatesChangedTokensOnly(t *testing.T) {
	store := storagemem.NewTokenStore()
	seedToken(t, store, "tok-a", "10")
	seedToken(t, store, "tok-b", "20")
	seedToken(t, store, "tok-c", "30")

	orc := oraclestub.NewOracle()
	orc.Prices["tok-a"] = domain.MustPrice("10") // unchanged
	orc.Prices["tok-b"] = domain.MustPrice("25")
	orc.Prices["tok-c"] = domain.MustPrice("15")

	pub := busmem.NewPublisher()
	history := storagemem.NewPriceHistoryStore()

	p, err := New(Options{
		Store:     store,
		Oracle:    orc,
		Publisher: pub,
		History:   history,
		Retry:     testRetry(),
		Now:       func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.TotalProcessed != 3 {
		t.Errorf("total processed = %d, want 3", summary.TotalProcessed)
	}
	if summary.UpdatedCount != 2 {
		t.Errorf("updated = %d, want 2", summary.UpdatedCount)
	}
	if summary.ErrorCount != 0 {
		t.Errorf("errors = %d, want 0", summary.ErrorCount)
	}
	if got := p.State(); got != StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}

	events := pub.Events()
	if len(events) != 2 {
		t.Fatalf("published events = %d, want 2", len(events))
	}
	for _, e := range events {
		if !e.OccurredAt.Equal(fixedNow) {
			t.Errorf("event %s occurredAt = %v, want %v", e.TokenID, e.OccurredAt, fixedNow)
		}
	}

	if got := storedPrice(t, store, "tok-a"); !got.Equal(domain.MustPrice("10")) {
		t.Errorf("tok-a price = %s, want unchanged 10", got)
	}
	if got := storedPrice(t, store, "tok-b"); !got.Equal(domain.MustPrice("25")) {
		t.Errorf("tok-b price = %s, want 25", got)
	}
	if got := storedPrice(t, store, "tok-c"); !got.Equal(domain.MustPrice("15")) {
		t.Errorf("tok-c price = %s, want 15", got)
	}

	if got := len(history.Entries()); got != 2 {
		t.Errorf("history entries = %d, want 2", got)
	}
}

func TestRun_OracleFailureSkipsTokenOnly(t *testing.T) {
	store := storagemem.NewTokenStore()
	orc := oraclestub.NewOracle()
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("tok-%03d", i)
		seedToken(t, store, id, "1")
		orc.Prices[id] = domain.MustPrice("2")
	}
	orc.Errs["tok-042"] = fmt.Errorf("%w: feed timeout", oracle.ErrOracle)

	pub := busmem.NewPublisher()
	p, err := New(Options{
		Store:     store,
		Oracle:    orc,
		Publisher: pub,
		Retry:     testRetry(),
		BatchSize: 25,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.TotalProcessed != 100 {
		t.Errorf("total processed = %d, want 100", summary.TotalProcessed)
	}
	if summary.UpdatedCount != 99 {
		t.Errorf("updated = %d, want 99", summary.UpdatedCount)
	}
	if summary.ErrorCount != 1 {
		t.Errorf("errors = %d, want 1", summary.ErrorCount)
	}

	if got := storedPrice(t, store, "tok-042"); !got.Equal(domain.MustPrice("1")) {
		t.Errorf("failed token price = %s, want untouched 1", got)
	}
	if got := len(pub.Events()); got != 99 {
		t.Errorf("published events = %d, want 99", got)
	}
}

func TestRun_PublishFailureDropsBatchAndContinues(t *testing.T) {
	store := storagemem.NewTokenStore()
	orc := oraclestub.NewOracle()
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("tok-%02d", i)
		seedToken(t, store, id, "1")
		orc.Prices[id] = domain.MustPrice("2")
	}

	pub := busmem.NewPublisher()
	pub.FailWith = errors.New("broker unreachable")

	p, err := New(Options{
		Store:     store,
		Oracle:    orc,
		Publisher: pub,
		Retry:     testRetry(),
		BatchSize: 5,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run should survive publish failures: %v", err)
	}

	if summary.TotalProcessed != 10 {
		t.Errorf("total processed = %d, want 10", summary.TotalProcessed)
	}
	if summary.UpdatedCount != 0 {
		t.Errorf("updated = %d, want 0", summary.UpdatedCount)
	}
	if summary.ErrorCount != 10 {
		t.Errorf("errors = %d, want 10", summary.ErrorCount)
	}

	// Publish precedes persist, so nothing may have been saved.
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("tok-%02d", i)
		if got := storedPrice(t, store, id); !got.Equal(domain.MustPrice("1")) {
			t.Errorf("%s price = %s, want untouched 1", id, got)
		}
	}
	if got := p.State(); got != StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}
}

type failingSaveStore struct {
	*storagemem.TokenStore
	saveErr   error
	saveCalls int
}

func (s *failingSaveStore) SaveBatch(context.Context, []*domain.Token) error {
	s.saveCalls++
	return s.saveErr
}

func TestRun_SaveFailureDropsBatchAfterPublish(t *testing.T) {
	inner := storagemem.NewTokenStore()
	orc := oraclestub.NewOracle()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("tok-%d", i)
		seedToken(t, inner, id, "1")
		orc.Prices[id] = domain.MustPrice("2")
	}

	store := &failingSaveStore{
		TokenStore: inner,
		saveErr:    fmt.Errorf("%w: disk full", storage.ErrStore),
	}
	pub := busmem.NewPublisher()

	p, err := New(Options{
		Store:     store,
		Oracle:    orc,
		Publisher: pub,
		Retry:     testRetry(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run should survive save failures: %v", err)
	}

	// Publish precedes persist, so the batch's events went out even though
	// the save was dropped.
	if got := len(pub.Events()); got != 3 {
		t.Errorf("published events = %d, want 3", got)
	}
	if summary.UpdatedCount != 0 {
		t.Errorf("updated = %d, want 0", summary.UpdatedCount)
	}
	if summary.ErrorCount != 3 {
		t.Errorf("errors = %d, want 3", summary.ErrorCount)
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("tok-%d", i)
		if got := storedPrice(t, inner, id); !got.Equal(domain.MustPrice("1")) {
			t.Errorf("%s price = %s, want untouched 1", id, got)
		}
	}
	if got := p.State(); got != StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}
	// Transient store failures are retried: first attempt plus two retries.
	if store.saveCalls != 3 {
		t.Errorf("save attempts = %d, want 3", store.saveCalls)
	}
}

func TestRun_SaveNotFoundIsNotRetried(t *testing.T) {
	inner := storagemem.NewTokenStore()
	seedToken(t, inner, "tok-1", "1")

	orc := oraclestub.NewOracle()
	orc.Prices["tok-1"] = domain.MustPrice("2")

	store := &failingSaveStore{
		TokenStore: inner,
		saveErr:    fmt.Errorf("save batch: %w", storage.ErrNotFound),
	}

	p, err := New(Options{
		Store:     store,
		Oracle:    orc,
		Publisher: busmem.NewPublisher(),
		Retry:     testRetry(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.ErrorCount != 1 {
		t.Errorf("errors = %d, want 1", summary.ErrorCount)
	}
	if store.saveCalls != 1 {
		t.Errorf("save attempts = %d, want 1 (not-found is permanent)", store.saveCalls)
	}
}

type failingCursor struct {
	calls int
}

func (c *failingCursor) Next(context.Context) ([]*domain.Token, error) {
	c.calls++
	if c.calls == 1 {
		return []*domain.Token{{ID: "tok-1", CurrentPrice: domain.MustPrice("1")}}, nil
	}
	return nil, fmt.Errorf("%w: connection reset", storage.ErrStore)
}

type failingCursorStore struct {
	*storagemem.TokenStore
	cursor *failingCursor
}

func (s *failingCursorStore) StreamBatches(context.Context, int) storage.TokenBatches {
	return s.cursor
}

func TestRun_CursorFailureFailsRun(t *testing.T) {
	inner := storagemem.NewTokenStore()
	seedToken(t, inner, "tok-1", "1")

	orc := oraclestub.NewOracle()
	orc.Prices["tok-1"] = domain.MustPrice("2")

	p, err := New(Options{
		Store:     &failingCursorStore{TokenStore: inner, cursor: &failingCursor{}},
		Oracle:    orc,
		Publisher: busmem.NewPublisher(),
		Retry:     testRetry(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := p.Run(context.Background())
	if !errors.Is(err, storage.ErrStore) {
		t.Fatalf("run error = %v, want ErrStore", err)
	}
	if summary.TotalProcessed != 1 {
		t.Errorf("total processed = %d, want 1 (first batch succeeded)", summary.TotalProcessed)
	}
	if got := p.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
}

type blockingOracle struct {
	release chan struct{}
	inner   oracle.PriceOracle
}

func (o *blockingOracle) Price(ctx context.Context, ref oracle.TokenRef) (domain.Price, error) {
	<-o.release
	return o.inner.Price(ctx, ref)
}

func TestRun_SingleFlight(t *testing.T) {
	store := storagemem.NewTokenStore()
	seedToken(t, store, "tok-1", "1")

	orc := oraclestub.NewOracle()
	orc.Prices["tok-1"] = domain.MustPrice("2")
	blocking := &blockingOracle{release: make(chan struct{}), inner: orc}

	p, err := New(Options{
		Store:     store,
		Oracle:    blocking,
		Publisher: busmem.NewPublisher(),
		Retry:     testRetry(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	firstDone := make(chan error, 1)
	go func() {
		defer wg.Done()
		_, err := p.Run(context.Background())
		firstDone <- err
	}()

	// Wait until the first run is inside the oracle call.
	deadline := time.After(2 * time.Second)
	for p.State() != StateRunning {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := p.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("concurrent run error = %v, want ErrAlreadyRunning", err)
	}

	close(blocking.release)
	wg.Wait()
	if err := <-firstDone; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A finished pipeline accepts a new run.
	if _, err := p.Run(context.Background()); err != nil {
		t.Errorf("second sequential run: %v", err)
	}
}

func TestRunAsync_RejectsConcurrentStart(t *testing.T) {
	store := storagemem.NewTokenStore()
	seedToken(t, store, "tok-1", "1")

	orc := oraclestub.NewOracle()
	orc.Prices["tok-1"] = domain.MustPrice("2")
	blocking := &blockingOracle{release: make(chan struct{}), inner: orc}

	p, err := New(Options{
		Store:     store,
		Oracle:    blocking,
		Publisher: busmem.NewPublisher(),
		Retry:     testRetry(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	firstDone := make(chan error, 1)
	if err := p.RunAsync(context.Background(), func(_ *Summary, err error) {
		firstDone <- err
	}); err != nil {
		t.Fatalf("first start: %v", err)
	}

	// The guard is held from the moment RunAsync returns, so a second
	// start is rejected synchronously even before the run makes progress.
	if err := p.RunAsync(context.Background(), func(*Summary, error) {}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start error = %v, want ErrAlreadyRunning", err)
	}
	if _, err := p.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("concurrent Run error = %v, want ErrAlreadyRunning", err)
	}

	close(blocking.release)
	select {
	case err := <-firstDone:
		if err != nil {
			t.Fatalf("first run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first run never finished")
	}

	// The guard is released once the run finishes.
	if _, err := p.Run(context.Background()); err != nil {
		t.Errorf("sequential run after async: %v", err)
	}
}

type countingPublisher struct {
	calls int
}

func (p *countingPublisher) PublishBatch(_ context.Context, events []*domain.PriceUpdated) error {
	p.calls++
	return nil
}

func TestRun_NoChangesSkipsPublishAndSave(t *testing.T) {
	store := storagemem.NewTokenStore()
	seedToken(t, store, "tok-1", "5")

	orc := oraclestub.NewOracle()
	orc.Prices["tok-1"] = domain.MustPrice("5")

	pub := &countingPublisher{}
	p, err := New(Options{
		Store:     store,
		Oracle:    orc,
		Publisher: pub,
		Retry:     testRetry(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.UpdatedCount != 0 || summary.ErrorCount != 0 {
		t.Errorf("summary = %+v, want no updates and no errors", summary)
	}
	if pub.calls != 0 {
		t.Errorf("publisher called %d times for an unchanged batch, want 0", pub.calls)
	}
}

func TestRun_EmptyStore(t *testing.T) {
	p, err := New(Options{
		Store:     storagemem.NewTokenStore(),
		Oracle:    oraclestub.NewOracle(),
		Publisher: busmem.NewPublisher(),
		Retry:     testRetry(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.TotalProcessed != 0 {
		t.Errorf("total processed = %d, want 0", summary.TotalProcessed)
	}
	if got := p.State(); got != StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}
}
