// Package main runs the token price service: a scheduled price update
// pipeline plus an HTTP surface for health, status, token listing and
// manual triggering.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/uniwertz/token-price-service/internal/bus"
	kafkabus "github.com/uniwertz/token-price-service/internal/bus/kafka"
	membus "github.com/uniwertz/token-price-service/internal/bus/memory"
	"github.com/uniwertz/token-price-service/internal/config"
	"github.com/uniwertz/token-price-service/internal/observability"
	"github.com/uniwertz/token-price-service/internal/oracle"
	"github.com/uniwertz/token-price-service/internal/oracle/stub"
	"github.com/uniwertz/token-price-service/internal/pipeline"
	"github.com/uniwertz/token-price-service/internal/retry"
	"github.com/uniwertz/token-price-service/internal/seed"
	"github.com/uniwertz/token-price-service/internal/storage"
	chstore "github.com/uniwertz/token-price-service/internal/storage/clickhouse"
	"github.com/uniwertz/token-price-service/internal/storage/memory"
	"github.com/uniwertz/token-price-service/internal/storage/migrations"
	pgstore "github.com/uniwertz/token-price-service/internal/storage/postgres"
)

// Server holds the pipeline and its HTTP surface.
type Server struct {
	pipeline   *pipeline.Pipeline
	tokenStore storage.TokenStore
	chainStore storage.ChainStore
	metrics    *observability.Metrics
	interval   time.Duration
	logger     *log.Logger

	mu          sync.Mutex
	started     time.Time
	lastRun     time.Time
	lastSummary *pipeline.Summary
	runs        int
}

type stores struct {
	tokens  storage.TokenStore
	chains  storage.ChainStore
	history storage.PriceHistoryStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	// Flags override environment values.
	httpAddr := flag.String("http-addr", cfg.HTTPAddr, "HTTP listen address")
	postgresDSN := flag.String("postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", cfg.ClickHouseDSN, "ClickHouse connection string (optional)")
	kafkaBrokers := flag.String("kafka-brokers", cfg.KafkaBrokers, "Kafka bootstrap servers")
	kafkaTopic := flag.String("kafka-topic", cfg.KafkaTopic, "Kafka topic for price update events")
	oracleURL := flag.String("oracle-url", cfg.OracleURL, "Price oracle base URL")
	updateInterval := flag.Duration("update-interval", cfg.UpdateInterval, "Interval between pipeline runs")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage and a stub oracle instead of external services")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	if !*useMemory {
		if *postgresDSN == "" {
			logger.Fatal("--postgres-dsn is required (use --use-memory for in-memory storage)")
		}
		if *kafkaBrokers == "" {
			logger.Fatal("--kafka-brokers is required (use --use-memory for an in-memory bus)")
		}
		if *oracleURL == "" {
			logger.Fatal("--oracle-url is required (use --use-memory for a stub oracle)")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, cleanupStores, err := createStores(ctx, *postgresDSN, *clickhouseDSN, *useMemory)
	if err != nil {
		logger.Fatalf("create stores: %v", err)
	}
	defer cleanupStores()

	if err := seed.Run(ctx, st.chains, st.tokens, logger); err != nil {
		logger.Fatalf("seed reference data: %v", err)
	}

	publisher, cleanupPublisher, err := createPublisher(*kafkaBrokers, *kafkaTopic, *useMemory, logger)
	if err != nil {
		logger.Fatalf("create publisher: %v", err)
	}
	defer cleanupPublisher()

	priceOracle := createOracle(ctx, *oracleURL, cfg.OracleTimeout, *useMemory, st.tokens)
	metrics := observability.NewMetrics()

	pipe, err := pipeline.New(pipeline.Options{
		Store:     st.tokens,
		Oracle:    priceOracle,
		Publisher: publisher,
		History:   st.history,
		Retry: retry.Policy{
			MaxRetries:   cfg.Retries,
			InitialDelay: cfg.RetryInitialDelay,
			Factor:       cfg.RetryFactor,
			MaxDelay:     retry.DefaultMaxDelay,
		},
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		Logger:      log.New(os.Stdout, "[pipeline] ", log.LstdFlags|log.Lshortfile),
		Metrics:     metrics,
	})
	if err != nil {
		logger.Fatalf("create pipeline: %v", err)
	}

	server := &Server{
		pipeline:   pipe,
		tokenStore: st.tokens,
		chainStore: st.chains,
		metrics:    metrics,
		interval:   *updateInterval,
		logger:     logger,
		started:    time.Now(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	go server.startHTTPServer(ctx, *httpAddr)

	if err := server.runScheduler(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("scheduler: %v", err)
	}
	logger.Println("shutdown complete")
}

// createStores builds the storage layer. ClickHouse is optional; without a
// DSN, price history recording is disabled.
func createStores(ctx context.Context, postgresDSN, clickhouseDSN string, useMemory bool) (*stores, func(), error) {
	if useMemory {
		return &stores{
			tokens:  memory.NewTokenStore(),
			chains:  memory.NewChainStore(),
			history: memory.NewPriceHistoryStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("apply postgres migrations: %w", err)
	}

	st := &stores{
		tokens: pgstore.NewTokenStore(pool),
		chains: pgstore.NewChainStore(pool),
	}
	cleanup := func() { pool.Close() }

	if clickhouseDSN != "" {
		conn, err := chstore.NewConn(ctx, clickhouseDSN)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
			conn.Close()
			pool.Close()
			return nil, nil, fmt.Errorf("apply clickhouse migrations: %w", err)
		}
		st.history = chstore.NewPriceHistoryStore(conn)
		cleanup = func() {
			conn.Close()
			pool.Close()
		}
	}

	return st, cleanup, nil
}

func createPublisher(brokers, topic string, useMemory bool, logger *log.Logger) (bus.EventPublisher, func(), error) {
	if useMemory {
		return membus.NewPublisher(), func() {}, nil
	}

	publisher, err := kafkabus.NewPublisher(kafkabus.Options{
		Brokers: brokers,
		Topic:   topic,
		Logger:  log.New(os.Stdout, "[kafka] ", log.LstdFlags),
	})
	if err != nil {
		return nil, nil, err
	}
	return publisher, publisher.Close, nil
}

// createOracle returns the HTTP oracle, or in memory mode a stub that
// nudges every seeded token's price so runs visibly produce events.
func createOracle(ctx context.Context, baseURL string, timeout time.Duration, useMemory bool, tokens storage.TokenStore) oracle.PriceOracle {
	if !useMemory {
		return oracle.NewHTTPClient(baseURL, oracle.WithTimeout(timeout))
	}

	stubOracle := stub.NewOracle()
	count, err := tokens.Count(ctx)
	if err != nil {
		return stubOracle
	}
	page, err := tokens.FindPage(ctx, count, 0)
	if err != nil {
		return stubOracle
	}
	for _, t := range page {
		bumped, err := t.CurrentPrice.Mul(1.01)
		if err != nil {
			continue
		}
		stubOracle.Prices[t.ID] = bumped
	}
	return stubOracle
}

// runScheduler runs the pipeline immediately, then on every tick.
func (s *Server) runScheduler(ctx context.Context) error {
	s.logger.Printf("starting scheduler (interval: %v)", s.interval)

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Server) runOnce(ctx context.Context) {
	summary, err := s.pipeline.Run(ctx)
	if errors.Is(err, pipeline.ErrAlreadyRunning) {
		s.logger.Println("previous run still in progress, skipping")
		return
	}
	s.recordRun(summary, err)
}

func (s *Server) recordRun(summary *pipeline.Summary, err error) {
	if err != nil {
		s.logger.Printf("pipeline run failed: %v", err)
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastSummary = summary
	s.runs++
	s.mu.Unlock()
}

// startHTTPServer serves health, status, metrics, token listing and the
// manual trigger endpoint until the context is cancelled.
func (s *Server) startHTTPServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/tokens", s.handleTokens)
	mux.HandleFunc("/trigger", s.handleTrigger)

	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Printf("starting HTTP server on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Printf("HTTP server error: %v", err)
	}
}

// StatusResponse is the JSON response for the /status endpoint.
type StatusResponse struct {
	Status         string     `json:"status"`
	Uptime         string     `json:"uptime"`
	PipelineState  string     `json:"pipeline_state"`
	Runs           int        `json:"runs"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	TotalProcessed int        `json:"total_processed"`
	UpdatedCount   int        `json:"updated_count"`
	ErrorCount     int        `json:"error_count"`
	TokenCount     int        `json:"token_count"`
	ChainCount     int        `json:"chain_count"`
	LastPriceAt    *time.Time `json:"last_price_update,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := StatusResponse{
		Status:        "running",
		Uptime:        time.Since(s.started).String(),
		PipelineState: s.pipeline.State().String(),
		Runs:          s.runs,
	}
	if !s.lastRun.IsZero() {
		lastRun := s.lastRun
		resp.LastRun = &lastRun
	}
	if s.lastSummary != nil {
		resp.TotalProcessed = s.lastSummary.TotalProcessed
		resp.UpdatedCount = s.lastSummary.UpdatedCount
		resp.ErrorCount = s.lastSummary.ErrorCount
	}
	s.mu.Unlock()

	ctx := r.Context()
	if count, err := s.tokenStore.Count(ctx); err == nil {
		resp.TokenCount = count
	}
	if count, err := s.tokenStore.DistinctChainCount(ctx); err == nil {
		resp.ChainCount = count
	}
	if last, err := s.tokenStore.LastPriceUpdate(ctx); err == nil {
		resp.LastPriceAt = &last
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// TokenResponse is one row of the /tokens listing.
type TokenResponse struct {
	ID             string    `json:"id"`
	Symbol         *string   `json:"symbol"`
	DisplayName    string    `json:"display_name"`
	Chain          string    `json:"chain,omitempty"`
	IsNative       bool      `json:"is_native"`
	CurrentPrice   string    `json:"current_price"`
	PriceUpdatedAt time.Time `json:"price_updated_at"`
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	limit := parseQueryInt(r, "limit", 50)
	offset := parseQueryInt(r, "offset", 0)

	tokens, err := s.tokenStore.FindPage(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := make([]TokenResponse, 0, len(tokens))
	for _, t := range tokens {
		row := TokenResponse{
			ID:             t.ID,
			Symbol:         t.Symbol,
			DisplayName:    t.DisplayName,
			IsNative:       t.IsNative,
			CurrentPrice:   t.CurrentPrice.String(),
			PriceUpdatedAt: t.PriceUpdatedAt,
		}
		if t.Chain != nil {
			row.Chain = t.Chain.Name
		}
		resp = append(resp, row)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The guard is acquired synchronously, so two simultaneous triggers
	// cannot both get a 202 while one run is dropped.
	err := s.pipeline.RunAsync(context.WithoutCancel(r.Context()), s.recordRun)
	if errors.Is(err, pipeline.ErrAlreadyRunning) {
		http.Error(w, "pipeline run already in progress", http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("pipeline run triggered"))
}

func parseQueryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
