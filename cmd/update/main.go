// Package main runs a single price update pass and exits. Intended for
// cron jobs and manual operations.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	kafkabus "github.com/uniwertz/token-price-service/internal/bus/kafka"
	"github.com/uniwertz/token-price-service/internal/config"
	"github.com/uniwertz/token-price-service/internal/oracle"
	"github.com/uniwertz/token-price-service/internal/pipeline"
	"github.com/uniwertz/token-price-service/internal/retry"
	chstore "github.com/uniwertz/token-price-service/internal/storage/clickhouse"
	pgstore "github.com/uniwertz/token-price-service/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	postgresDSN := flag.String("postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", cfg.ClickHouseDSN, "ClickHouse connection string (optional)")
	kafkaBrokers := flag.String("kafka-brokers", cfg.KafkaBrokers, "Kafka bootstrap servers")
	kafkaTopic := flag.String("kafka-topic", cfg.KafkaTopic, "Kafka topic for price update events")
	oracleURL := flag.String("oracle-url", cfg.OracleURL, "Price oracle base URL")
	flag.Parse()

	logger := log.New(os.Stdout, "[update] ", log.LstdFlags|log.Lshortfile)

	if *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required")
	}
	if *kafkaBrokers == "" {
		logger.Fatal("--kafka-brokers is required")
	}
	if *oracleURL == "" {
		logger.Fatal("--oracle-url is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		logger.Fatalf("connect to postgres: %v", err)
	}
	defer pool.Close()

	opts := pipeline.Options{
		Store:     pgstore.NewTokenStore(pool),
		Oracle:    oracle.NewHTTPClient(*oracleURL, oracle.WithTimeout(cfg.OracleTimeout)),
		Retry: retry.Policy{
			MaxRetries:   cfg.Retries,
			InitialDelay: cfg.RetryInitialDelay,
			Factor:       cfg.RetryFactor,
			MaxDelay:     retry.DefaultMaxDelay,
		},
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.Concurrency,
		Logger:      logger,
	}

	publisher, err := kafkabus.NewPublisher(kafkabus.Options{
		Brokers: *kafkaBrokers,
		Topic:   *kafkaTopic,
		Logger:  log.New(os.Stdout, "[kafka] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("create publisher: %v", err)
	}
	defer publisher.Close()
	opts.Publisher = publisher

	if *clickhouseDSN != "" {
		conn, err := chstore.NewConn(ctx, *clickhouseDSN)
		if err != nil {
			logger.Fatalf("connect to clickhouse: %v", err)
		}
		defer conn.Close()
		opts.History = chstore.NewPriceHistoryStore(conn)
	}

	pipe, err := pipeline.New(opts)
	if err != nil {
		logger.Fatalf("create pipeline: %v", err)
	}

	summary, err := pipe.Run(ctx)
	if summary != nil {
		logger.Printf("processed=%d updated=%d errors=%d duration=%s",
			summary.TotalProcessed, summary.UpdatedCount, summary.ErrorCount, summary.Duration)
	}
	if err != nil {
		logger.Fatalf("run failed: %v", err)
	}
}
