package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/herald-io/herald/internal/config"
	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/dispatcher"
	"github.com/herald-io/herald/internal/kafka"
	"github.com/herald-io/herald/internal/metrics"
	"github.com/herald-io/herald/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "dispatcher")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald dispatcher",
		zap.String("env", cfg.Env),
		zap.String("dispatcher_id", cfg.DispatcherID),
		zap.Int("poll_interval_seconds", cfg.PollIntervalSeconds),
		zap.Int("batch_size", cfg.DispatchBatchSize),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewOutboxRepository(database, logger)

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:  cfg.KafkaBrokers,
		ClientID: cfg.KafkaClientID + "-dispatcher",
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	d := dispatcher.New(repo, producer, dispatcher.Config{
		ID:              cfg.DispatcherID,
		PollInterval:    time.Duration(cfg.PollIntervalSeconds) * time.Second,
		BatchSize:       cfg.DispatchBatchSize,
		MainTopic:       cfg.MainTopic,
		DeadLetterTopic: cfg.DeadLetterVisibilityTopic,
	}, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Start(runCtx)

	// Metrics-only HTTP surface; the dispatcher serves no API.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("metrics server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}

	logger.Info("dispatcher stopped gracefully")
	return nil
}
