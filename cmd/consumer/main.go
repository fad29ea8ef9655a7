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
	"github.com/herald-io/herald/internal/consumer"
	"github.com/herald-io/herald/internal/db"
	"github.com/herald-io/herald/internal/kafka"
	"github.com/herald-io/herald/internal/metrics"
	"github.com/herald-io/herald/internal/observ"
	"github.com/herald-io/herald/internal/transport"
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

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "consumer")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald delivery consumer",
		zap.String("env", cfg.Env),
		zap.String("group_id", cfg.DeliveryGroupID),
		zap.String("topic", cfg.MainTopic),
		zap.String("transport_mode", cfg.TransportMode),
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

	dlqRepo := db.NewDLQRepository(database, logger)

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:  cfg.KafkaBrokers,
		ClientID: cfg.KafkaClientID + "-consumer",
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	tr, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	scheduler := consumer.NewRequeueScheduler(logger)
	c := consumer.New(tr, producer, dlqRepo, scheduler, consumer.Config{
		MainTopic: cfg.MainTopic,
		DLQTopic:  cfg.DLQTopic,
	}, logger)

	group, err := kafka.NewConsumerGroup(kafka.ConsumerConfig{
		Brokers:  cfg.KafkaBrokers,
		ClientID: cfg.KafkaClientID + "-consumer",
		GroupID:  cfg.DeliveryGroupID,
		Topics:   []string{cfg.MainTopic},
	}, c.Handle, logger)
	if err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumeErrors := make(chan error, 1)
	go func() {
		consumeErrors <- group.Run(runCtx)
	}()

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
	case err := <-consumeErrors:
		if err != nil {
			return fmt.Errorf("consumer error: %w", err)
		}
	case err := <-serverErrors:
		return fmt.Errorf("metrics server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	cancel()
	if err := group.Close(); err != nil {
		logger.Error("failed to close consumer group", zap.Error(err))
	}

	// Pending requeue timers are dropped on shutdown; their offsets were
	// already committed, so the DLQ auto-retry window covers the loss.
	dropped := scheduler.Stop()
	if dropped > 0 {
		logger.Warn("dropped pending requeues on shutdown", zap.Int("count", dropped))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		srv.Close()
	}

	logger.Info("delivery consumer stopped gracefully")
	return nil
}

// buildTransport selects the delivery backend. "aws" routes EMAIL through SES
// and SMS through SNS; "log" writes notifications to the log for development.
func buildTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (transport.Transport, error) {
	if cfg.TransportMode != "aws" {
		return transport.NewLogTransport(logger), nil
	}

	sesTransport, err := transport.NewSESTransport(ctx, transport.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES transport: %w", err)
	}

	snsTransport, err := transport.NewSNSTransport(ctx, transport.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS transport unavailable, SMS delivery disabled", zap.Error(err))
		return transport.NewRouter(logger, sesTransport), nil
	}

	return transport.NewRouter(logger, sesTransport, snsTransport), nil
}
