/**
 * @description
 * This is the main entry point for the billing-service.
 * It initializes and wires together all the components of the application:
 * configuration, database pool, Redis dedupe guard, RabbitMQ producer,
 * payment processor client, repository, verifier service, event reconciler,
 * the expiration sweeper, and the HTTP router. Finally it starts the HTTP
 * server and handles graceful shutdown.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/happylife/billing-service/internal/api"
	"github.com/happylife/billing-service/internal/app"
	"github.com/happylife/billing-service/internal/config"
	"github.com/happylife/billing-service/internal/store"
	"github.com/happylife/billing-service/pkg/paymentclient"
	"github.com/happylife/billing-service/pkg/rabbitmq"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load application configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Establish connection to the PostgreSQL database with connection pool configuration
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// IMPORTANT: Disable prepared statements to work with PgBouncer transaction pooling
	// Use simple protocol to avoid statement cache errors (SQLSTATE 42P05)
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// Redis backs the webhook delivery dedupe guard. The reconciler's applies
	// are idempotent on their own, so a missing Redis only disables the
	// fast-path duplicate rejection.
	var dedupe app.DeliveryDeduper
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL, continuing without delivery dedupe", "error", err)
		} else {
			redisClient := redis.NewClient(redisOpts)
			dedupe = app.NewRedisDeliveryDeduper(redisClient, "billing:webhook_delivery", 72*time.Hour)
			logger.Info("redis delivery dedupe enabled")
		}
	}

	// RabbitMQ carries internal billing lifecycle events for alerting and
	// owner notifications. Falls back to a no-op publisher if unavailable.
	var producer rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		p, err := rabbitmq.NewProducer(cfg.RabbitMQURL)
		if err != nil {
			logger.Error("rabbitmq unavailable, using no-op publisher", "error", err)
			producer = &rabbitmq.NoopPublisher{}
		} else {
			producer = p
			defer p.Close()
		}
	} else {
		producer = &rabbitmq.NoopPublisher{}
	}

	payments := paymentclient.NewClient(cfg.PaymentAPIURL, cfg.PaymentAPIKey)

	// Initialize application layers
	repository := store.NewPostgresRepository(dbpool)
	service := app.NewService(repository, payments, producer)
	reconciler := app.NewReconciler(repository, payments, producer, dedupe)
	handler := api.NewHandler(service)
	webhook := api.NewWebhookHandler(reconciler, cfg.PaymentWebhookSecret)
	router := api.NewRouter(handler, webhook, cfg.AuthJWKSURL)

	// The sweep keeps stored expiration flags tidy; read correctness never
	// depends on it having run.
	sweeper := app.NewSweeper(repository, logger)
	sweeper.Start(cfg.SweepSchedule)
	defer sweeper.Stop()

	// Configure and start the HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for an OS signal
	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
