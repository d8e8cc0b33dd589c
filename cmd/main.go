/**
 * @description
 * Main entry point for the SEPA collection service. It loads configuration,
 * connects to PostgreSQL, Redis and RabbitMQ, wires the collection components
 * and starts the HTTP server, the cron scheduler and the bank response
 * consumer.
 *
 * @dependencies
 * - github.com/joho/godotenv: optional .env loading for local runs.
 * - github.com/jackc/pgx/v5: PostgreSQL pool.
 * - github.com/redis/go-redis/v9: distributed run lock.
 * - github.com/bwmarrin/snowflake: batch ids.
 * - github.com/prometheus/client_golang: /metrics.
 * - internal/*, pkg/*: the service packages.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/verenigingen/sepa-service/internal/api"
	"github.com/verenigingen/sepa-service/internal/app"
	"github.com/verenigingen/sepa-service/internal/config"
	"github.com/verenigingen/sepa-service/internal/domain"
	"github.com/verenigingen/sepa-service/internal/metrics"
	"github.com/verenigingen/sepa-service/internal/store"
	"github.com/verenigingen/sepa-service/pkg/archive"
	"github.com/verenigingen/sepa-service/pkg/ledgerclient"
	"github.com/verenigingen/sepa-service/pkg/memberclient"
	"github.com/verenigingen/sepa-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "sepa-service")
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment", "component", "bootstrap")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fatal(logger, "config load failed", err)
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("internal api key not configured; internal routes are unauthenticated", "component", "bootstrap", "env", "INTERNAL_API_KEY")
	}

	location, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		fatal(logger, "unknown business timezone", err)
	}
	now := func() time.Time { return time.Now().In(location) }

	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL, logger); err != nil {
			fatal(logger, "database migration failed", err)
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "database url parse failed", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		fatal(logger, "database connection failed", err)
	}
	defer dbpool.Close()
	logger.Info("database connected", "component", "bootstrap")

	repository := store.NewRepository(dbpool)
	runLock := newRunLock(cfg, logger)

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq producer unavailable; using fallback", "component", "bootstrap", "error", err)
		} else {
			publisher = producer
			logger.Info("rabbitmq producer connected", "component", "bootstrap")
		}
	}
	defer publisher.Close()

	bankArchive := newArchive(cfg, logger)

	if strings.TrimSpace(cfg.LedgerServiceURL) == "" || strings.TrimSpace(cfg.MemberServiceURL) == "" {
		logger.Warn("ledger or member service not configured; dues generation will fail",
			"component", "bootstrap",
			"ledger_service_url_set", cfg.LedgerServiceURL != "",
			"member_service_url_set", cfg.MemberServiceURL != "",
		)
	}
	ledger := ledgerclient.NewClient(cfg.LedgerServiceURL, cfg.LedgerServiceAPIKey)
	members := memberclient.NewClient(cfg.MemberServiceURL, cfg.MemberServiceAPIKey)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collection := metrics.NewCollection(registry)

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		fatal(logger, "snowflake node init failed", err)
	}

	rt := app.Runtime{
		Publisher: publisher,
		Exchange:  cfg.EventsExchange,
		Settings:  cfg.Settings(),
		Logger:    logger,
		Metrics:   collection,
		Now:       now,
	}

	mandateIDs, err := app.NewMandateIDGenerator(repository, cfg.MandateIDPattern, cfg.MandateIDStart, now)
	if err != nil {
		fatal(logger, "mandate id pattern invalid", err)
	}
	mandates := app.NewMandateManager(repository, mandateIDs, rt)
	eligibility := app.NewEligibilityValidator(members)
	dues := app.NewDuesEngine(repository, ledger, eligibility, runLock, cfg.DuesSweepWorkers, rt)
	builder := app.NewBatchBuilder(repository, mandates, runLock, node, rt)
	exporter := app.NewBatchExporter(repository, bankArchive, rt)
	retries := app.NewRetryScheduler(repository, cfg.RetryMaxAttempts, rt)
	processor := app.NewResponseProcessor(repository, mandates, retries, ledger, rt)

	scheduler := app.NewScheduler(app.NewJobs(dues, mandates, builder, exporter, rt, *cfg), logger, *cfg)
	scheduler.Start()

	if cfg.RabbitMQURL != "" {
		consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq consumer unavailable; bank responses accepted over HTTP only", "component", "bootstrap", "error", err)
		} else {
			defer consumer.Close()
			bankResponses := app.NewBankResponseConsumer(processor, logger)
			bindings := map[string]rabbitmq.Handler{domain.RoutingBankResponse: bankResponses.HandleMessage}
			if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.BankRespQueue, bindings); err != nil {
				fatal(logger, "bank response consumer start failed", err)
			}
			logger.Info("bank response consumer started", "component", "bootstrap", "queue", cfg.BankRespQueue)
		}
	}

	handler := api.NewHandler(api.Services{
		Mandates:  mandates,
		Dues:      dues,
		Batches:   builder,
		Exporter:  exporter,
		Responses: processor,
		Retries:   retries,
		Records:   repository,
	}, logger, now)
	router := api.NewRouter(handler, cfg.InternalAPIKey, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server stopped unexpectedly", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", "component", "http")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("http shutdown failed", "component", "http", "error", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		logger.Warn("scheduled jobs still running at shutdown", "component", "scheduler")
	}

	logger.Info("shutdown complete", "component", "http")
}

// newRunLock prefers Redis so concurrent instances share one lock; without
// Redis the lock only covers this process.
func newRunLock(cfg *config.Config, logger *slog.Logger) app.RunLock {
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; run lock is process-local", "component", "bootstrap", "env", "REDIS_URL")
		return app.NewLocalRunLock()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; run lock is process-local", "component", "bootstrap", "error", err)
		return app.NewLocalRunLock()
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed; run lock is process-local", "component", "bootstrap", "error", err)
		client.Close()
		return app.NewLocalRunLock()
	}
	logger.Info("redis connected", "component", "bootstrap")
	return app.NewRedisRunLock(client, cfg.RunLockPrefix)
}

func newArchive(cfg *config.Config, logger *slog.Logger) app.Archive {
	if cfg.ArchiveS3Bucket == "" {
		logger.Info("archiving bank files locally", "component", "bootstrap", "dir", cfg.ArchiveDir)
		return archive.NewFileStore(cfg.ArchiveDir)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s3Store, err := archive.NewS3Store(ctx, archive.S3Config{
		Bucket:    cfg.ArchiveS3Bucket,
		Region:    cfg.ArchiveS3Region,
		Endpoint:  cfg.ArchiveS3Endpoint,
		AccessKey: cfg.ArchiveS3AccessKey,
		SecretKey: cfg.ArchiveS3SecretKey,
	})
	if err != nil {
		fatal(logger, "archive bucket init failed", err)
	}
	logger.Info("archiving bank files to s3", "component", "bootstrap", "bucket", cfg.ArchiveS3Bucket)
	return s3Store
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "component", "bootstrap", "error", err)
	os.Exit(1)
}
