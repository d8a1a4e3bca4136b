// Command api starts the ingestion HTTP service.
//
// The service issues signed upload targets, finalizes confirmed uploads into
// the job queue, receives processing-completion webhooks, and serves the file
// status surface consumed by downstream features. It provides health probes
// under /health and Prometheus metrics on a side port.
//
// Usage:
//
//	go run ./cmd/api [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tutorverse/ingest-platform/internal/api"
	"github.com/tutorverse/ingest-platform/internal/filerecord"
	"github.com/tutorverse/ingest-platform/internal/files"
	"github.com/tutorverse/ingest-platform/internal/finalize"
	"github.com/tutorverse/ingest-platform/internal/intake"
	"github.com/tutorverse/ingest-platform/internal/registry"
	"github.com/tutorverse/ingest-platform/internal/webhook"
	"github.com/tutorverse/ingest-platform/pkg/config"
	"github.com/tutorverse/ingest-platform/pkg/health"
	"github.com/tutorverse/ingest-platform/pkg/kafka"
	"github.com/tutorverse/ingest-platform/pkg/logger"
	"github.com/tutorverse/ingest-platform/pkg/metrics"
	"github.com/tutorverse/ingest-platform/pkg/mongo"
	"github.com/tutorverse/ingest-platform/pkg/objectstore"
	"github.com/tutorverse/ingest-platform/pkg/postgres"
	"github.com/tutorverse/ingest-platform/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestion api", "port", cfg.Server.Port)

	mongoClient, err := mongo.New(cfg.Mongo)
	if err != nil {
		slog.Error("failed to connect to mongo", "error", err)
		os.Exit(1)
	}
	defer mongoClient.Close(context.Background())
	if err := mongoClient.EnsureFileRecordIndexes(context.Background(), cfg.Mongo.Collection); err != nil {
		slog.Error("failed to ensure indexes", "error", err)
		os.Exit(1)
	}
	repo := filerecord.NewMongoRepository(mongoClient.Collection(cfg.Mongo.Collection))
	slog.Info("connected to mongo")

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	reg := registry.New(db)
	slog.Info("connected to postgres")

	store, err := objectstore.New(cfg.Minio)
	if err != nil {
		slog.Error("failed to connect to object store", "error", err)
		os.Exit(1)
	}
	slog.Info("object store ready", "bucket", store.Bucket())

	rdb, err := redis.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.FileIngest)
	defer producer.Close()
	slog.Info("kafka producer initialized", "topic", cfg.Kafka.Topics.FileIngest)

	m := metrics.New()
	checker := health.NewChecker()
	checker.Register("mongo", health.PingCheck(mongoClient.Ping))
	checker.Register("postgres", health.PingCheck(db.Ping))
	checker.Register("redis", health.PingCheck(rdb.Ping))

	intakeSvc := intake.NewService(repo, reg, store, cfg.Upload, m)
	finalizeSvc := finalize.NewService(repo, reg, store, producer, rdb, cfg.Server.PublicBaseURL, m)

	handler := api.New(api.Handlers{
		Intake:   intake.NewHandler(intakeSvc),
		Finalize: finalize.NewHandler(finalizeSvc),
		Webhook:  webhook.NewHandler(repo, m),
		Files:    files.NewHandler(repo, store, cfg.Upload.SignedURLTTL),
		Health:   checker,
	}, m, cfg.Server.WriteTimeout)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if metricsShutdown != nil {
			if err := metricsShutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}
	}()
	slog.Info("ingestion api listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion api stopped")
}
