// Command worker runs the ingestion worker.
//
// It consumes ingestion jobs from Kafka, retrieves the uploaded object from
// the object store, and streams it to the external processing service. Jobs
// that exhaust their delivery attempts are diverted to the dead-letter topic.
// The worker exposes health probes and Prometheus metrics on a side port.
//
// Usage:
//
//	go run ./cmd/worker [-config configs/development.yaml]
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

	"golang.org/x/sync/errgroup"

	"github.com/tutorverse/ingest-platform/internal/processing"
	"github.com/tutorverse/ingest-platform/internal/worker"
	"github.com/tutorverse/ingest-platform/pkg/config"
	"github.com/tutorverse/ingest-platform/pkg/health"
	"github.com/tutorverse/ingest-platform/pkg/kafka"
	"github.com/tutorverse/ingest-platform/pkg/logger"
	"github.com/tutorverse/ingest-platform/pkg/metrics"
	"github.com/tutorverse/ingest-platform/pkg/objectstore"
	"github.com/tutorverse/ingest-platform/pkg/redis"
)

// countingDeadLetterSink wraps the dead-letter producer so diverted jobs are
// visible in metrics.
type countingDeadLetterSink struct {
	producer *kafka.Producer
	metrics  *metrics.Metrics
}

func (s *countingDeadLetterSink) PublishRaw(ctx context.Context, key, value []byte, headers map[string]string) error {
	if err := s.producer.PublishRaw(ctx, key, value, headers); err != nil {
		return err
	}
	s.metrics.JobsDeadLetteredTotal.Inc()
	return nil
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestion worker",
		"topic", cfg.Kafka.Topics.FileIngest,
		"group", cfg.Kafka.ConsumerGroup,
	)

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

	proc := processing.NewHTTPClient(cfg.Processing)
	m := metrics.New()
	handler := worker.New(store, proc, rdb, cfg.Worker, cfg.Redis.HandoffTTL, m)

	dlqProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.FileIngestDLQ)
	defer dlqProducer.Close()
	sink := &countingDeadLetterSink{producer: dlqProducer, metrics: m}

	consumer := kafka.NewConsumer(
		cfg.Kafka,
		cfg.Kafka.Topics.FileIngest,
		handler.HandleMessage,
		sink,
		cfg.Worker.MaxAttempts,
		cfg.Worker.RetryDelay,
	)

	checker := health.NewChecker()
	checker.Register("redis", health.PingCheck(rdb.Ping))
	probeMux := http.NewServeMux()
	probeMux.HandleFunc("GET /health/live", checker.LiveHandler())
	probeMux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	probeServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: probeMux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsShutdown func(context.Context) error
	if cfg.Metrics.Enabled {
		metricsShutdown = metrics.StartServer(cfg.Metrics.Port)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Start(ctx)
	})
	g.Go(func() error {
		slog.Info("probe server listening", "addr", probeServer.Addr)
		if err := probeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := probeServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("probe server shutdown error", "error", err)
		}
		if metricsShutdown != nil {
			if err := metricsShutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown error", "error", err)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		slog.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion worker stopped")
}
