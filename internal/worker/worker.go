// Package worker consumes ingestion jobs from the queue, retrieves the
// uploaded object, and hands it to the processing service. The worker never
// writes processing status: the finalizer sets PENDING, and only the webhook
// handler moves a record to COMPLETE or FAILED. Failures here propagate to
// the queue machinery so retry, backoff, and dead-lettering apply uniformly.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tutorverse/ingest-platform/internal/filerecord"
	"github.com/tutorverse/ingest-platform/internal/ingest"
	"github.com/tutorverse/ingest-platform/internal/processing"
	"github.com/tutorverse/ingest-platform/pkg/config"
	"github.com/tutorverse/ingest-platform/pkg/kafka"
	"github.com/tutorverse/ingest-platform/pkg/metrics"
	"github.com/tutorverse/ingest-platform/pkg/objectstore"
	"github.com/tutorverse/ingest-platform/pkg/resilience"
	"github.com/tutorverse/ingest-platform/pkg/tracing"
)

// Gate is the idempotency store protecting the handoff. Delivery is
// at-least-once, so the same job may arrive more than once; only the delivery
// that wins the gate performs the handoff.
type Gate interface {
	AcquireOnce(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Handler processes one ingestion job per queue message.
type Handler struct {
	store      objectstore.Client
	proc       processing.Client
	gate       Gate
	cfg        config.WorkerConfig
	handoffTTL time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a worker Handler.
func New(store objectstore.Client, proc processing.Client, gate Gate, cfg config.WorkerConfig, handoffTTL time.Duration, m *metrics.Metrics) *Handler {
	return &Handler{
		store:      store,
		proc:       proc,
		gate:       gate,
		cfg:        cfg,
		handoffTTL: handoffTTL,
		metrics:    m,
		logger:     slog.Default().With("component", "ingest-worker"),
	}
}

// HandleMessage is the kafka.MessageHandler for the ingestion topic. A nil
// return acknowledges the message; an error return asks the consumer to
// retry and eventually dead-letter it.
func (h *Handler) HandleMessage(ctx context.Context, key, value []byte) error {
	job, err := kafka.DecodeJSON[ingest.Job](value)
	if err != nil {
		// Malformed payloads are not retryable; log and acknowledge.
		h.logger.Error("failed to decode ingestion job",
			"key", string(key),
			"error", err,
		)
		h.metrics.JobsConsumedTotal.WithLabelValues("failed").Inc()
		return nil
	}
	if err := job.Validate(); err != nil {
		h.logger.Error("invalid ingestion job", "key", string(key), "error", err)
		h.metrics.JobsConsumedTotal.WithLabelValues("failed").Inc()
		return nil
	}
	return h.process(ctx, job)
}

func (h *Handler) process(ctx context.Context, job ingest.Job) error {
	gateKey := ingest.HandoffKey(job.FileID)
	won, err := h.gate.AcquireOnce(ctx, gateKey, time.Now().UTC().Format(time.RFC3339), h.handoffTTL)
	if err != nil {
		return fmt.Errorf("acquiring handoff gate for %s: %w", job.FileID, err)
	}
	if !won {
		h.logger.Info("duplicate delivery, handoff already performed", "file_id", job.FileID)
		h.metrics.JobsConsumedTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	start := time.Now()
	kind := filerecord.ClassifyKind("", job.FileName)
	ctx, span := tracing.StartSpan(ctx, "ingest-handoff", job.FileID)
	span.SetAttr("file_kind", string(kind))
	span.SetAttr("storage_key", job.StorageKey)
	defer func() {
		span.End()
		span.Log()
	}()

	if err := h.handoff(ctx, job, kind); err != nil {
		span.SetError(err)
		// The handoff never happened; release the gate so the retry (or a
		// re-submission) is not mistaken for a duplicate.
		if relErr := h.gate.Release(ctx, gateKey); relErr != nil {
			h.logger.Warn("failed to release handoff gate", "file_id", job.FileID, "error", relErr)
		}
		h.metrics.JobsConsumedTotal.WithLabelValues("failed").Inc()
		return err
	}

	h.metrics.JobsConsumedTotal.WithLabelValues("handed_off").Inc()
	h.metrics.HandoffDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	h.logger.Info("file handed off for processing",
		"file_id", job.FileID,
		"storage_key", job.StorageKey,
		"file_kind", kind,
	)
	return nil
}

// handoff retrieves the object and submits it to the processing service,
// both under the execution budget for the file's kind.
func (h *Handler) handoff(ctx context.Context, job ingest.Job, kind filerecord.Kind) error {
	return resilience.WithTimeout(ctx, h.budget(kind), "ingest-handoff", func(ctx context.Context) error {
		ctx, retrieve := tracing.StartChildSpan(ctx, "object-retrieve")
		obj, info, err := h.store.Get(ctx, job.StorageKey)
		retrieve.End()
		if err != nil {
			return fmt.Errorf("retrieving object %s: %w", job.StorageKey, err)
		}
		defer obj.Close()
		retrieve.SetAttr("byte_size", info.Size)

		ctx, submit := tracing.StartChildSpan(ctx, "processing-submit")
		defer submit.End()
		return h.proc.Submit(ctx, processing.Submission{
			FileID:      job.FileID,
			FileName:    job.FileName,
			ContentType: info.ContentType,
			CallbackURL: job.CallbackURL,
			Body:        obj,
			Size:        info.Size,
		})
	})
}

// budget returns the execution budget for a file kind. Media retrieval and
// transcoding-bound submissions need far longer than small text documents.
func (h *Handler) budget(kind filerecord.Kind) time.Duration {
	switch kind {
	case filerecord.KindAudio, filerecord.KindVideo:
		return h.cfg.MediaTimeout
	default:
		return h.cfg.DocumentTimeout
	}
}
