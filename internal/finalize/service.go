// Package finalize confirms a client-side upload, turns the placeholder into
// a durable PENDING record, and enqueues exactly one ingestion job for it.
// It also owns the idempotent re-submission path used when the enqueue step
// failed or a job went stuck.
package finalize

import (
	"context"
	"log/slog"
	"time"

	"github.com/tutorverse/ingest-platform/internal/filerecord"
	"github.com/tutorverse/ingest-platform/internal/ingest"
	"github.com/tutorverse/ingest-platform/internal/registry"
	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
	"github.com/tutorverse/ingest-platform/pkg/kafka"
	"github.com/tutorverse/ingest-platform/pkg/metrics"
	"github.com/tutorverse/ingest-platform/pkg/objectstore"
	"github.com/tutorverse/ingest-platform/pkg/resilience"
)

// Queue is the producer surface the finalizer needs. Satisfied by
// kafka.Producer; tests substitute a fake.
type Queue interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// GateReleaser clears the worker's handoff idempotency gate for a file so a
// deliberate re-submission is processed rather than skipped as a duplicate.
type GateReleaser interface {
	Release(ctx context.Context, key string) error
}

// Result reports the outcome of a finalize or re-submit call. Queued is false
// when the record was finalized but the enqueue failed even after retries;
// the record stays PENDING and the re-submit path is the remediation.
type Result struct {
	FileID string                      `json:"fileId"`
	Status filerecord.ProcessingStatus `json:"processingStatus"`
	Queued bool                        `json:"queued"`
	Record *filerecord.FileRecord      `json:"record,omitempty"`
}

// Service coordinates upload confirmation, record finalization, and job
// production.
type Service struct {
	repo          filerecord.Repository
	registry      registry.Registry
	store         objectstore.Client
	queue         Queue
	gate          GateReleaser
	publicBaseURL string
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewService wires a finalize Service. gate may be nil when no idempotency
// store is configured.
func NewService(repo filerecord.Repository, reg registry.Registry, store objectstore.Client, queue Queue, gate GateReleaser, publicBaseURL string, m *metrics.Metrics) *Service {
	return &Service{
		repo:          repo,
		registry:      reg,
		store:         store,
		queue:         queue,
		gate:          gate,
		publicBaseURL: publicBaseURL,
		metrics:       m,
		logger:        slog.Default().With("component", "finalizer"),
	}
}

// Finalize confirms the upload landed in the object store, finalizes the
// record (clearing its provisional TTL, entering PENDING), and enqueues one
// ingestion job. Authorization is re-checked here: intake and finalize are
// temporally decoupled and entitlements may have changed in between.
func (s *Service) Finalize(ctx context.Context, ownerID, fileID, storageKey string) (*Result, error) {
	rec, err := s.repo.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if rec.RecordStatus == filerecord.RecordDeleted {
		return nil, apperrors.ErrFileNotFound
	}
	if rec.OwnerID != ownerID {
		return nil, apperrors.New(apperrors.ErrForbidden, 403, "file belongs to another owner")
	}
	if err := s.authorize(ctx, rec.ModuleID, ownerID); err != nil {
		return nil, err
	}
	if storageKey == "" {
		storageKey = rec.StorageKey
	}

	info, err := s.store.Stat(ctx, storageKey)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrUploadNotConfirmed, 400, "object %s not found in store", storageKey)
	}

	rec, err = s.repo.Finalize(ctx, fileID, storageKey, info.Size)
	if err != nil {
		return nil, err
	}
	s.metrics.UploadsFinalizedTotal.Inc()

	queued := s.enqueue(ctx, rec)
	return &Result{FileID: fileID, Status: rec.ProcessingStatus, Queued: queued, Record: rec}, nil
}

// Resubmit re-enqueues the ingestion job for a finalized record stuck in
// PENDING or stabilised in FAILED. It is idempotent: duplicate jobs are
// deduplicated by the worker's handoff gate, which this call first releases
// so the deliberate re-run actually executes.
func (s *Service) Resubmit(ctx context.Context, ownerID, fileID string) (*Result, error) {
	rec, err := s.repo.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if rec.RecordStatus == filerecord.RecordDeleted {
		return nil, apperrors.ErrFileNotFound
	}
	if rec.OwnerID != ownerID {
		return nil, apperrors.New(apperrors.ErrForbidden, 403, "file belongs to another owner")
	}
	if err := s.authorize(ctx, rec.ModuleID, ownerID); err != nil {
		return nil, err
	}

	switch rec.ProcessingStatus {
	case filerecord.ProcessingPending, filerecord.ProcessingFailed:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, 409, "file is %s, not eligible for re-submission", rec.ProcessingStatus)
	}

	if s.gate != nil {
		if err := s.gate.Release(ctx, ingest.HandoffKey(fileID)); err != nil {
			s.logger.Warn("failed to release handoff gate", "file_id", fileID, "error", err)
		}
	}

	queued := s.enqueue(ctx, rec)
	if !queued {
		return nil, apperrors.New(apperrors.ErrQueueUnavailable, 503, "could not enqueue ingestion job")
	}
	return &Result{FileID: fileID, Status: rec.ProcessingStatus, Queued: true}, nil
}

func (s *Service) authorize(ctx context.Context, moduleID, ownerID string) error {
	authorized, err := s.registry.Authorized(ctx, moduleID, ownerID)
	if err != nil {
		return err
	}
	if !authorized {
		return apperrors.Newf(apperrors.ErrForbidden, 403, "user %s may not finalize uploads in module %s", ownerID, moduleID)
	}
	return nil
}

// enqueue publishes the ingestion job with bounded retries. A false return
// means the record is finalized but unqueued; callers surface that so the
// owner (or an operator) can re-submit.
func (s *Service) enqueue(ctx context.Context, rec *filerecord.FileRecord) bool {
	job := ingest.Job{
		FileID:      rec.FileID,
		StorageKey:  rec.StorageKey,
		FileName:    rec.FileName,
		ModuleID:    rec.ModuleID,
		CallbackURL: ingest.CallbackURL(s.publicBaseURL, rec.FileID),
		CreatedAt:   time.Now().UTC(),
	}
	event := kafka.Event{Key: rec.FileID, Value: job}

	err := resilience.Retry(ctx, "enqueue-ingest-job", resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}, func() error {
		return s.queue.Publish(ctx, event)
	})
	if err != nil {
		s.metrics.EnqueueFailuresTotal.Inc()
		s.logger.Error("failed to enqueue ingestion job, record left in PENDING",
			"file_id", rec.FileID,
			"error", err,
		)
		return false
	}
	s.logger.Info("ingestion job enqueued",
		"file_id", rec.FileID,
		"storage_key", rec.StorageKey,
	)
	return true
}
