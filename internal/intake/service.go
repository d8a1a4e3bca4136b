// Package intake issues signed upload targets and placeholder file records.
// No queue interaction happens here; ingestion starts only once the client
// confirms the upload through the finalizer.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tutorverse/ingest-platform/internal/filerecord"
	"github.com/tutorverse/ingest-platform/internal/registry"
	"github.com/tutorverse/ingest-platform/pkg/config"
	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
	"github.com/tutorverse/ingest-platform/pkg/metrics"
	"github.com/tutorverse/ingest-platform/pkg/objectstore"
)

// Request is the declared metadata for a new upload. Size and mime type are
// trusted only as metadata; the client writes the actual bytes directly to
// the object store.
type Request struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	ByteSize int64  `json:"byteSize"`
}

// Response carries the signed write target and the placeholder's identity.
type Response struct {
	FileID     string    `json:"fileId"`
	UploadURL  string    `json:"uploadUrl"`
	StorageKey string    `json:"storageKey"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Service creates placeholder records and presigned upload URLs.
type Service struct {
	repo     filerecord.Repository
	registry registry.Registry
	store    objectstore.Client
	cfg      config.UploadConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService wires an intake Service from its dependencies.
func NewService(repo filerecord.Repository, reg registry.Registry, store objectstore.Client, cfg config.UploadConfig, m *metrics.Metrics) *Service {
	return &Service{
		repo:     repo,
		registry: reg,
		store:    store,
		cfg:      cfg,
		metrics:  m,
		logger:   slog.Default().With("component", "intake"),
	}
}

// Initiate validates the target module and caller, writes one placeholder
// record with a provisional TTL, and returns a time-limited signed PUT URL.
func (s *Service) Initiate(ctx context.Context, ownerID, moduleID string, req Request) (*Response, error) {
	if err := validate(req, s.cfg.MaxFileBytes); err != nil {
		return nil, err
	}

	if _, err := s.registry.GetModule(ctx, moduleID); err != nil {
		return nil, err
	}
	authorized, err := s.registry.Authorized(ctx, moduleID, ownerID)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, apperrors.Newf(apperrors.ErrForbidden, 403, "user %s may not upload to module %s", ownerID, moduleID)
	}

	fileID := uuid.NewString()
	ext := strings.ToLower(filepath.Ext(req.FileName))
	storageKey := fmt.Sprintf("modules/%s/%s%s", moduleID, fileID, ext)

	uploadURL, err := s.store.PresignedPut(ctx, storageKey, s.cfg.SignedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: presigning upload: %v", apperrors.ErrStorageUnavailable, err)
	}

	expiresAt := time.Now().UTC().Add(s.cfg.PlaceholderTTL)
	rec := &filerecord.FileRecord{
		FileID:        fileID,
		OwnerID:       ownerID,
		ModuleID:      moduleID,
		StorageKey:    storageKey,
		StorageBucket: s.store.Bucket(),
		FileName:      req.FileName,
		MimeType:      req.MimeType,
		ByteSize:      req.ByteSize,
		Kind:          filerecord.ClassifyKind(req.MimeType, req.FileName),
		RecordStatus:  filerecord.RecordActive,
		ExpiresAt:     &expiresAt,
	}
	if err := s.repo.CreatePlaceholder(ctx, rec); err != nil {
		return nil, err
	}

	s.metrics.UploadsInitiatedTotal.Inc()
	s.logger.Info("upload initiated",
		"file_id", fileID,
		"module_id", moduleID,
		"file_kind", rec.Kind,
		"declared_size", req.ByteSize,
	)

	return &Response{
		FileID:     fileID,
		UploadURL:  uploadURL,
		StorageKey: storageKey,
		ExpiresAt:  expiresAt,
	}, nil
}

func validate(req Request, maxBytes int64) error {
	switch {
	case strings.TrimSpace(req.FileName) == "":
		return apperrors.New(apperrors.ErrInvalidInput, 400, "fileName is required")
	case req.ByteSize <= 0:
		return apperrors.New(apperrors.ErrInvalidInput, 400, "byteSize must be positive")
	case maxBytes > 0 && req.ByteSize > maxBytes:
		return apperrors.Newf(apperrors.ErrInvalidInput, 400, "byteSize exceeds limit of %d bytes", maxBytes)
	}
	return nil
}
