// Package files is the read/delete surface over file records consumed by
// downstream features (chat, quiz, summary). Consumers must filter on
// recordStatus != DELETED and processingStatus == COMPLETE before using a
// file as context; the usable query parameter applies that filter server-side.
package files

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/tutorverse/ingest-platform/internal/filerecord"
	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
	"github.com/tutorverse/ingest-platform/pkg/logger"
	"github.com/tutorverse/ingest-platform/pkg/objectstore"
)

// Handler serves file record queries, soft deletion, and download URLs.
type Handler struct {
	repo        filerecord.Repository
	store       objectstore.Client
	downloadTTL time.Duration
	logger      *slog.Logger
}

// NewHandler creates a files Handler.
func NewHandler(repo filerecord.Repository, store objectstore.Client, downloadTTL time.Duration) *Handler {
	return &Handler{
		repo:        repo,
		store:       store,
		downloadTTL: downloadTTL,
		logger:      slog.Default().With("component", "files-handler"),
	}
}

// Get handles GET /api/v1/files/{fileID}. Soft-deleted records are reported
// as absent.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.fetch(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// ListByModule handles GET /api/v1/modules/{moduleID}/files. With
// ?usable=true only records fit for context-building are returned.
func (h *Handler) ListByModule(w http.ResponseWriter, r *http.Request) {
	moduleID := r.PathValue("moduleID")
	usableOnly := r.URL.Query().Get("usable") == "true"

	records, err := h.repo.ListByModule(r.Context(), moduleID, usableOnly)
	if err != nil {
		h.logger.Error("failed to list module files", "module_id", moduleID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if records == nil {
		records = []filerecord.FileRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"moduleId": moduleID,
		"files":    records,
	})
}

// Delete handles DELETE /api/v1/files/{fileID}. Deletion is soft and owner
// only; the processing outcome is irrelevant.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	ownerID := r.Header.Get("X-User-ID")
	if ownerID == "" {
		h.writeError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}
	fileID := r.PathValue("fileID")

	if err := h.repo.SoftDelete(ctx, fileID, ownerID); err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	log.Info("file soft-deleted", "file_id", fileID)
	h.writeJSON(w, http.StatusOK, map[string]any{"fileId": fileID, "recordStatus": filerecord.RecordDeleted})
}

// Download handles GET /api/v1/files/{fileID}/download and returns a
// time-limited signed GET URL.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.fetch(w, r)
	if !ok {
		return
	}
	url, err := h.store.PresignedGet(r.Context(), rec.StorageKey, rec.FileName, h.downloadTTL)
	if err != nil {
		h.logger.Error("failed to presign download", "file_id", rec.FileID, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "object store unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"fileId":      rec.FileID,
		"downloadUrl": url,
		"expiresIn":   h.downloadTTL.String(),
	})
}

// fetch loads the addressed record, hiding soft-deleted ones. It writes the
// error response itself and reports success via ok.
func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) (*filerecord.FileRecord, bool) {
	fileID := r.PathValue("fileID")
	rec, err := h.repo.Get(r.Context(), fileID)
	if err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return nil, false
	}
	if rec.RecordStatus == filerecord.RecordDeleted {
		h.writeError(w, http.StatusNotFound, apperrors.ErrFileNotFound.Error())
		return nil, false
	}
	return rec, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
