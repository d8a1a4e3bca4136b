// Package webhook receives the processing service's completion callbacks and
// finalizes the file record's processing sub-state. The handler is written to
// be safe under duplicate and out-of-order delivery: reapplying a terminal
// state is a harmless overwrite, and the latest callback wins because the
// processing service is the authority on the real outcome.
package webhook

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tutorverse/ingest-platform/internal/filerecord"
	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
	"github.com/tutorverse/ingest-platform/pkg/logger"
	"github.com/tutorverse/ingest-platform/pkg/metrics"
)

// defaultFailureMessage is recorded when a FAILED callback carries no error
// detail.
const defaultFailureMessage = "processing failed"

// Payload is the callback body posted by the processing service.
type Payload struct {
	Status     string `json:"status"`
	DocumentID string `json:"documentId"`
	Chunks     int    `json:"chunks"`
	TextLength int    `json:"textLength"`
	Error      string `json:"error"`
}

// response is the acknowledgment returned to the processing service.
type response struct {
	Success bool   `json:"success"`
	FileID  string `json:"fileId"`
	Status  string `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Handler applies completion callbacks to file records.
type Handler struct {
	repo    filerecord.Repository
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHandler creates a webhook Handler.
func NewHandler(repo filerecord.Repository, m *metrics.Metrics) *Handler {
	return &Handler{
		repo:    repo,
		metrics: m,
		logger:  slog.Default().With("component", "webhook-handler"),
	}
}

// Complete handles POST /api/v1/files/{fileID}/processing-webhook.
//
// Invalid payloads are client errors (400) and mutate nothing. A callback for
// an unknown file is acknowledged with success=false rather than a 5xx: the
// caller is an external system whose retry behaviour this pipeline does not
// control, and retrying a record that does not exist can never succeed.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)
	fileID := r.PathValue("fileID")

	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.reject(w, fileID, "invalid_json")
		return
	}

	switch payload.Status {
	case string(filerecord.ProcessingComplete):
		if payload.DocumentID == "" {
			h.reject(w, fileID, "missing_document_id")
			return
		}
	case string(filerecord.ProcessingFailed):
	default:
		h.reject(w, fileID, "invalid_status")
		return
	}

	rec, err := h.apply(r, fileID, payload)
	if err != nil {
		if errors.Is(err, apperrors.ErrFileNotFound) {
			log.Warn("webhook for unknown file, acknowledging",
				"file_id", fileID,
				"status", payload.Status,
			)
			h.metrics.WebhooksTotal.WithLabelValues("unknown_file").Inc()
			h.writeJSON(w, http.StatusOK, response{Success: false, FileID: fileID, Code: "unknown_file"})
			return
		}
		log.Error("failed to apply webhook", "file_id", fileID, "error", err)
		h.writeJSON(w, http.StatusInternalServerError, response{Success: false, FileID: fileID, Code: "internal_error"})
		return
	}

	log.Info("processing webhook applied",
		"file_id", fileID,
		"status", rec.ProcessingStatus,
		"document_id", rec.ProcessingDocumentID,
		"chunks", rec.ProcessingChunkCount,
	)
	h.writeJSON(w, http.StatusOK, response{
		Success: true,
		FileID:  fileID,
		Status:  string(rec.ProcessingStatus),
	})
}

func (h *Handler) apply(r *http.Request, fileID string, payload Payload) (*filerecord.FileRecord, error) {
	ctx := r.Context()
	switch payload.Status {
	case string(filerecord.ProcessingComplete):
		h.metrics.WebhooksTotal.WithLabelValues("complete").Inc()
		return h.repo.MarkComplete(ctx, fileID, payload.DocumentID, payload.Chunks, payload.TextLength)
	default:
		message := payload.Error
		if message == "" {
			message = defaultFailureMessage
		}
		h.metrics.WebhooksTotal.WithLabelValues("failed").Inc()
		return h.repo.MarkFailed(ctx, fileID, message)
	}
}

func (h *Handler) reject(w http.ResponseWriter, fileID, code string) {
	h.metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
	h.writeJSON(w, http.StatusBadRequest, response{Success: false, FileID: fileID, Code: code})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
