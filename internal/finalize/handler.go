package finalize

import (
	"encoding/json"
	"log/slog"
	"net/http"

	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
	"github.com/tutorverse/ingest-platform/pkg/logger"
)

// Handler exposes upload finalization and re-submission over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a finalize Handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service: service,
		logger:  slog.Default().With("component", "finalize-handler"),
	}
}

type finalizeRequest struct {
	StorageKey string `json:"storageKey"`
}

// Finalize handles POST /api/v1/files/{fileID}/finalize.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	ownerID := r.Header.Get("X-User-ID")
	if ownerID == "" {
		h.writeError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}
	fileID := r.PathValue("fileID")

	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.service.Finalize(ctx, ownerID, fileID, req.StorageKey)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		if statusCode >= 500 {
			log.Error("finalize failed", "error", err, "file_id", fileID)
		}
		h.writeError(w, statusCode, err.Error())
		return
	}
	log.Info("upload finalized",
		"file_id", fileID,
		"queued", result.Queued,
	)
	h.writeJSON(w, http.StatusOK, result)
}

// Resubmit handles POST /api/v1/files/{fileID}/resubmit.
func (h *Handler) Resubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	ownerID := r.Header.Get("X-User-ID")
	if ownerID == "" {
		h.writeError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}
	fileID := r.PathValue("fileID")

	result, err := h.service.Resubmit(ctx, ownerID, fileID)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		if statusCode >= 500 {
			log.Error("resubmit failed", "error", err, "file_id", fileID)
		}
		h.writeError(w, statusCode, err.Error())
		return
	}
	log.Info("ingestion job re-submitted", "file_id", fileID)
	h.writeJSON(w, http.StatusOK, result)
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
