package intake

import (
	"encoding/json"
	"log/slog"
	"net/http"

	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
	"github.com/tutorverse/ingest-platform/pkg/logger"
)

// Handler exposes upload intake over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates an intake Handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service: service,
		logger:  slog.Default().With("component", "intake-handler"),
	}
}

// Initiate handles POST /api/v1/modules/{moduleID}/uploads.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	ownerID := r.Header.Get("X-User-ID")
	if ownerID == "" {
		h.writeError(w, http.StatusUnauthorized, "missing caller identity")
		return
	}
	moduleID := r.PathValue("moduleID")

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := h.service.Initiate(ctx, ownerID, moduleID, req)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		if statusCode >= 500 {
			log.Error("upload intake failed", "error", err, "module_id", moduleID)
		}
		h.writeError(w, statusCode, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
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
