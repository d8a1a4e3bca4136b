// Package api wires up the ingestion API routes and applies the middleware
// chain: request id, metrics, then a per-request timeout.
package api

import (
	"net/http"
	"time"

	"github.com/tutorverse/ingest-platform/internal/files"
	"github.com/tutorverse/ingest-platform/internal/finalize"
	"github.com/tutorverse/ingest-platform/internal/intake"
	"github.com/tutorverse/ingest-platform/internal/webhook"
	"github.com/tutorverse/ingest-platform/pkg/health"
	"github.com/tutorverse/ingest-platform/pkg/metrics"
	"github.com/tutorverse/ingest-platform/pkg/middleware"
)

// Handlers groups the HTTP handlers mounted by the router.
type Handlers struct {
	Intake   *intake.Handler
	Finalize *finalize.Handler
	Webhook  *webhook.Handler
	Files    *files.Handler
	Health   *health.Checker
}

// New builds the full API HTTP handler.
//
// Route table:
//
//	POST   /api/v1/modules/{moduleID}/uploads        → issue signed upload target
//	POST   /api/v1/files/{fileID}/finalize           → confirm upload, enqueue job
//	POST   /api/v1/files/{fileID}/resubmit           → re-enqueue after enqueue failure
//	POST   /api/v1/files/{fileID}/processing-webhook → processing completion callback
//	GET    /api/v1/files/{fileID}                    → file record
//	GET    /api/v1/files/{fileID}/download           → signed download URL
//	DELETE /api/v1/files/{fileID}                    → soft delete
//	GET    /api/v1/modules/{moduleID}/files          → module listing (?usable=true)
//	GET    /health/live, /health/ready               → probes
func New(h Handlers, m *metrics.Metrics, requestTimeout time.Duration) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", h.Health.LiveHandler())
	mux.HandleFunc("GET /health/ready", h.Health.ReadyHandler())

	mux.HandleFunc("POST /api/v1/modules/{moduleID}/uploads", h.Intake.Initiate)
	mux.HandleFunc("GET /api/v1/modules/{moduleID}/files", h.Files.ListByModule)

	mux.HandleFunc("POST /api/v1/files/{fileID}/finalize", h.Finalize.Finalize)
	mux.HandleFunc("POST /api/v1/files/{fileID}/resubmit", h.Finalize.Resubmit)
	mux.HandleFunc("POST /api/v1/files/{fileID}/processing-webhook", h.Webhook.Complete)
	mux.HandleFunc("GET /api/v1/files/{fileID}", h.Files.Get)
	mux.HandleFunc("GET /api/v1/files/{fileID}/download", h.Files.Download)
	mux.HandleFunc("DELETE /api/v1/files/{fileID}", h.Files.Delete)

	var chain http.Handler = mux
	if requestTimeout > 0 {
		chain = middleware.Timeout(requestTimeout)(chain)
	}
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)
	return chain
}
