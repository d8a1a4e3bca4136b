// Package ingest defines the job message carried by the ingestion queue and
// the identifiers shared between the finalizer, the worker, and the webhook
// handler.
package ingest

import (
	"fmt"
	"strings"
	"time"
)

// Job is the queue message produced when an upload is finalized. One message
// corresponds to one file. Delivery is at-least-once, so consumers must treat
// the fileId as an idempotency key.
type Job struct {
	FileID      string    `json:"fileId"`
	StorageKey  string    `json:"storageKey"`
	FileName    string    `json:"fileName"`
	ModuleID    string    `json:"containerId"`
	CallbackURL string    `json:"callbackUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Validate checks that every field a consumer relies on is present before
// any of them is trusted.
func (j *Job) Validate() error {
	var missing []string
	if j.FileID == "" {
		missing = append(missing, "fileId")
	}
	if j.StorageKey == "" {
		missing = append(missing, "storageKey")
	}
	if j.FileName == "" {
		missing = append(missing, "fileName")
	}
	if j.ModuleID == "" {
		missing = append(missing, "containerId")
	}
	if j.CallbackURL == "" {
		missing = append(missing, "callbackUrl")
	}
	if len(missing) > 0 {
		return fmt.Errorf("job message missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// CallbackURL builds the webhook address unique to one file, rooted at the
// API service's public base URL.
func CallbackURL(baseURL, fileID string) string {
	return fmt.Sprintf("%s/api/v1/files/%s/processing-webhook", strings.TrimRight(baseURL, "/"), fileID)
}

// HandoffKey is the idempotency key gating the worker's handoff to the
// processing service for one file. The finalizer releases it on re-submission
// so a deliberate re-run is not treated as a duplicate delivery.
func HandoffKey(fileID string) string {
	return "ingest:handoff:" + fileID
}
