// Package processing is the client for the external content-processing
// service. The service extracts text, chunks it, and builds embeddings out of
// band; its only obligations to this pipeline are to accept a submission with
// a callback address and to POST the outcome to that address later. The
// submission itself is fire-and-continue.
package processing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/tutorverse/ingest-platform/pkg/config"
	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
	"github.com/tutorverse/ingest-platform/pkg/resilience"
)

// Submission is one file handed to the processing service. FileID doubles as
// the client-supplied document key the service deduplicates on, so duplicate
// queue deliveries cannot trigger duplicate processing runs.
type Submission struct {
	FileID      string
	FileName    string
	ContentType string
	CallbackURL string
	Body        io.Reader
	Size        int64
}

// Client submits files for asynchronous processing.
type Client interface {
	Submit(ctx context.Context, sub Submission) error
}

type httpClient struct {
	baseURL string
	enabled bool
	httpc   *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// NewHTTPClient creates the production processing client. Calls run through a
// circuit breaker so a dead downstream fails fast instead of holding worker
// slots for the full timeout.
func NewHTTPClient(cfg config.ProcessingConfig) Client {
	return &httpClient{
		baseURL: cfg.BaseURL,
		enabled: cfg.Enabled,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		breaker: resilience.NewCircuitBreaker("processing-service", resilience.CircuitBreakerConfig{}),
		logger:  slog.Default().With("component", "processing-client"),
	}
}

// Submit streams the file to the processing service as multipart form data.
// A non-2xx response is reported as an error so the queue's redelivery policy
// applies; the service's eventual verdict arrives via webhook, not here.
func (c *httpClient) Submit(ctx context.Context, sub Submission) error {
	if !c.enabled {
		return fmt.Errorf("%w: processing disabled by configuration", apperrors.ErrProcessingUnavailable)
	}

	return c.breaker.Execute(func() error {
		return c.post(ctx, sub)
	})
}

func (c *httpClient) post(ctx context.Context, sub Submission) error {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		part, err := form.CreateFormFile("file", sub.FileName)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, sub.Body); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	endpoint := fmt.Sprintf("%s/educator/upload?%s", c.baseURL, url.Values{
		"callback_url": {sub.CallbackURL},
		"document_key": {sub.FileID},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return fmt.Errorf("building submission request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrProcessingUnavailable, err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused; the verdict comes via webhook.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: submission rejected with status %d", apperrors.ErrProcessingUnavailable, resp.StatusCode)
	}
	c.logger.Debug("file submitted for processing",
		"file_id", sub.FileID,
		"file_name", sub.FileName,
	)
	return nil
}
