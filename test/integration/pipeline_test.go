// Package integration verifies the ingestion pipeline end to end with real
// handler and worker wiring over in-memory dependencies. The queue is a
// captured slice of published events; delivery runs through the consumer's
// dispatch path so the retry and dead-letter behaviour is the production one.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tutorverse/ingest-platform/internal/api"
	"github.com/tutorverse/ingest-platform/internal/filerecord"
	"github.com/tutorverse/ingest-platform/internal/files"
	"github.com/tutorverse/ingest-platform/internal/finalize"
	"github.com/tutorverse/ingest-platform/internal/intake"
	"github.com/tutorverse/ingest-platform/internal/processing"
	"github.com/tutorverse/ingest-platform/internal/registry"
	"github.com/tutorverse/ingest-platform/internal/webhook"
	"github.com/tutorverse/ingest-platform/internal/worker"
	"github.com/tutorverse/ingest-platform/pkg/config"
	"github.com/tutorverse/ingest-platform/pkg/health"
	"github.com/tutorverse/ingest-platform/pkg/kafka"
	"github.com/tutorverse/ingest-platform/pkg/metrics"
	"github.com/tutorverse/ingest-platform/pkg/objectstore"
)

var testMetrics = metrics.New()

// ---------------------------------------------------------------------------
// In-memory infrastructure
// ---------------------------------------------------------------------------

// memQueue captures published events in order.
type memQueue struct {
	messages [][]byte
	keys     []string
}

func (q *memQueue) Publish(_ context.Context, event kafka.Event) error {
	value, err := json.Marshal(event.Value)
	if err != nil {
		return err
	}
	q.keys = append(q.keys, event.Key)
	q.messages = append(q.messages, value)
	return nil
}

// memGate is an in-memory handoff gate shared by worker and finalizer.
type memGate struct {
	held map[string]bool
}

func newMemGate() *memGate { return &memGate{held: map[string]bool{}} }

func (g *memGate) AcquireOnce(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	if g.held[key] {
		return false, nil
	}
	g.held[key] = true
	return true, nil
}

func (g *memGate) Release(_ context.Context, key string) error {
	delete(g.held, key)
	return nil
}

// memStore is an in-memory object store. Uploads are simulated by writing
// into objects directly, standing in for the client's PUT to the signed URL.
type memStore struct {
	objects map[string]string
}

func newMemStore() *memStore { return &memStore{objects: map[string]string{}} }

func (s *memStore) PresignedPut(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://store.local/upload/" + key, nil
}

func (s *memStore) PresignedGet(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://store.local/download/" + key, nil
}

func (s *memStore) Stat(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	body, ok := s.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, errors.New("object not found")
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(body))}, nil
}

func (s *memStore) Get(_ context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	body, ok := s.objects[key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, errors.New("object not found")
	}
	info := objectstore.ObjectInfo{Key: key, Size: int64(len(body)), ContentType: "application/pdf"}
	return io.NopCloser(strings.NewReader(body)), info, nil
}

func (s *memStore) Remove(_ context.Context, key string) error {
	delete(s.objects, key)
	return nil
}

func (s *memStore) Bucket() string { return "test-bucket" }

// memProcessing accepts submissions, optionally failing selected files.
type memProcessing struct {
	submitted []string
	failFile  string
}

func (p *memProcessing) Submit(_ context.Context, sub processing.Submission) error {
	if _, err := io.Copy(io.Discard, sub.Body); err != nil {
		return err
	}
	if p.failFile != "" && sub.FileID == p.failFile {
		return errors.New("processing unreachable")
	}
	p.submitted = append(p.submitted, sub.FileID)
	return nil
}

// deadLetterSink captures diverted messages.
type deadLetterSink struct {
	keys [][]byte
}

func (s *deadLetterSink) PublishRaw(_ context.Context, key, _ []byte, _ map[string]string) error {
	s.keys = append(s.keys, key)
	return nil
}

// ---------------------------------------------------------------------------
// Pipeline wiring
// ---------------------------------------------------------------------------

type pipeline struct {
	repo     *filerecord.MemoryRepository
	store    *memStore
	queue    *memQueue
	gate     *memGate
	proc     *memProcessing
	dlq      *deadLetterSink
	worker   *worker.Handler
	consumer *kafka.Consumer
	server   *httptest.Server
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		repo:  filerecord.NewMemoryRepository(),
		store: newMemStore(),
		queue: &memQueue{},
		gate:  newMemGate(),
		proc:  &memProcessing{},
		dlq:   &deadLetterSink{},
	}
	reg := registry.NewMemoryRegistry(registry.Module{
		ID:         "module-1",
		Title:      "Distributed Systems",
		LecturerID: "lecturer-1",
	})
	uploadCfg := config.UploadConfig{
		SignedURLTTL:   15 * time.Minute,
		PlaceholderTTL: 15 * time.Minute,
		MaxFileBytes:   1 << 20,
	}
	workerCfg := config.WorkerConfig{
		MaxAttempts:     3,
		RetryDelay:      time.Millisecond,
		DocumentTimeout: 5 * time.Second,
		MediaTimeout:    10 * time.Second,
	}

	intakeSvc := intake.NewService(p.repo, reg, p.store, uploadCfg, testMetrics)
	finalizeSvc := finalize.NewService(p.repo, reg, p.store, p.queue, p.gate, "http://localhost:8080", testMetrics)
	p.worker = worker.New(p.store, p.proc, p.gate, workerCfg, 30*time.Minute, testMetrics)
	p.consumer = kafka.NewConsumer(config.KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		ConsumerGroup: "test-workers",
	}, "file-ingest", p.worker.HandleMessage, p.dlq, workerCfg.MaxAttempts, workerCfg.RetryDelay)
	t.Cleanup(func() { p.consumer.Close() })

	handler := api.New(api.Handlers{
		Intake:   intake.NewHandler(intakeSvc),
		Finalize: finalize.NewHandler(finalizeSvc),
		Webhook:  webhook.NewHandler(p.repo, testMetrics),
		Files:    files.NewHandler(p.repo, p.store, 15*time.Minute),
		Health:   health.NewChecker(),
	}, testMetrics, 30*time.Second)
	p.server = httptest.NewServer(handler)
	t.Cleanup(p.server.Close)
	return p
}

// drain delivers every queued message to the worker through the consumer's
// dispatch path, dead-lettering exhausted ones the way the consume loop does.
func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	for i, msg := range p.queue.messages {
		if err := p.consumer.Dispatch(context.Background(), []byte(p.queue.keys[i]), msg); err != nil {
			p.dlq.PublishRaw(context.Background(), []byte(p.queue.keys[i]), msg, nil)
		}
	}
	p.queue.messages = nil
	p.queue.keys = nil
}

func (p *pipeline) postJSON(t *testing.T, path, userID string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshaling body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, p.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s: %v", path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response from %s: %v", path, err)
	}
	return resp, decoded
}

// upload walks one file through intake, the simulated PUT, and finalize,
// returning its fileId.
func (p *pipeline) upload(t *testing.T, fileName string) string {
	t.Helper()
	resp, body := p.postJSON(t, "/api/v1/modules/module-1/uploads", "lecturer-1", map[string]any{
		"fileName": fileName,
		"mimeType": "application/pdf",
		"byteSize": 4096,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("intake status = %d: %v", resp.StatusCode, body)
	}
	fileID := body["fileId"].(string)
	storageKey := body["storageKey"].(string)

	// The client PUTs the bytes to the signed URL.
	p.store.objects[storageKey] = "content of " + fileName

	resp, body = p.postJSON(t, "/api/v1/files/"+fileID+"/finalize", "lecturer-1", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize status = %d: %v", resp.StatusCode, body)
	}
	if body["queued"] != true {
		t.Fatalf("finalize did not enqueue: %v", body)
	}
	return fileID
}

func (p *pipeline) record(t *testing.T, fileID string) *filerecord.FileRecord {
	t.Helper()
	rec, err := p.repo.Get(context.Background(), fileID)
	if err != nil {
		t.Fatalf("Get %s: %v", fileID, err)
	}
	return rec
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestPipelineHappyPath(t *testing.T) {
	p := newPipeline(t)
	fileID := p.upload(t, "lecture.pdf")

	if rec := p.record(t, fileID); rec.ProcessingStatus != filerecord.ProcessingPending {
		t.Fatalf("status after finalize = %q, want PENDING", rec.ProcessingStatus)
	}

	p.drain(t)
	if len(p.proc.submitted) != 1 || p.proc.submitted[0] != fileID {
		t.Fatalf("processing received %v, want [%s]", p.proc.submitted, fileID)
	}
	// The worker hands off without writing status; PENDING holds until the
	// webhook arrives.
	if rec := p.record(t, fileID); rec.ProcessingStatus != filerecord.ProcessingPending {
		t.Fatalf("status after handoff = %q, want PENDING", rec.ProcessingStatus)
	}

	resp, body := p.postJSON(t, "/api/v1/files/"+fileID+"/processing-webhook", "", map[string]any{
		"status":     "COMPLETE",
		"documentId": "doc-1",
		"chunks":     8,
		"textLength": 3200,
	})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("webhook response = %d %v", resp.StatusCode, body)
	}

	rec := p.record(t, fileID)
	if rec.ProcessingStatus != filerecord.ProcessingComplete || rec.ProcessingDocumentID != "doc-1" {
		t.Fatalf("final record = %+v", rec)
	}
	if !rec.Usable() {
		t.Error("completed record should be usable")
	}
}

func TestPipelineDuplicateDeliveryDoesNotReprocess(t *testing.T) {
	p := newPipeline(t)
	fileID := p.upload(t, "lecture.pdf")

	// Deliver the same queued message twice.
	msg := p.queue.messages[0]
	key := []byte(p.queue.keys[0])
	for i := 0; i < 2; i++ {
		if err := p.consumer.Dispatch(context.Background(), key, msg); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	if len(p.proc.submitted) != 1 {
		t.Errorf("processing received %d submissions for %s, want 1", len(p.proc.submitted), fileID)
	}
}

func TestPipelinePoisonedJobIsDeadLettered(t *testing.T) {
	p := newPipeline(t)

	var fileIDs []string
	for i := 0; i < 10; i++ {
		fileIDs = append(fileIDs, p.upload(t, fmt.Sprintf("doc-%d.pdf", i)))
	}
	poisoned := fileIDs[4]
	p.proc.failFile = poisoned

	p.drain(t)

	if len(p.proc.submitted) != 9 {
		t.Errorf("processing received %d submissions, want 9 healthy ones", len(p.proc.submitted))
	}
	if len(p.dlq.keys) != 1 || string(p.dlq.keys[0]) != poisoned {
		t.Fatalf("dead letters = %q, want only the poisoned job", p.dlq.keys)
	}

	// The poisoned file stays PENDING: the worker never writes status, and
	// the record remains eligible for re-submission.
	if rec := p.record(t, poisoned); rec.ProcessingStatus != filerecord.ProcessingPending {
		t.Errorf("poisoned record status = %q, want PENDING", rec.ProcessingStatus)
	}

	// Operator remediation: the downstream recovers and the job is re-run.
	p.proc.failFile = ""
	resp, body := p.postJSON(t, "/api/v1/files/"+poisoned+"/resubmit", "lecturer-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resubmit status = %d: %v", resp.StatusCode, body)
	}
	p.drain(t)
	if len(p.proc.submitted) != 10 {
		t.Errorf("processing received %d submissions after resubmit, want 10", len(p.proc.submitted))
	}
}

func TestPipelineStatusSurface(t *testing.T) {
	p := newPipeline(t)
	fileID := p.upload(t, "lecture.pdf")
	p.drain(t)
	p.postJSON(t, "/api/v1/files/"+fileID+"/processing-webhook", "", map[string]any{
		"status": "COMPLETE", "documentId": "doc-1", "chunks": 3, "textLength": 900,
	})

	resp, err := http.Get(p.server.URL + "/api/v1/modules/module-1/files?usable=true")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	defer resp.Body.Close()
	var listing struct {
		Files []filerecord.FileRecord `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decoding listing: %v", err)
	}
	if len(listing.Files) != 1 || listing.Files[0].FileID != fileID {
		t.Fatalf("usable listing = %+v", listing.Files)
	}

	// Soft delete removes it from every consumer surface.
	req, _ := http.NewRequest(http.MethodDelete, p.server.URL+"/api/v1/files/"+fileID, nil)
	req.Header.Set("X-User-ID", "lecturer-1")
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	getResp, err := http.Get(p.server.URL + "/api/v1/files/" + fileID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted file status = %d, want 404", getResp.StatusCode)
	}
}
