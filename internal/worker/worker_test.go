package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/tutorverse/ingest-platform/internal/ingest"
	"github.com/tutorverse/ingest-platform/internal/processing"
	"github.com/tutorverse/ingest-platform/pkg/config"
	"github.com/tutorverse/ingest-platform/pkg/metrics"
	"github.com/tutorverse/ingest-platform/pkg/objectstore"
)

var testMetrics = metrics.New()

// fakeGate is an in-memory handoff gate.
type fakeGate struct {
	held     map[string]bool
	acquires int
	released []string
	err      error
}

func newFakeGate() *fakeGate { return &fakeGate{held: map[string]bool{}} }

func (g *fakeGate) AcquireOnce(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	g.acquires++
	if g.held[key] {
		return false, nil
	}
	g.held[key] = true
	return true, nil
}

func (g *fakeGate) Release(_ context.Context, key string) error {
	delete(g.held, key)
	g.released = append(g.released, key)
	return nil
}

// fakeStore serves object bytes from memory.
type fakeStore struct {
	objects map[string]string
}

func (f *fakeStore) Get(_ context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, errors.New("object not found")
	}
	info := objectstore.ObjectInfo{Key: key, Size: int64(len(body)), ContentType: "application/pdf"}
	return io.NopCloser(strings.NewReader(body)), info, nil
}

func (f *fakeStore) Stat(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	body, ok := f.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, errors.New("object not found")
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(body))}, nil
}

func (f *fakeStore) PresignedPut(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://store.local/upload/" + key, nil
}

func (f *fakeStore) PresignedGet(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://store.local/download/" + key, nil
}

func (f *fakeStore) Remove(_ context.Context, _ string) error { return nil }

func (f *fakeStore) Bucket() string { return "test-bucket" }

// fakeProcessing records submissions, draining each body.
type fakeProcessing struct {
	submissions []processing.Submission
	bodies      []string
	err         error
}

func (p *fakeProcessing) Submit(_ context.Context, sub processing.Submission) error {
	if p.err != nil {
		return p.err
	}
	body, err := io.ReadAll(sub.Body)
	if err != nil {
		return err
	}
	p.submissions = append(p.submissions, sub)
	p.bodies = append(p.bodies, string(body))
	return nil
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		MaxAttempts:     3,
		RetryDelay:      time.Millisecond,
		DocumentTimeout: 5 * time.Second,
		MediaTimeout:    10 * time.Second,
	}
}

func encode(t *testing.T, job ingest.Job) []byte {
	t.Helper()
	b, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshaling job: %v", err)
	}
	return b
}

func testJob(fileID string) ingest.Job {
	return ingest.Job{
		FileID:      fileID,
		StorageKey:  "modules/m1/" + fileID + ".pdf",
		FileName:    "notes.pdf",
		ModuleID:    "m1",
		CallbackURL: "http://localhost:8080/api/v1/files/" + fileID + "/processing-webhook",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestHandleMessageHandsOff(t *testing.T) {
	gate := newFakeGate()
	store := &fakeStore{objects: map[string]string{"modules/m1/f1.pdf": "pdf bytes"}}
	proc := &fakeProcessing{}
	h := New(store, proc, gate, testWorkerConfig(), 30*time.Minute, testMetrics)

	job := testJob("f1")
	if err := h.HandleMessage(context.Background(), []byte(job.FileID), encode(t, job)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(proc.submissions) != 1 {
		t.Fatalf("processing received %d submissions, want 1", len(proc.submissions))
	}
	sub := proc.submissions[0]
	if sub.FileID != "f1" || sub.CallbackURL != job.CallbackURL {
		t.Errorf("submission = %+v", sub)
	}
	if proc.bodies[0] != "pdf bytes" {
		t.Errorf("submitted body = %q", proc.bodies[0])
	}
	if len(gate.released) != 0 {
		t.Error("gate must stay held after a successful handoff")
	}
}

func TestHandleMessageDuplicateIsNoOp(t *testing.T) {
	gate := newFakeGate()
	store := &fakeStore{objects: map[string]string{"modules/m1/f1.pdf": "pdf bytes"}}
	proc := &fakeProcessing{}
	h := New(store, proc, gate, testWorkerConfig(), 30*time.Minute, testMetrics)

	job := testJob("f1")
	value := encode(t, job)
	if err := h.HandleMessage(context.Background(), []byte(job.FileID), value); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := h.HandleMessage(context.Background(), []byte(job.FileID), value); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if len(proc.submissions) != 1 {
		t.Errorf("processing received %d submissions, want exactly 1", len(proc.submissions))
	}
}

func TestHandleMessageRetrievalFailureReleasesGate(t *testing.T) {
	gate := newFakeGate()
	store := &fakeStore{objects: map[string]string{}} // object missing
	proc := &fakeProcessing{}
	h := New(store, proc, gate, testWorkerConfig(), 30*time.Minute, testMetrics)

	job := testJob("f1")
	err := h.HandleMessage(context.Background(), []byte(job.FileID), encode(t, job))
	if err == nil {
		t.Fatal("expected error when the object cannot be retrieved")
	}
	if len(gate.released) != 1 {
		t.Errorf("gate released %d times, want 1 so the retry can run", len(gate.released))
	}
	if len(proc.submissions) != 0 {
		t.Error("nothing may reach processing when retrieval fails")
	}

	// The retry is not mistaken for a duplicate.
	store.objects["modules/m1/f1.pdf"] = "pdf bytes"
	if err := h.HandleMessage(context.Background(), []byte(job.FileID), encode(t, job)); err != nil {
		t.Fatalf("retry after release: %v", err)
	}
	if len(proc.submissions) != 1 {
		t.Errorf("processing received %d submissions, want 1", len(proc.submissions))
	}
}

func TestHandleMessageSubmitFailureReleasesGate(t *testing.T) {
	gate := newFakeGate()
	store := &fakeStore{objects: map[string]string{"modules/m1/f1.pdf": "pdf bytes"}}
	proc := &fakeProcessing{err: errors.New("processing unreachable")}
	h := New(store, proc, gate, testWorkerConfig(), 30*time.Minute, testMetrics)

	job := testJob("f1")
	if err := h.HandleMessage(context.Background(), []byte(job.FileID), encode(t, job)); err == nil {
		t.Fatal("expected error when the submission fails")
	}
	if len(gate.released) != 1 {
		t.Errorf("gate released %d times, want 1", len(gate.released))
	}
}

func TestHandleMessageMalformedPayloadIsAcked(t *testing.T) {
	gate := newFakeGate()
	h := New(&fakeStore{objects: map[string]string{}}, &fakeProcessing{}, gate, testWorkerConfig(), 30*time.Minute, testMetrics)

	if err := h.HandleMessage(context.Background(), []byte("k"), []byte("{not json")); err != nil {
		t.Errorf("malformed payload must be acked, got %v", err)
	}
	incomplete := ingest.Job{FileID: "f1"} // missing every other field
	if err := h.HandleMessage(context.Background(), []byte("f1"), encode(t, incomplete)); err != nil {
		t.Errorf("invalid job must be acked, got %v", err)
	}
	if gate.acquires != 0 {
		t.Error("rejected payloads must not touch the gate")
	}
}

func TestBudgetByKind(t *testing.T) {
	cfg := testWorkerConfig()
	h := New(&fakeStore{}, &fakeProcessing{}, newFakeGate(), cfg, time.Minute, testMetrics)

	if got := h.budget("audio"); got != cfg.MediaTimeout {
		t.Errorf("audio budget = %v, want %v", got, cfg.MediaTimeout)
	}
	if got := h.budget("video"); got != cfg.MediaTimeout {
		t.Errorf("video budget = %v, want %v", got, cfg.MediaTimeout)
	}
	if got := h.budget("document"); got != cfg.DocumentTimeout {
		t.Errorf("document budget = %v, want %v", got, cfg.DocumentTimeout)
	}
}
