package finalize

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/tutorverse/ingest-platform/internal/filerecord"
	"github.com/tutorverse/ingest-platform/internal/ingest"
	"github.com/tutorverse/ingest-platform/internal/registry"
	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
	"github.com/tutorverse/ingest-platform/pkg/kafka"
	"github.com/tutorverse/ingest-platform/pkg/metrics"
	"github.com/tutorverse/ingest-platform/pkg/objectstore"
)

var testMetrics = metrics.New()

// fakeQueue records published events and optionally fails every publish.
type fakeQueue struct {
	events []kafka.Event
	err    error
}

func (q *fakeQueue) Publish(_ context.Context, event kafka.Event) error {
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, event)
	return nil
}

// fakeGate records released handoff keys.
type fakeGate struct {
	released []string
}

func (g *fakeGate) Release(_ context.Context, key string) error {
	g.released = append(g.released, key)
	return nil
}

// fakeStore serves Stat from a set of known object keys.
type fakeStore struct {
	objects map[string]int64
}

func (f *fakeStore) Stat(_ context.Context, key string) (objectstore.ObjectInfo, error) {
	size, ok := f.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, errors.New("object not found")
	}
	return objectstore.ObjectInfo{Key: key, Size: size}, nil
}

func (f *fakeStore) PresignedPut(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://store.local/upload/" + key, nil
}

func (f *fakeStore) PresignedGet(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://store.local/download/" + key, nil
}

func (f *fakeStore) Get(_ context.Context, _ string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	return nil, objectstore.ObjectInfo{}, errors.New("not implemented")
}

func (f *fakeStore) Remove(_ context.Context, _ string) error { return nil }

func (f *fakeStore) Bucket() string { return "test-bucket" }

type fixture struct {
	repo  *filerecord.MemoryRepository
	queue *fakeQueue
	gate  *fakeGate
	store *fakeStore
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:  filerecord.NewMemoryRepository(),
		queue: &fakeQueue{},
		gate:  &fakeGate{},
		store: &fakeStore{objects: map[string]int64{}},
	}
	reg := registry.NewMemoryRegistry(registry.Module{
		ID:         "module-1",
		Title:      "Distributed Systems",
		LecturerID: "lecturer-1",
	})
	f.svc = NewService(f.repo, reg, f.store, f.queue, f.gate, "http://localhost:8080", testMetrics)
	return f
}

// seed creates a placeholder record with an uploaded object behind it.
func (f *fixture) seed(t *testing.T, fileID string, uploaded bool) *filerecord.FileRecord {
	t.Helper()
	expires := time.Now().UTC().Add(15 * time.Minute)
	rec := &filerecord.FileRecord{
		FileID:       fileID,
		OwnerID:      "lecturer-1",
		ModuleID:     "module-1",
		StorageKey:   "modules/module-1/" + fileID + ".pdf",
		FileName:     "notes.pdf",
		RecordStatus: filerecord.RecordActive,
		ExpiresAt:    &expires,
	}
	if err := f.repo.CreatePlaceholder(context.Background(), rec); err != nil {
		t.Fatalf("CreatePlaceholder: %v", err)
	}
	if uploaded {
		f.store.objects[rec.StorageKey] = 4096
	}
	return rec
}

func TestFinalizeEnqueuesExactlyOneJob(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "f1", true)

	result, err := f.svc.Finalize(context.Background(), "lecturer-1", rec.FileID, "")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !result.Queued {
		t.Error("result should report queued")
	}
	if result.Status != filerecord.ProcessingPending {
		t.Errorf("status = %q, want PENDING", result.Status)
	}
	if len(f.queue.events) != 1 {
		t.Fatalf("published %d events, want exactly 1", len(f.queue.events))
	}
	job, ok := f.queue.events[0].Value.(ingest.Job)
	if !ok {
		t.Fatalf("event value has type %T, want ingest.Job", f.queue.events[0].Value)
	}
	if job.FileID != rec.FileID {
		t.Errorf("job fileId = %q", job.FileID)
	}
	if job.CallbackURL != "http://localhost:8080/api/v1/files/f1/processing-webhook" {
		t.Errorf("job callback = %q", job.CallbackURL)
	}

	stored, err := f.repo.Get(context.Background(), rec.FileID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.ExpiresAt != nil {
		t.Error("finalize must clear the provisional expiry")
	}
	if stored.ByteSize != 4096 {
		t.Errorf("byte size = %d, want confirmed 4096", stored.ByteSize)
	}
}

func TestFinalizeRejectsUnconfirmedUpload(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "f1", false)

	_, err := f.svc.Finalize(context.Background(), "lecturer-1", rec.FileID, "")
	if !errors.Is(err, apperrors.ErrUploadNotConfirmed) {
		t.Fatalf("error = %v, want ErrUploadNotConfirmed", err)
	}
	if len(f.queue.events) != 0 {
		t.Error("nothing may be enqueued for an unconfirmed upload")
	}
	stored, _ := f.repo.Get(context.Background(), rec.FileID)
	if stored.ProcessingStatus != "" {
		t.Errorf("record mutated despite rejected finalize: %q", stored.ProcessingStatus)
	}
	if stored.ExpiresAt == nil {
		t.Error("provisional expiry must survive a rejected finalize")
	}
}

func TestFinalizeOwnershipAndAuthorization(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "f1", true)

	if _, err := f.svc.Finalize(context.Background(), "someone-else", rec.FileID, ""); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("non-owner error = %v, want ErrForbidden", err)
	}

	// Entitlement revoked between intake and finalize: the module's lecturer
	// changed, so even the original owner is refused.
	f2 := newFixture(t)
	rec2 := f2.seed(t, "f2", true)
	f2.svc.registry.(*registry.MemoryRegistry).Modules["module-1"] = registry.Module{
		ID: "module-1", LecturerID: "replacement-lecturer",
	}
	if _, err := f2.svc.Finalize(context.Background(), "lecturer-1", rec2.FileID, ""); !errors.Is(err, apperrors.ErrForbidden) {
		t.Errorf("revoked entitlement error = %v, want ErrForbidden", err)
	}
	if len(f2.queue.events) != 0 {
		t.Error("nothing may be enqueued after an authorization failure")
	}
}

func TestFinalizeDeletedRecord(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "f1", true)
	if err := f.repo.SoftDelete(context.Background(), rec.FileID, rec.OwnerID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, err := f.svc.Finalize(context.Background(), "lecturer-1", rec.FileID, ""); !errors.Is(err, apperrors.ErrFileNotFound) {
		t.Errorf("deleted record error = %v, want ErrFileNotFound", err)
	}
}

func TestFinalizeEnqueueFailureLeavesPending(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "f1", true)
	f.queue.err = errors.New("broker down")

	result, err := f.svc.Finalize(context.Background(), "lecturer-1", rec.FileID, "")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if result.Queued {
		t.Error("result must report the enqueue failure")
	}
	stored, _ := f.repo.Get(context.Background(), rec.FileID)
	if stored.ProcessingStatus != filerecord.ProcessingPending {
		t.Errorf("status = %q, want PENDING awaiting re-submission", stored.ProcessingStatus)
	}
}

func TestResubmitReleasesGateAndEnqueues(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "f1", true)
	if _, err := f.repo.Finalize(context.Background(), rec.FileID, rec.StorageKey, 4096); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	result, err := f.svc.Resubmit(context.Background(), "lecturer-1", rec.FileID)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if !result.Queued {
		t.Error("resubmit should report queued")
	}
	if len(f.queue.events) != 1 {
		t.Fatalf("published %d events, want 1", len(f.queue.events))
	}
	if len(f.gate.released) != 1 || f.gate.released[0] != ingest.HandoffKey(rec.FileID) {
		t.Errorf("released gates = %v, want the file's handoff key", f.gate.released)
	}
}

func TestResubmitEligibility(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "f1", true)
	ctx := context.Background()
	if _, err := f.repo.MarkComplete(ctx, rec.FileID, "doc-1", 1, 10); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}

	_, err := f.svc.Resubmit(ctx, "lecturer-1", rec.FileID)
	if err == nil {
		t.Fatal("completed record must not be resubmittable")
	}
	if apperrors.HTTPStatusCode(err) != 409 {
		t.Errorf("status = %d, want 409", apperrors.HTTPStatusCode(err))
	}

	// FAILED records are eligible.
	if _, err := f.repo.MarkFailed(ctx, rec.FileID, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if _, err := f.svc.Resubmit(ctx, "lecturer-1", rec.FileID); err != nil {
		t.Errorf("failed record resubmit: %v", err)
	}
}

func TestResubmitQueueFailure(t *testing.T) {
	f := newFixture(t)
	rec := f.seed(t, "f1", true)
	if _, err := f.repo.Finalize(context.Background(), rec.FileID, rec.StorageKey, 4096); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	f.queue.err = errors.New("broker down")

	_, err := f.svc.Resubmit(context.Background(), "lecturer-1", rec.FileID)
	if !errors.Is(err, apperrors.ErrQueueUnavailable) {
		t.Fatalf("error = %v, want ErrQueueUnavailable", err)
	}
}
