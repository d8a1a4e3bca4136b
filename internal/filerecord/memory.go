package filerecord

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
)

// MemoryRepository is an in-memory Repository used by tests and local
// development without a MongoDB instance. It applies the same field-set
// semantics as the Mongo implementation, including TTL removal on finalize.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*FileRecord
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*FileRecord)}
}

func (m *MemoryRepository) CreatePlaceholder(_ context.Context, rec *FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	clone := *rec
	m.records[rec.FileID] = &clone
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, fileID string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[fileID]
	if !ok {
		return nil, apperrors.ErrFileNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryRepository) Finalize(_ context.Context, fileID, storageKey string, byteSize int64) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fileID]
	if !ok {
		return nil, apperrors.ErrFileNotFound
	}
	rec.StorageKey = storageKey
	rec.ByteSize = byteSize
	rec.ProcessingStatus = ProcessingPending
	rec.ExpiresAt = nil
	rec.UpdatedAt = time.Now().UTC()
	clone := *rec
	return &clone, nil
}

func (m *MemoryRepository) MarkComplete(_ context.Context, fileID, documentID string, chunkCount, textLength int) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fileID]
	if !ok {
		return nil, apperrors.ErrFileNotFound
	}
	now := time.Now().UTC()
	rec.ProcessingStatus = ProcessingComplete
	rec.ProcessingDocumentID = documentID
	rec.ProcessingChunkCount = chunkCount
	rec.ProcessingTextLength = textLength
	rec.ProcessingCompletedAt = &now
	rec.ProcessingError = ""
	rec.UpdatedAt = now
	clone := *rec
	return &clone, nil
}

func (m *MemoryRepository) MarkFailed(_ context.Context, fileID, message string) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fileID]
	if !ok {
		return nil, apperrors.ErrFileNotFound
	}
	rec.ProcessingStatus = ProcessingFailed
	rec.ProcessingError = message
	rec.UpdatedAt = time.Now().UTC()
	clone := *rec
	return &clone, nil
}

func (m *MemoryRepository) SoftDelete(_ context.Context, fileID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fileID]
	if !ok || rec.OwnerID != ownerID {
		return apperrors.ErrFileNotFound
	}
	rec.RecordStatus = RecordDeleted
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) ListByModule(_ context.Context, moduleID string, usableOnly bool) ([]FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []FileRecord
	for _, rec := range m.records {
		if rec.ModuleID != moduleID || rec.RecordStatus == RecordDeleted {
			continue
		}
		if usableOnly && !rec.Usable() {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (m *MemoryRepository) ListByOwner(_ context.Context, ownerID string) ([]FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []FileRecord
	for _, rec := range m.records {
		if rec.OwnerID != ownerID || rec.RecordStatus == RecordDeleted {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}
