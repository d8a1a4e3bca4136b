// Package filerecord defines the persisted metadata entry for one uploaded
// file, including its processing sub-state, and the repository that stores it.
package filerecord

import (
	"path/filepath"
	"strings"
	"time"
)

// ProcessingStatus tracks where a file is in the ingestion pipeline.
type ProcessingStatus string

const (
	ProcessingPending  ProcessingStatus = "PENDING"
	ProcessingActive   ProcessingStatus = "PROCESSING"
	ProcessingComplete ProcessingStatus = "COMPLETE"
	ProcessingFailed   ProcessingStatus = "FAILED"
)

// RecordStatus is the record lifecycle flag, independent of processing state.
// Deletion is soft only.
type RecordStatus string

const (
	RecordActive   RecordStatus = "ACTIVE"
	RecordArchived RecordStatus = "ARCHIVED"
	RecordDeleted  RecordStatus = "DELETED"
)

// Kind is a coarse classification of the uploaded file's content type, used
// to size worker execution budgets.
type Kind string

const (
	KindDocument Kind = "document"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindCode     Kind = "code"
	KindImage    Kind = "image"
	KindOther    Kind = "other"
)

// FileRecord is one per uploaded artifact. Placeholder records carry an
// ExpiresAt so an abandoned upload self-deletes from the store; finalization
// clears it. ProcessingDocumentID is set iff ProcessingStatus is COMPLETE;
// ProcessingError is set only while FAILED.
type FileRecord struct {
	FileID        string `bson:"_id" json:"fileId"`
	OwnerID       string `bson:"ownerId" json:"ownerId"`
	ModuleID      string `bson:"moduleId" json:"moduleId"`
	StorageKey    string `bson:"storageKey" json:"storageKey"`
	StorageBucket string `bson:"storageBucket" json:"storageBucket"`

	FileName string `bson:"fileName" json:"fileName"`
	MimeType string `bson:"mimeType" json:"mimeType"`
	ByteSize int64  `bson:"byteSize" json:"byteSize"`
	Kind     Kind   `bson:"fileKind" json:"fileKind"`

	RecordStatus RecordStatus `bson:"recordStatus" json:"recordStatus"`

	ProcessingStatus      ProcessingStatus `bson:"processingStatus,omitempty" json:"processingStatus,omitempty"`
	ProcessingDocumentID  string           `bson:"processingDocumentId,omitempty" json:"processingDocumentId,omitempty"`
	ProcessingChunkCount  int              `bson:"processingChunkCount,omitempty" json:"processingChunkCount,omitempty"`
	ProcessingTextLength  int              `bson:"processingTextLength,omitempty" json:"processingTextLength,omitempty"`
	ProcessingCompletedAt *time.Time       `bson:"processingCompletedAt,omitempty" json:"processingCompletedAt,omitempty"`
	ProcessingError       string           `bson:"processingError,omitempty" json:"processingError,omitempty"`

	ExpiresAt *time.Time `bson:"expiresAt,omitempty" json:"-"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Usable reports whether the file may be used as context by downstream
// consumers (chat, quiz, summary).
func (r *FileRecord) Usable() bool {
	return r.RecordStatus == RecordActive && r.ProcessingStatus == ProcessingComplete
}

// ClassifyKind maps a declared mime type and filename to a Kind. The
// extension is the tiebreaker when the mime type is generic.
func ClassifyKind(mimeType, fileName string) Kind {
	switch {
	case strings.HasPrefix(mimeType, "audio/"):
		return KindAudio
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	switch ext {
	case "pdf", "doc", "docx", "ppt", "pptx", "txt", "md", "rtf", "odt":
		return KindDocument
	case "mp3", "wav", "m4a", "flac", "ogg":
		return KindAudio
	case "mp4", "mov", "avi", "mkv", "webm":
		return KindVideo
	case "py", "js", "ts", "go", "java", "c", "cpp", "ipynb", "rb", "rs":
		return KindCode
	case "png", "jpg", "jpeg", "gif", "bmp", "webp":
		return KindImage
	}

	if strings.HasPrefix(mimeType, "text/") || mimeType == "application/pdf" {
		return KindDocument
	}
	return KindOther
}
