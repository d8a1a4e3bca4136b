package filerecord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
)

// Repository stores FileRecords. All mutations are single-record field-set
// updates; the state values are safe to reapply, so last-writer-wins is the
// consistency model.
type Repository interface {
	CreatePlaceholder(ctx context.Context, rec *FileRecord) error
	Get(ctx context.Context, fileID string) (*FileRecord, error)
	Finalize(ctx context.Context, fileID, storageKey string, byteSize int64) (*FileRecord, error)
	MarkComplete(ctx context.Context, fileID, documentID string, chunkCount, textLength int) (*FileRecord, error)
	MarkFailed(ctx context.Context, fileID, message string) (*FileRecord, error)
	SoftDelete(ctx context.Context, fileID, ownerID string) error
	ListByModule(ctx context.Context, moduleID string, usableOnly bool) ([]FileRecord, error)
	ListByOwner(ctx context.Context, ownerID string) ([]FileRecord, error)
}

type mongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository creates a Repository backed by the given collection.
func NewMongoRepository(coll *mongo.Collection) Repository {
	return &mongoRepository{coll: coll}
}

func (r *mongoRepository) CreatePlaceholder(ctx context.Context, rec *FileRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if _, err := r.coll.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("inserting placeholder record: %w", err)
	}
	return nil
}

func (r *mongoRepository) Get(ctx context.Context, fileID string) (*FileRecord, error) {
	var rec FileRecord
	err := r.coll.FindOne(ctx, bson.M{"_id": fileID}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperrors.ErrFileNotFound
		}
		return nil, fmt.Errorf("finding record %s: %w", fileID, err)
	}
	return &rec, nil
}

// Finalize transitions a placeholder into a durable record: the storage key
// and confirmed byte size are written, processing enters PENDING, and the
// provisional TTL is removed so the expiry sweep cannot collect it.
func (r *mongoRepository) Finalize(ctx context.Context, fileID, storageKey string, byteSize int64) (*FileRecord, error) {
	update := bson.M{
		"$set": bson.M{
			"storageKey":       storageKey,
			"byteSize":         byteSize,
			"processingStatus": ProcessingPending,
			"updatedAt":        time.Now().UTC(),
		},
		"$unset": bson.M{"expiresAt": ""},
	}
	return r.findOneAndUpdate(ctx, fileID, update)
}

// MarkComplete applies a successful completion webhook. Any previous failure
// message is cleared.
func (r *mongoRepository) MarkComplete(ctx context.Context, fileID, documentID string, chunkCount, textLength int) (*FileRecord, error) {
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"processingStatus":      ProcessingComplete,
			"processingDocumentId":  documentID,
			"processingChunkCount":  chunkCount,
			"processingTextLength":  textLength,
			"processingCompletedAt": now,
			"updatedAt":             now,
		},
		"$unset": bson.M{"processingError": ""},
	}
	return r.findOneAndUpdate(ctx, fileID, update)
}

// MarkFailed applies a failure webhook. The document id, if any, is left
// untouched; a later COMPLETE remains free to overwrite this state.
func (r *mongoRepository) MarkFailed(ctx context.Context, fileID, message string) (*FileRecord, error) {
	update := bson.M{
		"$set": bson.M{
			"processingStatus": ProcessingFailed,
			"processingError":  message,
			"updatedAt":        time.Now().UTC(),
		},
	}
	return r.findOneAndUpdate(ctx, fileID, update)
}

func (r *mongoRepository) SoftDelete(ctx context.Context, fileID, ownerID string) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": fileID, "ownerId": ownerID},
		bson.M{"$set": bson.M{
			"recordStatus": RecordDeleted,
			"updatedAt":    time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("soft-deleting record %s: %w", fileID, err)
	}
	if res.MatchedCount == 0 {
		return apperrors.ErrFileNotFound
	}
	return nil
}

func (r *mongoRepository) ListByModule(ctx context.Context, moduleID string, usableOnly bool) ([]FileRecord, error) {
	filter := bson.M{
		"moduleId":     moduleID,
		"recordStatus": bson.M{"$ne": RecordDeleted},
	}
	if usableOnly {
		filter["recordStatus"] = RecordActive
		filter["processingStatus"] = ProcessingComplete
	}
	return r.findMany(ctx, filter)
}

func (r *mongoRepository) ListByOwner(ctx context.Context, ownerID string) ([]FileRecord, error) {
	return r.findMany(ctx, bson.M{
		"ownerId":      ownerID,
		"recordStatus": bson.M{"$ne": RecordDeleted},
	})
}

func (r *mongoRepository) findOneAndUpdate(ctx context.Context, fileID string, update bson.M) (*FileRecord, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var rec FileRecord
	err := r.coll.FindOneAndUpdate(ctx, bson.M{"_id": fileID}, update, opts).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperrors.ErrFileNotFound
		}
		return nil, fmt.Errorf("updating record %s: %w", fileID, err)
	}
	return &rec, nil
}

func (r *mongoRepository) findMany(ctx context.Context, filter bson.M) ([]FileRecord, error) {
	cur, err := r.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer cur.Close(ctx)

	var records []FileRecord
	for cur.Next(ctx) {
		var rec FileRecord
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decoding record: %w", err)
		}
		records = append(records, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}
