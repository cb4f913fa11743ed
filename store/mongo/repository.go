package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
)

// recordModel is the stored document. The body keeps the record's JSON form
// so every backend shares one encoding.
type recordModel struct {
	Key        string    `bson:"_id"`
	FacilityID string    `bson:"facility_id"`
	Version    int64     `bson:"version"`
	Body       string    `bson:"body"`
	UpdatedAt  time.Time `bson:"updated_at"`
	// DueAt is set only while the record waits for its fire time.
	DueAt *time.Time `bson:"due_at"`
}

// Repository is a querydispatch.Repository over one collection.
type Repository[T querydispatch.Record] struct {
	col   *mongod.Collection
	newFn func() T
}

// NewRepository returns a repository backed by col.
func NewRepository[T querydispatch.Record](col *mongod.Collection, newFn func() T) *Repository[T] {
	return &Repository[T]{col: col, newFn: newFn}
}

func (r *Repository[T]) decode(m *recordModel) (T, error) {
	rec := r.newFn()
	if err := json.Unmarshal([]byte(m.Body), rec); err != nil {
		var zero T
		return zero, fmt.Errorf("querydispatch/mongo: decode %s: %w", r.col.Name(), err)
	}
	rec.SetRecordVersion(m.Version)
	return rec, nil
}

// Get returns the record stored under key.
func (r *Repository[T]) Get(ctx context.Context, key string) (T, error) {
	var (
		zero T
		m    recordModel
	)
	err := r.col.FindOne(ctx, bson.M{"_id": key}).Decode(&m)
	if isNoDocuments(err) {
		return zero, querydispatch.ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("querydispatch/mongo: get %s %s: %w", r.col.Name(), key, err)
	}
	return r.decode(&m)
}

// List returns every record ordered by key.
func (r *Repository[T]) List(ctx context.Context) ([]T, error) {
	return r.find(ctx, bson.M{})
}

// ListByFacility returns the facility's records ordered by key.
func (r *Repository[T]) ListByFacility(ctx context.Context, facilityID string) ([]T, error) {
	return r.find(ctx, bson.M{"facility_id": facilityID})
}

// ListDue returns the facility's waiting records due at or before now,
// earliest first.
func (r *Repository[T]) ListDue(ctx context.Context, facilityID string, now time.Time, limit int) ([]T, error) {
	opts := options.Find().SetSort(bson.D{{Key: "due_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return r.findWith(ctx, bson.M{
		"facility_id": facilityID,
		"due_at":      bson.M{"$type": "date", "$lte": now.UTC()},
	}, opts)
}

func (r *Repository[T]) find(ctx context.Context, filter bson.M) ([]T, error) {
	return r.findWith(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

func (r *Repository[T]) findWith(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]T, error) {
	cursor, err := r.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("querydispatch/mongo: list %s: %w", r.col.Name(), err)
	}
	defer cursor.Close(ctx)

	var models []recordModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("querydispatch/mongo: list %s decode: %w", r.col.Name(), err)
	}

	out := make([]T, 0, len(models))
	for i := range models {
		rec, convErr := r.decode(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, rec)
	}
	return out, nil
}

// Upsert inserts (expectedVersion 0) or compare-and-swaps rec.
func (r *Repository[T]) Upsert(ctx context.Context, rec T, expectedVersion int64) error {
	next := expectedVersion + 1
	rec.SetRecordVersion(next)
	body, err := json.Marshal(rec)
	if err != nil {
		rec.SetRecordVersion(expectedVersion)
		return fmt.Errorf("querydispatch/mongo: encode %s: %w", r.col.Name(), err)
	}

	m := recordModel{
		Key:        rec.RecordKey(),
		FacilityID: rec.RecordFacility(),
		Version:    next,
		Body:       string(body),
		UpdatedAt:  time.Now().UTC(),
	}
	if at, waiting := querydispatch.DueTime(rec); waiting {
		at = at.UTC()
		m.DueAt = &at
	}

	if expectedVersion == 0 {
		_, err = r.col.InsertOne(ctx, m)
		if isDuplicateKey(err) {
			rec.SetRecordVersion(expectedVersion)
			return querydispatch.ErrVersionConflict
		}
		if err != nil {
			rec.SetRecordVersion(expectedVersion)
			return fmt.Errorf("querydispatch/mongo: insert %s %s: %w", r.col.Name(), m.Key, err)
		}
		return nil
	}

	res, err := r.col.UpdateOne(ctx,
		bson.M{"_id": m.Key, "version": expectedVersion},
		bson.M{"$set": bson.M{
			"facility_id": m.FacilityID,
			"version":     m.Version,
			"body":        m.Body,
			"updated_at":  m.UpdatedAt,
			"due_at":      m.DueAt,
		}},
	)
	if err != nil {
		rec.SetRecordVersion(expectedVersion)
		return fmt.Errorf("querydispatch/mongo: update %s %s: %w", r.col.Name(), m.Key, err)
	}
	if res.MatchedCount == 0 {
		rec.SetRecordVersion(expectedVersion)
		return querydispatch.ErrVersionConflict
	}
	return nil
}

// Delete removes the record stored under key.
func (r *Repository[T]) Delete(ctx context.Context, key string) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return fmt.Errorf("querydispatch/mongo: delete %s %s: %w", r.col.Name(), key, err)
	}
	if res.DeletedCount == 0 {
		return querydispatch.ErrNotFound
	}
	return nil
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	return err != nil && mongod.IsDuplicateKeyError(err)
}
