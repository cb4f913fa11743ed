package querydispatch

import (
	"context"
	"time"
)

// Record is implemented by every entity persisted through a Repository.
// Embedding *Entity (by value) supplies the version accessors.
type Record interface {
	// RecordKey is the unique persistence key of the record.
	RecordKey() string
	// RecordFacility is the owning facility, used for tenant-scoped listing.
	RecordFacility() string
	RecordVersion() int64
	SetRecordVersion(v int64)
}

// Repository is the persistence contract shared by every entity kind.
//
// Upsert is an optimistic write: expectedVersion 0 means insert-only and
// fails with ErrVersionConflict when the key already exists; any other value
// must equal the stored version. On success the record's version is set to
// expectedVersion+1.
type Repository[T Record] interface {
	Get(ctx context.Context, key string) (T, error)
	List(ctx context.Context) ([]T, error)
	ListByFacility(ctx context.Context, facilityID string) ([]T, error)
	Upsert(ctx context.Context, rec T, expectedVersion int64) error
	Delete(ctx context.Context, key string) error
}

// Schedulable is implemented by records that wait for a fire time.
type Schedulable interface {
	// DueAt returns the fire time and whether the record still waits for it.
	DueAt() (time.Time, bool)
}

// DueTime returns the fire time of rec if rec is Schedulable and waiting.
// Backends index records by it.
func DueTime(rec Record) (time.Time, bool) {
	s, ok := rec.(Schedulable)
	if !ok {
		return time.Time{}, false
	}
	return s.DueAt()
}

// ScheduledRepository is a Repository that can also list waiting records by
// fire time without loading the rest.
type ScheduledRepository[T Record] interface {
	Repository[T]

	// ListDue returns the facility's waiting records due at or before now,
	// earliest first. limit <= 0 means no limit.
	ListDue(ctx context.Context, facilityID string, now time.Time, limit int) ([]T, error)
}

// Storer is the lifecycle surface of a storage backend.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
