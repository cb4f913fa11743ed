package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
)

// row is the stored form of a record. Records are kept as JSON so callers
// never share memory with the store.
type row struct {
	facility  string
	version   int64
	body      []byte
	updatedAt time.Time
	due       time.Time
	waiting   bool
}

// Repository is an in-memory querydispatch.Repository. Safe for concurrent
// access.
type Repository[T querydispatch.Record] struct {
	mu    sync.RWMutex
	rows  map[string]row
	newFn func() T
}

// NewRepository returns an empty repository. newFn allocates a zero record
// for decoding.
func NewRepository[T querydispatch.Record](newFn func() T) *Repository[T] {
	return &Repository[T]{rows: make(map[string]row), newFn: newFn}
}

func (r *Repository[T]) decode(rw row) (T, error) {
	rec := r.newFn()
	if err := json.Unmarshal(rw.body, rec); err != nil {
		var zero T
		return zero, fmt.Errorf("memory: decode: %w", err)
	}
	rec.SetRecordVersion(rw.version)
	return rec, nil
}

// Get returns the record stored under key.
func (r *Repository[T]) Get(_ context.Context, key string) (T, error) {
	r.mu.RLock()
	rw, ok := r.rows[key]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, querydispatch.ErrNotFound
	}
	return r.decode(rw)
}

// List returns every record ordered by key.
func (r *Repository[T]) List(_ context.Context) ([]T, error) {
	return r.collect(func(row) bool { return true })
}

// ListByFacility returns the facility's records ordered by key.
func (r *Repository[T]) ListByFacility(_ context.Context, facilityID string) ([]T, error) {
	return r.collect(func(rw row) bool { return rw.facility == facilityID })
}

// ListDue returns the facility's waiting records due at or before now,
// earliest first.
func (r *Repository[T]) ListDue(_ context.Context, facilityID string, now time.Time, limit int) ([]T, error) {
	type dueRow struct {
		key string
		rw  row
	}
	var rows []dueRow
	r.mu.RLock()
	for k, rw := range r.rows {
		if rw.waiting && rw.facility == facilityID && !rw.due.After(now) {
			rows = append(rows, dueRow{key: k, rw: rw})
		}
	}
	r.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].rw.due.Equal(rows[j].rw.due) {
			return rows[i].rw.due.Before(rows[j].rw.due)
		}
		return rows[i].key < rows[j].key
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]T, 0, len(rows))
	for _, dr := range rows {
		rec, err := r.decode(dr.rw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Repository[T]) collect(keep func(row) bool) ([]T, error) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.rows))
	for k, rw := range r.rows {
		if keep(rw) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	rows := make([]row, len(keys))
	for i, k := range keys {
		rows[i] = r.rows[k]
	}
	r.mu.RUnlock()

	out := make([]T, 0, len(rows))
	for _, rw := range rows {
		rec, err := r.decode(rw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Upsert writes rec if the stored version equals expectedVersion
// (0 = must not exist).
func (r *Repository[T]) Upsert(_ context.Context, rec T, expectedVersion int64) error {
	next := expectedVersion + 1
	rec.SetRecordVersion(next)
	body, err := json.Marshal(rec)
	if err != nil {
		rec.SetRecordVersion(expectedVersion)
		return fmt.Errorf("memory: encode: %w", err)
	}

	key := rec.RecordKey()
	due, waiting := querydispatch.DueTime(rec)

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, exists := r.rows[key]
	switch {
	case expectedVersion == 0 && exists,
		expectedVersion != 0 && (!exists || cur.version != expectedVersion):
		rec.SetRecordVersion(expectedVersion)
		return querydispatch.ErrVersionConflict
	}

	r.rows[key] = row{
		facility:  rec.RecordFacility(),
		version:   next,
		body:      body,
		updatedAt: time.Now().UTC(),
		due:       due,
		waiting:   waiting,
	}
	return nil
}

// Delete removes the record stored under key.
func (r *Repository[T]) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[key]; !ok {
		return querydispatch.ErrNotFound
	}
	delete(r.rows, key)
	return nil
}

// Len returns the number of stored records.
func (r *Repository[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}
