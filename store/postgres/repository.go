package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/store"
)

// Repository is a querydispatch.Repository over the shared records table.
type Repository[T querydispatch.Record] struct {
	pool  *pgxpool.Pool
	kind  string
	newFn func() T
}

// NewRepository returns the repository for one entity kind.
func NewRepository[T querydispatch.Record](pool *pgxpool.Pool, kind store.Kind, newFn func() T) *Repository[T] {
	return &Repository[T]{pool: pool, kind: string(kind), newFn: newFn}
}

func (r *Repository[T]) scan(row pgx.Row) (T, error) {
	var (
		zero    T
		version int64
		body    []byte
	)
	if err := row.Scan(&version, &body); err != nil {
		return zero, err
	}
	rec := r.newFn()
	if err := json.Unmarshal(body, rec); err != nil {
		return zero, fmt.Errorf("querydispatch/postgres: decode %s: %w", r.kind, err)
	}
	rec.SetRecordVersion(version)
	return rec, nil
}

// Get returns the record stored under key.
func (r *Repository[T]) Get(ctx context.Context, key string) (T, error) {
	rec, err := r.scan(r.pool.QueryRow(ctx,
		`SELECT version, body FROM querydispatch_records WHERE kind = $1 AND key = $2`,
		r.kind, key,
	))
	if isNoRows(err) {
		return rec, querydispatch.ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("querydispatch/postgres: get %s %s: %w", r.kind, key, err)
	}
	return rec, nil
}

// List returns every record of the kind ordered by key.
func (r *Repository[T]) List(ctx context.Context) ([]T, error) {
	return r.query(ctx,
		`SELECT version, body FROM querydispatch_records WHERE kind = $1 ORDER BY key`,
		r.kind,
	)
}

// ListByFacility returns the facility's records ordered by key.
func (r *Repository[T]) ListByFacility(ctx context.Context, facilityID string) ([]T, error) {
	return r.query(ctx,
		`SELECT version, body FROM querydispatch_records
		 WHERE kind = $1 AND facility_id = $2 ORDER BY key`,
		r.kind, facilityID,
	)
}

// ListDue returns the facility's waiting records due at or before now,
// earliest first. A limit of zero returns all of them.
func (r *Repository[T]) ListDue(ctx context.Context, facilityID string, now time.Time, limit int) ([]T, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return r.query(ctx,
		`SELECT version, body FROM querydispatch_records
		 WHERE kind = $1 AND facility_id = $2 AND due_at IS NOT NULL AND due_at <= $3
		 ORDER BY due_at, key LIMIT $4`,
		r.kind, facilityID, now, lim,
	)
}

// dueAt is the due_at column value for rec; NULL when it is not waiting.
func dueAt(rec querydispatch.Record) *time.Time {
	at, ok := querydispatch.DueTime(rec)
	if !ok {
		return nil
	}
	at = at.UTC()
	return &at
}

func (r *Repository[T]) query(ctx context.Context, sql string, args ...any) ([]T, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querydispatch/postgres: list %s: %w", r.kind, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		rec, scanErr := r.scan(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("querydispatch/postgres: scan %s: %w", r.kind, scanErr)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querydispatch/postgres: iterate %s: %w", r.kind, err)
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
		return fmt.Errorf("querydispatch/postgres: encode %s: %w", r.kind, err)
	}

	var affected int64
	if expectedVersion == 0 {
		tag, execErr := r.pool.Exec(ctx, `
			INSERT INTO querydispatch_records (kind, key, facility_id, version, body, due_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6)
			ON CONFLICT (kind, key) DO NOTHING`,
			r.kind, rec.RecordKey(), rec.RecordFacility(), next, string(body), dueAt(rec),
		)
		err, affected = execErr, tag.RowsAffected()
	} else {
		tag, execErr := r.pool.Exec(ctx, `
			UPDATE querydispatch_records
			SET facility_id = $3, version = $4, body = $5::jsonb, due_at = $7, updated_at = NOW()
			WHERE kind = $1 AND key = $2 AND version = $6`,
			r.kind, rec.RecordKey(), rec.RecordFacility(), next, string(body), expectedVersion, dueAt(rec),
		)
		err, affected = execErr, tag.RowsAffected()
	}

	switch {
	case err != nil && isDuplicateKey(err):
		rec.SetRecordVersion(expectedVersion)
		return querydispatch.ErrVersionConflict
	case err != nil:
		rec.SetRecordVersion(expectedVersion)
		return fmt.Errorf("querydispatch/postgres: upsert %s %s: %w", r.kind, rec.RecordKey(), err)
	case affected == 0:
		rec.SetRecordVersion(expectedVersion)
		return querydispatch.ErrVersionConflict
	}
	return nil
}

// Delete removes the record stored under key.
func (r *Repository[T]) Delete(ctx context.Context, key string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM querydispatch_records WHERE kind = $1 AND key = $2`,
		r.kind, key,
	)
	if err != nil {
		return fmt.Errorf("querydispatch/postgres: delete %s %s: %w", r.kind, key, err)
	}
	if tag.RowsAffected() == 0 {
		return querydispatch.ErrNotFound
	}
	return nil
}
