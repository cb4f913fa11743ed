// Package postgres implements the store using pgx/v5 with raw SQL.
// Every entity kind shares one table keyed by (kind, key); the record body
// is JSONB and writes are guarded by a version column. Schema changes ship
// as embedded SQL migrations.
package postgres
