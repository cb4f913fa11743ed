package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/store"
)

// upsertScript performs the version check and the write atomically.
//
// KEYS: record hash, kind index, facility index, facility due index.
// ARGV: expected version, next version, body, facility, record key, due score
// (empty when the record is not waiting).
var upsertScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
local expected = tonumber(ARGV[1])
if expected == 0 then
  if cur then return 0 end
elseif (not cur) or tonumber(cur) ~= expected then
  return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'facility', ARGV[4], 'body', ARGV[3])
redis.call('ZADD', KEYS[2], 0, ARGV[5])
redis.call('ZADD', KEYS[3], 0, ARGV[5])
if ARGV[6] == '' then
  redis.call('ZREM', KEYS[4], ARGV[5])
else
  redis.call('ZADD', KEYS[4], ARGV[6], ARGV[5])
end
return 1
`)

// deleteScript removes a record and its index entries.
//
// KEYS: record hash, kind index.
// ARGV: record key, facility index prefix, due index prefix.
var deleteScript = goredis.NewScript(`
local fac = redis.call('HGET', KEYS[1], 'facility')
if not fac then return 0 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', ARGV[2] .. fac, ARGV[1])
redis.call('ZREM', ARGV[3] .. fac, ARGV[1])
return 1
`)

// Repository is a querydispatch.Repository over Redis Hashes.
type Repository[T querydispatch.Record] struct {
	client goredis.Cmdable
	kind   store.Kind
	newFn  func() T
}

// NewRepository returns the repository for one entity kind.
func NewRepository[T querydispatch.Record](client goredis.Cmdable, kind store.Kind, newFn func() T) *Repository[T] {
	return &Repository[T]{client: client, kind: kind, newFn: newFn}
}

func (r *Repository[T]) decode(version string, body string) (T, error) {
	var zero T
	v, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return zero, fmt.Errorf("querydispatch/redis: parse version %q: %w", version, err)
	}
	rec := r.newFn()
	if err := json.Unmarshal([]byte(body), rec); err != nil {
		return zero, fmt.Errorf("querydispatch/redis: decode %s: %w", r.kind, err)
	}
	rec.SetRecordVersion(v)
	return rec, nil
}

// Get returns the record stored under key.
func (r *Repository[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	vals, err := r.client.HMGet(ctx, recordKey(r.kind, key), "version", "body").Result()
	if err != nil {
		return zero, fmt.Errorf("querydispatch/redis: get %s %s: %w", r.kind, key, err)
	}
	version, ok1 := vals[0].(string)
	body, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return zero, querydispatch.ErrNotFound
	}
	return r.decode(version, body)
}

// List returns every record of the kind ordered by key.
func (r *Repository[T]) List(ctx context.Context) ([]T, error) {
	return r.load(ctx, indexKey(r.kind))
}

// ListByFacility returns the facility's records ordered by key.
func (r *Repository[T]) ListByFacility(ctx context.Context, facilityID string) ([]T, error) {
	return r.load(ctx, facilityIndexKey(r.kind, facilityID))
}

// ListDue returns the facility's waiting records due at or before now,
// earliest first. Members of the due index score by fire time in unix
// milliseconds.
func (r *Repository[T]) ListDue(ctx context.Context, facilityID string, now time.Time, limit int) ([]T, error) {
	by := &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	keys, err := r.client.ZRangeByScore(ctx, dueIndexKey(r.kind, facilityID), by).Result()
	if err != nil {
		return nil, fmt.Errorf("querydispatch/redis: list due %s: %w", r.kind, err)
	}
	return r.loadKeys(ctx, keys)
}

func (r *Repository[T]) load(ctx context.Context, index string) ([]T, error) {
	keys, err := r.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("querydispatch/redis: list %s: %w", r.kind, err)
	}
	return r.loadKeys(ctx, keys)
}

func (r *Repository[T]) loadKeys(ctx context.Context, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, recordKey(r.kind, k), "version", "body")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("querydispatch/redis: list %s: %w", r.kind, err)
	}

	out := make([]T, 0, len(keys))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 2 {
			continue
		}
		version, ok1 := vals[0].(string)
		body, ok2 := vals[1].(string)
		if !ok1 || !ok2 {
			// Deleted between ZRANGE and HMGET.
			continue
		}
		rec, decErr := r.decode(version, body)
		if decErr != nil {
			return nil, decErr
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
		return fmt.Errorf("querydispatch/redis: encode %s: %w", r.kind, err)
	}

	key := rec.RecordKey()
	score := ""
	if at, waiting := querydispatch.DueTime(rec); waiting {
		score = strconv.FormatInt(at.UnixMilli(), 10)
	}
	ok, err := upsertScript.Run(ctx, r.client,
		[]string{
			recordKey(r.kind, key),
			indexKey(r.kind),
			facilityIndexKey(r.kind, rec.RecordFacility()),
			dueIndexKey(r.kind, rec.RecordFacility()),
		},
		expectedVersion, next, string(body), rec.RecordFacility(), key, score,
	).Int()
	if err != nil {
		rec.SetRecordVersion(expectedVersion)
		return fmt.Errorf("querydispatch/redis: upsert %s %s: %w", r.kind, key, err)
	}
	if ok == 0 {
		rec.SetRecordVersion(expectedVersion)
		return querydispatch.ErrVersionConflict
	}
	return nil
}

// Delete removes the record stored under key.
func (r *Repository[T]) Delete(ctx context.Context, key string) error {
	ok, err := deleteScript.Run(ctx, r.client,
		[]string{recordKey(r.kind, key), indexKey(r.kind)},
		key, facilityIndexPrefix(r.kind), dueIndexPrefix(r.kind),
	).Int()
	if err != nil {
		return fmt.Errorf("querydispatch/redis: delete %s %s: %w", r.kind, key, err)
	}
	if ok == 0 {
		return querydispatch.ErrNotFound
	}
	return nil
}
