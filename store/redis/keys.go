package redis

import "github.com/CDCgov/nhsnlink-sub007/store"

// Redis key naming conventions. All keys are prefixed with "querydispatch:"
// to avoid collisions.

const keyPrefix = "querydispatch:"

// recordKey returns the Hash holding one record:
// querydispatch:{kind}:rec:{key}
func recordKey(kind store.Kind, key string) string { return keyPrefix + string(kind) + ":rec:" + key }

// indexKey returns the Sorted Set of every key of a kind. All members score
// zero so ZRANGE returns them in lexical order.
func indexKey(kind store.Kind) string { return keyPrefix + string(kind) + ":keys" }

// facilityIndexPrefix is completed with a facility id to form the per-tenant
// Sorted Set of keys.
func facilityIndexPrefix(kind store.Kind) string { return keyPrefix + string(kind) + ":fac:" }

// facilityIndexKey returns querydispatch:{kind}:fac:{facility}.
func facilityIndexKey(kind store.Kind, facilityID string) string {
	return facilityIndexPrefix(kind) + facilityID
}

// dueIndexPrefix is completed with a facility id to form the Sorted Set of
// waiting keys scored by fire time.
func dueIndexPrefix(kind store.Kind) string { return keyPrefix + string(kind) + ":due:" }

// dueIndexKey returns querydispatch:{kind}:due:{facility}.
func dueIndexKey(kind store.Kind, facilityID string) string {
	return dueIndexPrefix(kind) + facilityID
}
