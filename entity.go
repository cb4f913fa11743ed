package querydispatch

import "time"

// Entity carries the bookkeeping fields shared by every persisted record.
type Entity struct {
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with the current time. Version is
// zero until the record is first stored.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// RecordVersion returns the version the record was last stored at.
func (e *Entity) RecordVersion() int64 { return e.Version }

// SetRecordVersion is called by repositories after a successful write.
func (e *Entity) SetRecordVersion(v int64) { e.Version = v }

// Touch updates UpdatedAt.
func (e *Entity) Touch(now time.Time) { e.UpdatedAt = now.UTC() }
