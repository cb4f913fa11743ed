package querydispatch

import "time"

// Config holds configuration for the schedule engine.
type Config struct {
	// Workers is the number of keyed worker shards. Messages that share a
	// partition key always land on the same shard.
	Workers int

	// QueueDepth is the buffered capacity of each shard.
	QueueDepth int

	// SweepSchedule is a cron expression (or descriptor such as
	// "@every 30s") controlling how often open periods are checked for
	// closure.
	SweepSchedule string

	// FireInterval is how often pending dispatches are polled for release.
	FireInterval time.Duration

	// RefreshSchedule is a cron expression controlling how often the
	// facility configuration snapshot is reloaded.
	RefreshSchedule string

	// HandlerTimeout bounds the processing of one inbound message. Zero
	// disables the bound.
	HandlerTimeout time.Duration

	// FireBatch caps the dispatches released per facility per poll.
	FireBatch int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// WeekStart is the first day of a weekly reporting period.
	WeekStart time.Weekday

	// Timezone names the IANA location used for calendar period math.
	Timezone string

	// MaxRetries is the number of redeliveries allowed before a failing
	// message is dead-lettered.
	MaxRetries int

	// BaseDelay and MaxDelay bound the exponential redelivery backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// LedgerRetention is how long a dead-lettered message's ledger entry is
	// kept so that stale copies are still recognized. Zero keeps entries
	// forever.
	LedgerRetention time.Duration

	// JitterFraction spreads each delay by up to ± this fraction.
	// Zero disables jitter.
	JitterFraction float64

	// EmitRate limits dispatch emissions per facility per second.
	// Zero means unlimited.
	EmitRate  float64
	EmitBurst int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueDepth:      64,
		SweepSchedule:   "@every 30s",
		FireInterval:    1 * time.Second,
		RefreshSchedule: "@every 1m",
		HandlerTimeout:  30 * time.Second,
		FireBatch:       100,
		ShutdownTimeout: 30 * time.Second,
		WeekStart:       time.Monday,
		Timezone:        "UTC",
		MaxRetries:      3,
		BaseDelay:       2 * time.Second,
		MaxDelay:        30 * time.Second,
		LedgerRetention: 7 * 24 * time.Hour,
	}
}

// Location resolves Timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
