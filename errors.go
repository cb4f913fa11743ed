package querydispatch

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("querydispatch: no store configured")
	ErrStoreClosed     = errors.New("querydispatch: store closed")
	ErrMigrationFailed = errors.New("querydispatch: migration failed")

	// Lookup errors.
	ErrNotFound       = errors.New("querydispatch: record not found")
	ErrReportNotFound = errors.New("querydispatch: scheduled report not found")
	ErrDLQNotFound    = errors.New("querydispatch: dlq entry not found")

	// Concurrency errors. A losing writer sees ErrVersionConflict.
	ErrVersionConflict = errors.New("querydispatch: version conflict")

	// State errors.
	ErrInvalidTransition = errors.New("querydispatch: invalid state transition")
	ErrReportNotOpen     = errors.New("querydispatch: scheduled report is not open")
	ErrInvalidWindow     = errors.New("querydispatch: end date must be after start date")
	ErrNoReportTypes     = errors.New("querydispatch: at least one report type is required")

	// Retry errors.
	ErrMaxRetriesExceeded = errors.New("querydispatch: max retries exceeded")

	// Lifecycle errors.
	ErrAlreadyStarted = errors.New("querydispatch: engine already started")
	ErrNoSink         = errors.New("querydispatch: no dispatch sink configured")
	ErrNoSource       = errors.New("querydispatch: no stream source configured")
)
