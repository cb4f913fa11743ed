package store

import (
	querydispatch "github.com/CDCgov/nhsnlink-sub007"
	"github.com/CDCgov/nhsnlink-sub007/dlq"
	"github.com/CDCgov/nhsnlink-sub007/patient"
	"github.com/CDCgov/nhsnlink-sub007/report"
	"github.com/CDCgov/nhsnlink-sub007/retry"
)

// Kind names an entity collection. Backends use it as a table discriminator,
// key prefix or collection name.
type Kind string

// Entity kinds.
const (
	KindReport     Kind = "scheduled_report"
	KindDispatch   Kind = "patient_dispatch"
	KindAttempt    Kind = "retry_attempt"
	KindDeadLetter Kind = "dead_letter"
)

// Kinds lists every entity kind.
var Kinds = []Kind{KindReport, KindDispatch, KindAttempt, KindDeadLetter}

// Store is the aggregate persistence interface.
type Store interface {
	querydispatch.Storer

	Reports() report.Store
	Dispatches() patient.Store
	Attempts() retry.Store
	DeadLetters() dlq.Store
}
