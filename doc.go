// Package querydispatch computes when, and for whom, a facility's
// data-acquisition query must be re-issued, and governs the lifecycle of the
// resulting dispatch work items.
//
// It reconciles calendar report cadences (daily, weekly, monthly) with
// event-driven patient triggers (admission, discharge) and at-least-once
// stream delivery, producing an idempotent, auditable schedule of work.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithStore(memory.New()),
//	    engine.WithSink(out),
//	    engine.WithRoster(census),
//	)
//	res, err := eng.ApplySnapshot(ctx, facilities)
//	// res.Rejected lists facilities whose configuration did not compile.
//	err = eng.Start(ctx)
//	defer eng.Stop(ctx)
//
// The cmd/querydispatch binary wires the same engine to Kafka, a durable
// store and alert channels from a YAML file.
//
// # Architecture
//
// Each entity (scheduled report, patient dispatch, retry attempt,
// dead-letter entry) is persisted through the generic [Repository] contract.
// Every backend (memory, postgres, redis, mongo) implements it once and is
// instantiated per entity kind.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package querydispatch
