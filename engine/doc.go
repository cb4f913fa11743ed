// Package engine wires the scheduling subsystems together: the report
// period tracker, the patient dispatch coordinator, the retry coordinator and
// dead-letter service, the extension registry, the middleware chain, the
// keyed worker pool and the periodic task scheduler.
//
// The engine never mutates entities itself. It decides what should happen
// (register a period, close it, create or release a dispatch, redeliver or
// dead-letter a message) and asks the owning component to do it.
//
// # Usage
//
//	mem := memory.New()
//	eng, err := engine.New(
//	    engine.WithStore(mem),
//	    engine.WithSink(sink),
//	    engine.WithRoster(census),
//	    engine.WithSource(source),
//	    engine.WithFacilities(facility.FileProvider{Path: "facilities.yaml"}),
//	    engine.WithExtension(alert.NewExtension(notifier)),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop(context.Background())
//
// Start applies the first configuration snapshot, suppresses orphaned
// dispatches and then runs three loops under one errgroup:
//
//   - the consume loop, which fetches messages from the source and submits
//     them to the worker pool keyed by their partition key;
//   - the periodic scheduler, which runs the sweep (period closure), fire
//     (dispatch release) and config-refresh tasks.
//
// Every operation the loops perform is also exported (ApplySnapshot, Sweep,
// FireDue, HandleMessage, HandlePatientEvent, HandleReportSubmitted,
// HandleFailure) so that callers and tests can drive the engine without
// running it.
package engine
