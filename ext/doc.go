// Package ext defines the extension system for the scheduling engine.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics, writing audit logs or raising alerts. Each lifecycle
// hook is a separate interface so extensions opt in only to the events they
// care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnDispatchEmitted(ctx context.Context, d *patient.Dispatch) error {
//	    log.Printf("dispatch %s emitted", d.Key)
//	    return nil
//	}
//
// # Report Hooks
//
//   - [ReportRegistered]: a reporting period was created
//   - [PeriodTransitioned]: a report changed status
//
// # Dispatch Hooks
//
//   - [DispatchCreated]: a patient dispatch was persisted
//   - [DispatchDeduplicated]: a trigger collapsed onto an existing dispatch
//   - [DispatchEmitted]: a dispatch was handed to the sink
//   - [DispatchSuppressed]: a pending dispatch was dropped
//
// # Retry Hooks
//
//   - [RetryScheduled]: a failed message will be redelivered
//   - [DeadLettered]: a message left the retry path
//   - [Escalated]: an internal operation exhausted its retries
//
// # Configuration Hooks
//
//   - [ConfigApplied], [ConfigRejected], [FacilityWithdrawn]
//   - [Shutdown]: the engine is stopping
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. It also satisfies the
// report.Emitter and patient.Emitter interfaces.
package ext
