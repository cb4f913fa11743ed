// Package audithook is an engine extension that bridges scheduling
// lifecycle events to an audit trail backend.
//
// Report registrations, period transitions, dispatch outcomes, dead letters
// and configuration changes each emit a structured audit event through the
// [Recorder] interface. The extension assigns severity levels (info for
// normal operations, warning for suppression and rejected configuration,
// critical for dead letters) and metadata such as facility, tracking id
// and report window.
//
// # Publishing to Kafka
//
// kafka.AuditRecorder publishes each event as JSON to the audit topic:
//
//	audithook.New(kafka.NewAuditRecorder(writer, kafka.TopicAudit))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionReportCreated,
//	        audithook.ActionReportTransitioned,
//	    ),
//	)
package audithook
