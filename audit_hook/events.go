package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionReportCreated      = "report.created"
	ActionReportTransitioned = "report.transitioned"
	ActionDispatchCreated    = "dispatch.created"
	ActionDispatchEmitted    = "dispatch.emitted"
	ActionDispatchSuppressed = "dispatch.suppressed"
	ActionMessageDeadLetter  = "message.dead_lettered"
	ActionConfigApplied      = "config.applied"
	ActionConfigRejected     = "config.rejected"
	ActionFacilityWithdrawn  = "facility.withdrawn"
)

// Audit event categories group related actions.
const (
	CategoryReport   = "querydispatch.report"
	CategoryDispatch = "querydispatch.dispatch"
	CategoryMessage  = "querydispatch.message"
	CategoryConfig   = "querydispatch.config"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceReport   = "scheduled_report"
	ResourceDispatch = "patient_dispatch"
	ResourceDLQ      = "dead_letter"
	ResourceFacility = "facility"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionReportCreated,
		ActionReportTransitioned,
		ActionDispatchCreated,
		ActionDispatchEmitted,
		ActionDispatchSuppressed,
		ActionMessageDeadLetter,
		ActionConfigApplied,
		ActionConfigRejected,
		ActionFacilityWithdrawn,
	}
}
