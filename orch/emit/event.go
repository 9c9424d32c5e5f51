package emit

import "time"

// Event represents an observability event emitted during run execution.
//
// Events mirror the durable audit trail: every boundary-crossing occurrence
// (run started, step completed, quota fallback, skill evolved) is both written
// to the store's audit table and emitted here for live observers.
//
// Emitters can:
//   - Log to stdout/stderr or files
//   - Export spans to OpenTelemetry
//   - Buffer for test assertions and dashboards
type Event struct {
	// RunID identifies the workflow run that emitted this event.
	// Empty for events not tied to a run (e.g. quota configuration).
	RunID string

	// StepID identifies the step within the run, when applicable.
	// Child steps of a parallel-for use the "<parent>:<index>" form.
	StepID string

	// Type is the audit event type, e.g. "workflow_started",
	// "step_completed", "quota_fallback", "skill_evolved".
	Type string

	// Msg is a human-readable description of the event.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "attempt": retry attempt number
	//   - "error": error details
	//   - "provider": model provider involved
	//   - "recoverable": whether an error can be retried
	Meta map[string]interface{}

	// Time is when the event occurred. The zero value means "now" and is
	// filled in by emitters that care about timestamps.
	Time time.Time
}

// Audit event types shared between the store and the emitters.
const (
	TypeWorkflowStarted   = "workflow_started"
	TypeWorkflowCompleted = "workflow_completed"
	TypeWorkflowFailed    = "workflow_failed"
	TypeStepStarted       = "step_started"
	TypeStepCompleted     = "step_completed"
	TypeStepFailed        = "step_failed"
	TypeStepRetried       = "step_retried"
	TypeQuotaFallback     = "quota_fallback"
	TypeQuotaWarning      = "quota_warning"
	TypeSkillEvolved      = "skill_evolved"
	TypeTierPromotion     = "tier_promotion"
	TypeTierDemotion      = "tier_demotion"
)
