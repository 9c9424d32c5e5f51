// Package store provides ACID persistence for the orchestration core.
//
// A single relational database owns every durable entity: workflow runs and
// steps, the append-only audit trail, provider quota configurations, API usage
// records, and routing decisions. All other components hold primary keys into
// these tables; their in-memory caches can be rebuilt from the store at any
// time.
//
// Two implementations exist:
//   - SQLiteStore: single-file database with WAL journaling and a periodic
//     checkpoint-and-truncate timer. The default for single-process
//     deployments; process ownership is enforced with an OS lockfile.
//   - MySQLStore: the same surface over a MySQL server for deployments that
//     want the state on a shared database host.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run, quota, or decision does not exist.
var ErrNotFound = errors.New("not found")

// ErrTerminalRun is returned when a status update targets a run that already
// reached completed or failed. Terminal states are never left.
var ErrTerminalRun = errors.New("run is in a terminal state")

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

// Run statuses. Transitions are monotone: running may move to completed or
// failed; terminal states never change.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// StepStatus is the lifecycle state of a single workflow step attempt.
type StepStatus string

// Step statuses.
const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Run is a workflow run row.
//
// Input is immutable after creation; Context is the mutable blob the executor
// shallow-merges step results into.
type Run struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Status    RunStatus              `json:"status"`
	Input     map[string]interface{} `json:"input"`
	Context   map[string]interface{} `json:"context"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// StepRecord is a workflow step row, identified by (RunID, StepID).
//
// A completed step's Result must be durably persisted before the run advances
// past it; on resume the result is re-applied to the context instead of
// re-executing the step.
type StepRecord struct {
	RunID     string                 `json:"run_id"`
	StepID    string                 `json:"step_id"`
	Status    StepStatus             `json:"status"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Attempts  int                    `json:"attempts"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// AuditEvent is one row of the append-only audit log. Events for a given run
// are totally ordered by the autoincrement ID.
type AuditEvent struct {
	ID        int64                  `json:"id"`
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// QuotaType describes how a provider's quota is measured.
type QuotaType string

// Quota types.
const (
	QuotaRequests  QuotaType = "request-based"
	QuotaTokens    QuotaType = "token-based"
	QuotaUnlimited QuotaType = "unlimited"
)

// Period is the quota accounting window.
type Period string

// Quota periods.
const (
	PeriodDay     Period = "day"
	PeriodMonth   Period = "month"
	PeriodAllTime Period = "all-time"
)

// QuotaConfig is a per-provider quota configuration row.
type QuotaConfig struct {
	Provider          string    `json:"provider"`
	Type              QuotaType `json:"type"`
	Limit             int64     `json:"limit"`
	Period            Period    `json:"period"`
	WarnThreshold     float64   `json:"warn_threshold"`
	CriticalThreshold float64   `json:"critical_threshold"`
}

// UsageRecord is one append-only API usage row.
type UsageRecord struct {
	ID           int64     `json:"id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Session      string    `json:"session"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostEstimate float64   `json:"cost_estimate"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageAggregate is the current-period rollup for one provider.
type UsageAggregate struct {
	Requests    int64   `json:"requests"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

// RoutingDecision is one append-only routing audit row.
type RoutingDecision struct {
	DecisionID        string                 `json:"decision_id"`
	Session           string                 `json:"session"`
	Task              string                 `json:"task"`
	RequestedCategory string                 `json:"requested_category,omitempty"`
	RequestedSkills   []string               `json:"requested_skills,omitempty"`
	OriginalSelection string                 `json:"original_selection"`
	FinalSelection    string                 `json:"final_selection"`
	QuotaFactors      map[string]interface{} `json:"quota_factors,omitempty"`
	FallbackApplied   bool                   `json:"fallback_applied"`
	Reason            string                 `json:"reason"`
	CreatedAt         time.Time              `json:"created_at"`
}

// Mutator is the set of write operations available both on the store itself
// (autocommit) and inside a transaction.
type Mutator interface {
	// UpdateRunStatus applies a monotone status transition and appends a
	// workflow_<status> audit event. Returns ErrTerminalRun if the run
	// already reached a terminal state, ErrNotFound if it does not exist.
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error

	// UpdateRunContext overwrites the run's mutable context blob.
	UpdateRunContext(ctx context.Context, runID string, runContext map[string]interface{}) error

	// UpsertStep inserts the step on first call and updates it thereafter,
	// keyed by (run_id, step_id).
	UpsertStep(ctx context.Context, rec StepRecord) error

	// LogEvent appends to the audit log. Failures surface to the caller;
	// the audit trail must never silently lose events.
	LogEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}) error

	// Savepoint runs fn inside a nested transaction scope. On error the
	// scope rolls back to the savepoint and the error propagates.
	Savepoint(ctx context.Context, name string, fn func(Mutator) error) error
}

// Store is the full durable-store surface.
type Store interface {
	Mutator

	// CreateRun inserts a run in status running and appends a
	// workflow_started audit event. Creating an id that already exists is
	// a no-op (idempotent create).
	CreateRun(ctx context.Context, runID, name string, input map[string]interface{}) error

	// GetRunState returns a consistent snapshot of the run and its steps,
	// steps ordered by step_id. Returns ErrNotFound for unknown runs.
	GetRunState(ctx context.Context, runID string) (Run, []StepRecord, error)

	// Events returns the run's audit events ordered by id.
	Events(ctx context.Context, runID string) ([]AuditEvent, error)

	// Transaction runs fn inside a single transaction. If fn returns an
	// error the transaction rolls back and the error propagates.
	Transaction(ctx context.Context, fn func(Mutator) error) error

	// UpsertQuotaConfig is an idempotent per-provider quota upsert.
	UpsertQuotaConfig(ctx context.Context, cfg QuotaConfig) error

	// GetQuotaConfig returns the provider's quota configuration.
	GetQuotaConfig(ctx context.Context, provider string) (QuotaConfig, error)

	// ListQuotaConfigs returns all configured providers.
	ListQuotaConfigs(ctx context.Context) ([]QuotaConfig, error)

	// RecordUsage appends one API usage row.
	RecordUsage(ctx context.Context, rec UsageRecord) error

	// UsageSince aggregates a provider's usage with created_at >= since.
	// A zero since aggregates all-time.
	UsageSince(ctx context.Context, provider string, since time.Time) (UsageAggregate, error)

	// AppendDecision appends one routing decision row.
	AppendDecision(ctx context.Context, dec RoutingDecision) error

	// DecisionsBySession returns a session's routing decisions, most
	// recent first, bounded by limit.
	DecisionsBySession(ctx context.Context, session string, limit int) ([]RoutingDecision, error)

	// CompactAudit deletes audit events older than the cutoff and returns
	// the number of rows removed. Callers must keep at least the seven-day
	// window needed by downstream graph sync.
	CompactAudit(ctx context.Context, olderThan time.Time) (int64, error)

	// Checkpoint forces durability housekeeping (WAL checkpoint-and-
	// truncate on SQLite; a no-op on server-backed stores).
	Checkpoint(ctx context.Context) error

	// Close disarms timers, performs a final checkpoint, releases the
	// process lock, and closes the database.
	Close() error
}
