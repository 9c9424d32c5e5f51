// Package orch is the workflow executor: it drives a declarative workflow
// definition, an ordered list of typed steps, from initial input to terminal
// status with crash-safe checkpointing, retry, and bounded parallel fan-out.
//
// A workflow run is durable: every completed step is checkpointed to the store
// inside a transaction, so a crashed process can resume the run and skip work
// that already finished. Handlers are registered by step type and return
// result maps that shallow-merge into the run context.
package orch

import (
	"context"
	"strings"
	"time"

	"github.com/dshills/opencode-go/orch/fault"
)

// Step defaults.
const (
	// DefaultRetries caps attempts per step.
	DefaultRetries = 3

	// DefaultBackoff is the base sleep between attempts; attempt n sleeps
	// backoff * 2^(n-1).
	DefaultBackoff = 1000 * time.Millisecond

	// DefaultConcurrency bounds the parallel-for worker pool.
	DefaultConcurrency = 5
)

// Step is one unit of a workflow definition.
//
// A step with Foreach set is a parallel-for: the executor resolves Foreach as
// a path into the run context, expects a list there, and spawns one child per
// element using Substep as the template. Child ids take the form
// "<parent>:<index>".
type Step struct {
	// ID is unique within the workflow.
	ID string `json:"id"`

	// Type names the registered handler that executes this step. Ignored
	// for parallel-for steps, which dispatch through Substep.Type.
	Type string `json:"type"`

	// Retries caps attempts. Zero means DefaultRetries.
	Retries int `json:"retries,omitempty"`

	// Backoff is the base inter-attempt sleep. Zero means DefaultBackoff.
	Backoff time.Duration `json:"backoff,omitempty"`

	// Timeout bounds a single handler invocation. Zero means none. An
	// expired timeout abandons the attempt and counts it.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Concurrency bounds the parallel-for pool. Zero means
	// DefaultConcurrency.
	Concurrency int `json:"concurrency,omitempty"`

	// Foreach is a dotted path into the run context addressing the list to
	// fan out over. Non-empty marks this step as a parallel-for.
	Foreach string `json:"foreach,omitempty"`

	// Substep is the child template for a parallel-for step.
	Substep *Step `json:"substep,omitempty"`
}

// retries returns the effective attempt cap.
func (s Step) retries() int {
	if s.Retries > 0 {
		return s.Retries
	}
	return DefaultRetries
}

// backoff returns the effective base backoff.
func (s Step) backoff() time.Duration {
	if s.Backoff > 0 {
		return s.Backoff
	}
	return DefaultBackoff
}

// concurrency returns the effective pool width.
func (s Step) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return DefaultConcurrency
}

// parallel reports whether this step is a parallel-for.
func (s Step) parallel() bool {
	return s.Foreach != ""
}

// Handler executes one step attempt. The returned map is shallow-merged into
// the run context; a nil map is a valid empty result. Errors should be tagged
// fault values so the executor can distinguish recoverable failures from
// terminal ones.
type Handler func(ctx context.Context, step Step, runContext map[string]interface{}) (map[string]interface{}, error)

// validateWorkflow checks id uniqueness and that every step resolves to a
// registered handler.
func validateWorkflow(steps []Step, handlers map[string]Handler) error {
	if len(steps) == 0 {
		return fault.New(fault.KindValidation, "empty_workflow", "workflow has no steps")
	}

	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fault.New(fault.KindValidation, "missing_step_id", "step id cannot be empty")
		}
		if seen[s.ID] {
			return fault.Newf(fault.KindValidation, "duplicate_step_id", "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true

		if s.parallel() {
			if s.Substep == nil {
				return fault.Newf(fault.KindValidation, "missing_substep", "parallel-for step %q has no substep", s.ID)
			}
			if _, ok := handlers[s.Substep.Type]; !ok {
				return fault.Newf(fault.KindValidation, "unknown_handler", "step %q substep type %q has no handler", s.ID, s.Substep.Type)
			}
			continue
		}
		if _, ok := handlers[s.Type]; !ok {
			return fault.Newf(fault.KindValidation, "unknown_handler", "step %q type %q has no handler", s.ID, s.Type)
		}
	}
	return nil
}

// lookupPath resolves a dotted path inside a nested context map. A missing
// path returns (nil, false).
func lookupPath(runContext map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = runContext
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// mergeResult shallow-merges a handler result into the run context.
func mergeResult(runContext, result map[string]interface{}) {
	for k, v := range result {
		runContext[k] = v
	}
}

// AddWarning appends a warning message to the run context's "warnings" list.
// Governor and tier-resolver failures surface this way instead of failing the
// workflow.
func AddWarning(runContext map[string]interface{}, msg string) {
	warnings, _ := runContext["warnings"].([]interface{})
	runContext["warnings"] = append(warnings, msg)
}
