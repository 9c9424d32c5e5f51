package orch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/opencode-go/orch/emit"
	"github.com/dshills/opencode-go/orch/fault"
	"github.com/dshills/opencode-go/orch/store"
)

// Config configures an Executor.
type Config struct {
	// Store is the durable backend. Required.
	Store store.Store

	// Emitter receives observability events. Nil means no emission.
	Emitter emit.Emitter

	// Metrics collects Prometheus metrics. Nil disables collection.
	Metrics *Metrics
}

// Executor drives workflow runs against the durable store.
//
// Handlers are registered by step type before runs execute. Execute is safe
// to call from multiple goroutines; each run is independent and steps within
// a run execute sequentially (parallel-for children excepted).
type Executor struct {
	store   store.Store
	emitter emit.Emitter
	metrics *Metrics

	mu       sync.RWMutex
	handlers map[string]Handler

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewExecutor creates an executor over the given store.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, fault.New(fault.KindConfig, "missing_store", "executor requires a store")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Executor{
		store:    cfg.Store,
		emitter:  emitter,
		metrics:  cfg.Metrics,
		handlers: make(map[string]Handler),
	}, nil
}

// Register binds a handler to a step type. Duplicate registrations are
// rejected.
func (e *Executor) Register(stepType string, h Handler) error {
	if stepType == "" {
		return fault.New(fault.KindValidation, "empty_step_type", "step type cannot be empty")
	}
	if h == nil {
		return fault.New(fault.KindValidation, "nil_handler", "handler cannot be nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[stepType]; exists {
		return fault.Newf(fault.KindValidation, "duplicate_handler", "handler already registered for type %q", stepType)
	}
	e.handlers[stepType] = h
	return nil
}

// StopIntake makes subsequent Execute calls fail. In-flight runs continue;
// use Wait to drain them.
func (e *Executor) StopIntake() {
	e.closed.Store(true)
}

// Wait blocks until all in-flight runs finish.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Execute drives a workflow to a terminal status and returns the final run
// context. Calling Execute with the id of a crashed run resumes it: completed
// steps are skipped with their persisted results re-applied to the context
// exactly once, all other steps re-execute carrying their attempt counters.
func (e *Executor) Execute(ctx context.Context, runID, name string, input map[string]interface{}, steps []Step) (map[string]interface{}, error) {
	if e.closed.Load() {
		return nil, fault.New(fault.KindState, "shutting_down", "executor is no longer accepting runs")
	}
	e.wg.Add(1)
	defer e.wg.Done()

	e.mu.RLock()
	handlers := e.handlers
	err := validateWorkflow(steps, handlers)
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if err := e.store.CreateRun(ctx, runID, name, input); err != nil {
		return nil, err
	}
	run, stepRecords, err := e.store.GetRunState(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run.Context, fault.Newf(fault.KindValidation, "terminal_run", "run %q already finished as %s", runID, run.Status)
	}

	runCtx := copyMap(input)
	mergeResult(runCtx, run.Context)
	persisted := make(map[string]store.StepRecord, len(stepRecords))
	for _, rec := range stepRecords {
		persisted[rec.StepID] = rec
	}

	e.emitter.Emit(emit.Event{RunID: runID, Type: emit.TypeWorkflowStarted, Msg: "run " + name + " executing"})

	for _, step := range steps {
		if rec, ok := persisted[step.ID]; ok && rec.Status == store.StepCompleted {
			// Resume: re-apply the persisted result instead of
			// re-executing.
			mergeResult(runCtx, rec.Result)
			continue
		}

		var stepErr error
		if step.parallel() {
			stepErr = e.runParallel(ctx, runID, step, runCtx, persisted)
		} else {
			stepErr = e.runStep(ctx, runID, step, runCtx, persisted[step.ID].Attempts, runCtx)
		}
		if stepErr != nil {
			if serr := e.store.UpdateRunStatus(ctx, runID, store.RunFailed); serr != nil && !errors.Is(serr, store.ErrTerminalRun) {
				e.emitter.Emit(emit.Event{RunID: runID, Type: emit.TypeWorkflowFailed, Msg: "failed to persist run failure", Meta: map[string]interface{}{"error": serr.Error()}})
			}
			e.emitter.Emit(emit.Event{
				RunID: runID,
				Type:  emit.TypeWorkflowFailed,
				Msg:   "run failed at step " + step.ID,
				Meta:  map[string]interface{}{"error": stepErr.Error(), "step_id": step.ID},
			})
			return runCtx, stepErr
		}
	}

	if err := e.store.UpdateRunStatus(ctx, runID, store.RunCompleted); err != nil {
		return runCtx, err
	}
	e.emitter.Emit(emit.Event{RunID: runID, Type: emit.TypeWorkflowCompleted, Msg: "run " + name + " completed"})
	return runCtx, nil
}

// runStep executes one atomic step with retry and backoff. handlerCtx is the
// context map handed to the handler and merged into on success; persistCtx is
// the run context persisted at checkpoint, or nil for parallel-for children
// whose results stay on their own step row.
func (e *Executor) runStep(ctx context.Context, runID string, step Step, handlerCtx map[string]interface{}, priorAttempts int, persistCtx map[string]interface{}) error {
	e.mu.RLock()
	handler := e.handlers[step.Type]
	e.mu.RUnlock()

	attempts := priorAttempts
	for {
		attempts++
		if err := e.store.UpsertStep(ctx, store.StepRecord{
			RunID: runID, StepID: step.ID, Status: store.StepRunning, Attempts: attempts,
		}); err != nil {
			return err
		}
		e.emitter.Emit(emit.Event{
			RunID: runID, StepID: step.ID, Type: emit.TypeStepStarted,
			Msg:  "step attempt " + strconv.Itoa(attempts),
			Meta: map[string]interface{}{"attempt": attempts},
		})

		e.metrics.stepStarted()
		start := time.Now()
		result, err := e.invoke(ctx, step, handler, handlerCtx)
		if err == nil {
			mergeResult(handlerCtx, result)
			err = e.checkpoint(ctx, runID, step, result, attempts, persistCtx)
			if err == nil {
				e.metrics.stepFinished(runID, step.ID, time.Since(start), "success")
				e.emitter.Emit(emit.Event{
					RunID: runID, StepID: step.ID, Type: emit.TypeStepCompleted,
					Msg:  "step completed",
					Meta: map[string]interface{}{"attempt": attempts, "duration_ms": time.Since(start).Milliseconds()},
				})
				return nil
			}
		}

		status := "error"
		if fault.KindOf(err) == fault.KindTimeout {
			status = "timeout"
		}
		e.metrics.stepFinished(runID, step.ID, time.Since(start), status)

		if !shouldRetry(err) || attempts >= step.retries() {
			if uerr := e.store.UpsertStep(ctx, store.StepRecord{
				RunID: runID, StepID: step.ID, Status: store.StepFailed, Attempts: attempts,
			}); uerr != nil {
				return uerr
			}
			_ = e.store.LogEvent(ctx, runID, emit.TypeStepFailed, map[string]interface{}{
				"step_id":     step.ID,
				"error":       err.Error(),
				"kind":        string(fault.KindOf(err)),
				"recoverable": fault.IsRecoverable(err),
				"attempts":    attempts,
			})
			e.emitter.Emit(emit.Event{
				RunID: runID, StepID: step.ID, Type: emit.TypeStepFailed,
				Msg:  "step failed after " + strconv.Itoa(attempts) + " attempts",
				Meta: map[string]interface{}{"error": err.Error(), "attempts": attempts},
			})
			return err
		}

		e.metrics.retryScheduled(runID, step.ID, status)
		e.emitter.Emit(emit.Event{
			RunID: runID, StepID: step.ID, Type: emit.TypeStepRetried,
			Msg:  "retrying after " + status,
			Meta: map[string]interface{}{"attempt": attempts, "error": err.Error()},
		})
		if serr := sleepBackoff(ctx, step.backoff()*time.Duration(1<<(attempts-1))); serr != nil {
			return serr
		}
	}
}

// invoke runs the handler for one attempt, enforcing the step timeout. An
// expired timeout abandons the invocation; the goroutine may linger until the
// handler observes cancellation, but the attempt is already counted.
func (e *Executor) invoke(ctx context.Context, step Step, handler Handler, runCtx map[string]interface{}) (map[string]interface{}, error) {
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	type outcome struct {
		result map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(ctx, step, runCtx)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindTimeout, "step_timeout", "step "+step.ID+" timed out", ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// checkpoint durably records a completed step: the step row, the
// step_completed audit event, and, when the result carries
// fallbackApplied=true, the quota_fallback event plus the run context's
// last_quota_fallback marker, all in one transaction.
func (e *Executor) checkpoint(ctx context.Context, runID string, step Step, result map[string]interface{}, attempts int, persistCtx map[string]interface{}) error {
	fallback, _ := result["fallbackApplied"].(bool)
	provider, _ := result["provider"].(string)
	reason, _ := result["reason"].(string)

	if fallback && persistCtx != nil {
		persistCtx["last_quota_fallback"] = map[string]interface{}{
			"step_id":  step.ID,
			"provider": provider,
			"reason":   reason,
			"at":       time.Now().Format(time.RFC3339Nano),
		}
	}

	err := e.store.Transaction(ctx, func(m store.Mutator) error {
		if err := m.UpsertStep(ctx, store.StepRecord{
			RunID: runID, StepID: step.ID, Status: store.StepCompleted,
			Result: result, Attempts: attempts,
		}); err != nil {
			return err
		}
		if err := m.LogEvent(ctx, runID, emit.TypeStepCompleted, map[string]interface{}{
			"step_id": step.ID, "attempts": attempts,
		}); err != nil {
			return err
		}
		if fallback {
			if err := m.LogEvent(ctx, runID, emit.TypeQuotaFallback, map[string]interface{}{
				"step_id": step.ID, "provider": provider, "reason": reason,
			}); err != nil {
				return err
			}
		}
		if persistCtx != nil {
			return m.UpdateRunContext(ctx, runID, persistCtx)
		}
		return nil
	})
	if err != nil {
		return fault.Wrap(fault.KindState, "checkpoint_failed", "failed to checkpoint step "+step.ID, err)
	}

	if fallback {
		e.metrics.fallbackApplied(runID, provider)
		e.emitter.Emit(emit.Event{
			RunID: runID, StepID: step.ID, Type: emit.TypeQuotaFallback,
			Msg:  "quota fallback recorded",
			Meta: map[string]interface{}{"provider": provider, "reason": reason},
		})
	}
	return nil
}

// runParallel fans a step out over the list addressed by Foreach. Children
// run under a bounded pool; a child failure fails the parent but does not
// cancel siblings, which run to their own completion or retry exhaustion.
func (e *Executor) runParallel(ctx context.Context, runID string, step Step, runCtx map[string]interface{}, persisted map[string]store.StepRecord) error {
	attempts := persisted[step.ID].Attempts + 1
	if err := e.store.UpsertStep(ctx, store.StepRecord{
		RunID: runID, StepID: step.ID, Status: store.StepRunning, Attempts: attempts,
	}); err != nil {
		return err
	}

	var items []interface{}
	if raw, ok := lookupPath(runCtx, step.Foreach); ok {
		items, ok = raw.([]interface{})
		if !ok {
			return fault.Newf(fault.KindValidation, "foreach_not_list", "step %q foreach path %q is not a list", step.ID, step.Foreach)
		}
	}

	var (
		sem       = make(chan struct{}, step.concurrency())
		wg        sync.WaitGroup
		mu        sync.Mutex
		firstErr  error
		completed int
	)
	for i, item := range items {
		childID := step.ID + ":" + strconv.Itoa(i)
		if rec, ok := persisted[childID]; ok && rec.Status == store.StepCompleted {
			completed++
			continue
		}
		prior := persisted[childID].Attempts

		wg.Add(1)
		go func(index int, item interface{}, childID string, prior int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			child := *step.Substep
			child.ID = childID
			childCtx := copyMap(runCtx)
			childCtx["item"] = item
			childCtx["index"] = index

			err := e.runStep(ctx, runID, child, childCtx, prior, nil)
			mu.Lock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else {
				completed++
			}
			mu.Unlock()
		}(i, item, childID, prior)
	}
	wg.Wait()

	if firstErr != nil {
		if uerr := e.store.UpsertStep(ctx, store.StepRecord{
			RunID: runID, StepID: step.ID, Status: store.StepFailed, Attempts: attempts,
		}); uerr != nil {
			return uerr
		}
		_ = e.store.LogEvent(ctx, runID, emit.TypeStepFailed, map[string]interface{}{
			"step_id": step.ID, "error": firstErr.Error(), "completed_children": completed,
		})
		return firstErr
	}

	result := map[string]interface{}{"completed": completed}
	mergeResult(runCtx, result)
	return e.checkpoint(ctx, runID, step, result, attempts, runCtx)
}

// shouldRetry reports whether a failed attempt may be retried. Classified
// faults follow the kind's recoverability; untagged errors are treated as
// transient; cancellation never retries.
func shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Recoverable()
	}
	return true
}

// sleepBackoff sleeps d or returns early if the context is canceled.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
