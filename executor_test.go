package orch

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/opencode-go/orch/emit"
	"github.com/dshills/opencode-go/orch/fault"
	"github.com/dshills/opencode-go/orch/store"
)

func newTestExecutor(t *testing.T) (*Executor, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	e, err := NewExecutor(Config{Store: st})
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}
	return e, st
}

// TestExecuteLinearWorkflow verifies a simple run completes with merged
// context.
func TestExecuteLinearWorkflow(t *testing.T) {
	e, st := newTestExecutor(t)
	ctx := context.Background()

	e.Register("produce", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"x": float64(1)}, nil
	})
	e.Register("consume", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		x, _ := rc["x"].(float64)
		return map[string]interface{}{"y": x + 1}, nil
	})

	final, err := e.Execute(ctx, "run-1", "linear", map[string]interface{}{"seed": "s"}, []Step{
		{ID: "a", Type: "produce"},
		{ID: "b", Type: "consume"},
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	// Test 1: context carries input and both results.
	if final["seed"] != "s" || final["x"] != float64(1) || final["y"] != float64(2) {
		t.Errorf("unexpected final context: %v", final)
	}

	// Test 2: run reached completed, both steps completed at attempt 1.
	run, steps, err := st.GetRunState(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run state: %v", err)
	}
	if run.Status != store.RunCompleted {
		t.Errorf("expected completed run, got %s", run.Status)
	}
	for _, rec := range steps {
		if rec.Status != store.StepCompleted || rec.Attempts != 1 {
			t.Errorf("step %s: expected completed/1, got %s/%d", rec.StepID, rec.Status, rec.Attempts)
		}
	}
}

// TestRetryThenSuccess verifies recoverable failures are retried with
// counted attempts.
func TestRetryThenSuccess(t *testing.T) {
	e, st := newTestExecutor(t)
	ctx := context.Background()

	var calls int32
	e.Register("flaky", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, fault.New(fault.KindNetwork, "reset", "connection reset")
		}
		return map[string]interface{}{"ok": true}, nil
	})

	final, err := e.Execute(ctx, "run-retry", "retry", nil, []Step{
		{ID: "a", Type: "flaky", Backoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if final["ok"] != true {
		t.Errorf("expected handler result merged, got %v", final)
	}

	_, steps, _ := st.GetRunState(ctx, "run-retry")
	if len(steps) != 1 || steps[0].Attempts != 3 {
		t.Errorf("expected 3 attempts persisted, got %+v", steps)
	}
}

// TestRetryExhaustionFailsRun verifies the run transitions to failed after
// the attempt cap.
func TestRetryExhaustionFailsRun(t *testing.T) {
	e, st := newTestExecutor(t)
	ctx := context.Background()

	e.Register("doomed", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		return nil, fault.New(fault.KindProvider, "boom", "always fails")
	})

	_, err := e.Execute(ctx, "run-fail", "fail", nil, []Step{
		{ID: "a", Type: "doomed", Retries: 2, Backoff: time.Millisecond},
	})
	if err == nil {
		t.Fatal("expected run failure")
	}

	run, steps, _ := st.GetRunState(ctx, "run-fail")
	if run.Status != store.RunFailed {
		t.Errorf("expected failed run, got %s", run.Status)
	}
	if len(steps) != 1 || steps[0].Status != store.StepFailed || steps[0].Attempts != 2 {
		t.Errorf("expected step failed at attempt 2, got %+v", steps)
	}

	// A step_failed audit event carries the error.
	events, _ := st.Events(ctx, "run-fail")
	var sawFailed bool
	for _, ev := range events {
		if ev.Type == emit.TypeStepFailed {
			sawFailed = true
		}
	}
	if !sawFailed {
		t.Error("expected step_failed audit event")
	}
}

// TestTerminalErrorSkipsRetries verifies non-recoverable faults fail fast.
func TestTerminalErrorSkipsRetries(t *testing.T) {
	e, st := newTestExecutor(t)
	ctx := context.Background()

	var calls int32
	e.Register("badauth", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fault.New(fault.KindAuth, "expired", "credential expired")
	})

	_, err := e.Execute(ctx, "run-auth", "auth", nil, []Step{
		{ID: "a", Type: "badauth", Backoff: time.Millisecond},
	})
	if err == nil {
		t.Fatal("expected run failure")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 attempt for terminal fault, got %d", calls)
	}
	_, steps, _ := st.GetRunState(ctx, "run-auth")
	if steps[0].Attempts != 1 {
		t.Errorf("expected attempt counter 1, got %d", steps[0].Attempts)
	}
}

// TestStepTimeout verifies an expired timeout abandons the attempt and
// counts it.
func TestStepTimeout(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	e.Register("slow", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	start := time.Now()
	_, err := e.Execute(ctx, "run-timeout", "timeout", nil, []Step{
		{ID: "a", Type: "slow", Retries: 1, Timeout: 20 * time.Millisecond, Backoff: time.Millisecond},
	})
	if err == nil {
		t.Fatal("expected timeout failure")
	}
	if fault.KindOf(err) != fault.KindTimeout {
		t.Errorf("expected timeout kind, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("attempt was not abandoned at the timeout")
	}
}

// TestResumeAfterCrash runs the crash scenario: A completes and persists,
// B crashes mid-step, and the resumed run skips A, retries B from attempt 1's
// counter, and runs C.
func TestResumeAfterCrash(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewSQLiteStore(dir + "/runs.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	crash := errors.New("simulated crash")
	steps := []Step{
		{ID: "A", Type: "a"},
		{ID: "B", Type: "b", Retries: 1, Backoff: time.Millisecond},
		{ID: "C", Type: "c"},
	}

	var aRuns int32
	build := func(st store.Store, bFails bool) *Executor {
		e, err := NewExecutor(Config{Store: st})
		if err != nil {
			t.Fatalf("new executor: %v", err)
		}
		e.Register("a", func(ctx context.Context, s Step, rc map[string]interface{}) (map[string]interface{}, error) {
			atomic.AddInt32(&aRuns, 1)
			return map[string]interface{}{"x": float64(1)}, nil
		})
		e.Register("b", func(ctx context.Context, s Step, rc map[string]interface{}) (map[string]interface{}, error) {
			if bFails {
				return nil, crash
			}
			return map[string]interface{}{"y": float64(2)}, nil
		})
		e.Register("c", func(ctx context.Context, s Step, rc map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"z": float64(3)}, nil
		})
		return e
	}

	// First process: A persists, B fails its single attempt, run marked
	// failed — standing in for a crash mid-B.
	ctx := context.Background()
	e1 := build(st, true)
	if _, err := e1.Execute(ctx, "run-crash", "crashy", nil, steps); err == nil {
		t.Fatal("expected first execution to fail at B")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Second process over the same database file.
	st2, err := store.NewSQLiteStore(dir + "/runs.db")
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()

	// A true crash leaves the run in status running with partial step
	// rows. Stage that directly: checkpoint A, leave B mid-attempt, and
	// never write a terminal status.
	e2 := build(st2, true)
	if err := st2.CreateRun(ctx, "run-resume", "crashy", nil); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := e2.runStep(ctx, "run-resume", steps[0], map[string]interface{}{}, 0, map[string]interface{}{}); err != nil {
		t.Fatalf("run step A: %v", err)
	}
	// B starts and crashes: persist a running row with one attempt.
	if err := st2.UpsertStep(ctx, store.StepRecord{RunID: "run-resume", StepID: "B", Status: store.StepRunning, Attempts: 1}); err != nil {
		t.Fatalf("seed B: %v", err)
	}

	aRunsBefore := atomic.LoadInt32(&aRuns)
	e3 := build(st2, false)
	final, err := e3.Execute(ctx, "run-resume", "crashy", nil, steps)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	// Test 1: A was not re-executed; its result was re-applied.
	if atomic.LoadInt32(&aRuns) != aRunsBefore {
		t.Error("completed step A was re-executed on resume")
	}
	if final["x"] != float64(1) || final["y"] != float64(2) || final["z"] != float64(3) {
		t.Errorf("final context missing merged results: %v", final)
	}

	// Test 2: B carried its attempt counter forward.
	_, recs, _ := st2.GetRunState(ctx, "run-resume")
	for _, rec := range recs {
		if rec.StepID == "B" && rec.Attempts != 2 {
			t.Errorf("expected B resumed at attempt 2, got %d", rec.Attempts)
		}
	}
}

// TestParallelForConcurrency runs the fan-out scenario: 20 items at
// concurrency 5, never more than 5 handlers in flight, all children in the
// step table.
func TestParallelForConcurrency(t *testing.T) {
	e, st := newTestExecutor(t)
	ctx := context.Background()

	var inflight, peak int32
	e.Register("work", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		n := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return map[string]interface{}{"done": rc["index"]}, nil
	})

	items := make([]interface{}, 20)
	for i := range items {
		items[i] = i
	}

	final, err := e.Execute(ctx, "run-fan", "fanout",
		map[string]interface{}{"items": items},
		[]Step{{ID: "step", Foreach: "items", Concurrency: 5, Substep: &Step{Type: "work"}}},
	)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	// Test 1: pool bound held.
	if p := atomic.LoadInt32(&peak); p > 5 {
		t.Errorf("concurrency ceiling violated: peak %d", p)
	}

	// Test 2: parent records the completed-child count.
	if final["completed"] != 20 {
		t.Errorf("expected completed=20 on parent, got %v", final["completed"])
	}

	// Test 3: children step:0 … step:19 all completed in the step table.
	_, recs, _ := st.GetRunState(ctx, "run-fan")
	children := make(map[string]store.StepRecord)
	for _, rec := range recs {
		children[rec.StepID] = rec
	}
	for i := 0; i < 20; i++ {
		id := "step:" + strconv.Itoa(i)
		rec, ok := children[id]
		if !ok || rec.Status != store.StepCompleted {
			t.Errorf("child %s missing or not completed: %+v", id, rec)
		}
	}
}

// TestParallelForEmptyList verifies the boundary case: immediate completion
// with count 0.
func TestParallelForEmptyList(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Register("work", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		t.Error("handler must not run for an empty list")
		return nil, nil
	})

	final, err := e.Execute(context.Background(), "run-empty", "empty",
		map[string]interface{}{"items": []interface{}{}},
		[]Step{{ID: "step", Foreach: "items", Substep: &Step{Type: "work"}}},
	)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if final["completed"] != 0 {
		t.Errorf("expected completed=0, got %v", final["completed"])
	}
}

// TestParallelForNoSiblingCancellation verifies a failing child does not
// cancel its siblings.
func TestParallelForNoSiblingCancellation(t *testing.T) {
	e, st := newTestExecutor(t)
	ctx := context.Background()

	var finished int32
	e.Register("mixed", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		idx, _ := rc["index"].(int)
		if idx == 0 {
			return nil, fault.New(fault.KindValidation, "bad_item", "item rejected")
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&finished, 1)
		return nil, nil
	})

	_, err := e.Execute(ctx, "run-sib", "siblings",
		map[string]interface{}{"items": []interface{}{0, 1, 2, 3}},
		[]Step{{ID: "step", Foreach: "items", Substep: &Step{Type: "mixed", Retries: 1, Backoff: time.Millisecond}}},
	)
	if err == nil {
		t.Fatal("expected run failure from the bad child")
	}

	// All three healthy siblings ran to completion despite the failure.
	if got := atomic.LoadInt32(&finished); got != 3 {
		t.Errorf("expected 3 siblings to finish, got %d", got)
	}
	_, recs, _ := st.GetRunState(ctx, "run-sib")
	var failed, completed int
	for _, rec := range recs {
		switch {
		case rec.StepID == "step:0" && rec.Status == store.StepFailed:
			failed++
		case rec.Status == store.StepCompleted:
			completed++
		}
	}
	if failed != 1 || completed != 3 {
		t.Errorf("expected 1 failed + 3 completed children, got %d/%d", failed, completed)
	}
}

// TestQuotaFallbackCheckpoint verifies the fallbackApplied result writes the
// quota_fallback event and last_quota_fallback context marker transactionally.
func TestQuotaFallbackCheckpoint(t *testing.T) {
	e, st := newTestExecutor(t)
	ctx := context.Background()

	e.Register("route", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{
			"fallbackApplied": true,
			"provider":        "p2",
			"reason":          "p1 quota exhausted",
		}, nil
	})

	final, err := e.Execute(ctx, "run-fb", "fallback", nil, []Step{{ID: "a", Type: "route"}})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	// Test 1: context marker set.
	marker, ok := final["last_quota_fallback"].(map[string]interface{})
	if !ok || marker["provider"] != "p2" || marker["step_id"] != "a" {
		t.Errorf("expected last_quota_fallback marker, got %v", final["last_quota_fallback"])
	}

	// Test 2: quota_fallback event in the audit trail.
	events, _ := st.Events(ctx, "run-fb")
	var sawFallback bool
	for _, ev := range events {
		if ev.Type == emit.TypeQuotaFallback && ev.Payload["provider"] == "p2" {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Error("expected quota_fallback audit event")
	}

	// Test 3: the persisted run context carries the marker durably.
	run, _, _ := st.GetRunState(ctx, "run-fb")
	if _, ok := run.Context["last_quota_fallback"]; !ok {
		t.Error("expected last_quota_fallback persisted in run context")
	}
}

// TestCreateRunIdempotentThroughExecutor verifies executing a completed run id
// again does not re-run it.
func TestCompletedRunIsNotReExecuted(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	var calls int32
	e.Register("once", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})

	steps := []Step{{ID: "a", Type: "once"}}
	if _, err := e.Execute(ctx, "run-once", "once", nil, steps); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if _, err := e.Execute(ctx, "run-once", "once", nil, steps); err == nil {
		t.Fatal("expected terminal-run error on re-execute")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}
}

// TestValidation verifies workflow shape errors.
func TestValidation(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Register("h", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})
	ctx := context.Background()

	cases := []struct {
		name  string
		steps []Step
	}{
		{"empty workflow", nil},
		{"duplicate ids", []Step{{ID: "a", Type: "h"}, {ID: "a", Type: "h"}}},
		{"unknown handler", []Step{{ID: "a", Type: "nope"}}},
		{"parallel without substep", []Step{{ID: "a", Foreach: "items"}}},
	}
	for _, tc := range cases {
		if _, err := e.Execute(ctx, "run-v", "v", nil, tc.steps); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		} else if fault.KindOf(err) != fault.KindValidation {
			t.Errorf("%s: expected validation kind, got %v", tc.name, err)
		}
	}
}

// TestStopIntake verifies the executor rejects new runs after StopIntake.
func TestStopIntake(t *testing.T) {
	e, _ := newTestExecutor(t)
	e.Register("h", func(ctx context.Context, step Step, rc map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})
	e.StopIntake()
	if _, err := e.Execute(context.Background(), "run-x", "x", nil, []Step{{ID: "a", Type: "h"}}); err == nil {
		t.Fatal("expected intake rejection after StopIntake")
	}
}

// TestAddWarning verifies governor-style warnings accumulate in the context.
func TestAddWarning(t *testing.T) {
	rc := map[string]interface{}{}
	AddWarning(rc, "budget persistence failed")
	AddWarning(rc, "tier resolver state stale")

	warnings, _ := rc["warnings"].([]interface{})
	if len(warnings) != 2 || warnings[0] != "budget persistence failed" {
		t.Errorf("unexpected warnings: %v", warnings)
	}
}
