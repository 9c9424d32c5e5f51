package router

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/dshills/opencode-go/orch/budget"
	"github.com/dshills/opencode-go/orch/store"
)

// fakeQuota answers quota questions from a fixed table.
type fakeQuota struct {
	statuses map[string]budget.QuotaStatus
}

func (f *fakeQuota) GetQuotaStatus(_ context.Context, provider string) (budget.QuotaStatus, error) {
	if s, ok := f.statuses[provider]; ok {
		return s, nil
	}
	return budget.QuotaStatus{Provider: provider, Status: budget.QuotaHealthy}, nil
}

// memoryDecisions captures appended decisions for inspection.
type memoryDecisions struct {
	rows []store.RoutingDecision
}

func (m *memoryDecisions) AppendDecision(_ context.Context, dec store.RoutingDecision) error {
	m.rows = append(m.rows, dec)
	return nil
}

func twoProviderRouter(quota QuotaSource, decisions DecisionLog) *Router {
	r := New(Config{
		Preferences: map[string][]string{
			"standard": {"model-p1", "model-p2"},
		},
		ProviderWeights: map[string]float64{"p1": 0.60, "p2": 0.40},
		Quota:           quota,
		Decisions:       decisions,
	})
	r.Register(Profile{ID: "model-p1", Provider: "p1", CostTier: "medium"})
	r.Register(Profile{ID: "model-p2", Provider: "p2", CostTier: "medium"})
	return r
}

// TestSelectModelPreference verifies the preferred model wins when providers
// are healthy.
func TestSelectModelPreference(t *testing.T) {
	r := twoProviderRouter(nil, nil)

	sel, err := r.SelectModel(context.Background(), Task{Session: "s", Name: "t", Complexity: "standard"})
	if err != nil {
		t.Fatalf("SelectModel failed: %v", err)
	}
	if sel.Model != "model-p1" {
		t.Errorf("expected preferred model-p1, got %s", sel.Model)
	}
	if len(sel.Fallbacks) != 1 || sel.Fallbacks[0] != "model-p2" {
		t.Errorf("expected fallback chain [model-p2], got %v", sel.Fallbacks)
	}
	if sel.FallbackApplied {
		t.Error("no fallback expected on healthy providers")
	}
}

// TestQuotaFallback verifies an exhausted provider reroutes to the next
// candidate and logs the decision with the original selection.
func TestQuotaFallback(t *testing.T) {
	quota := &fakeQuota{statuses: map[string]budget.QuotaStatus{
		"p1": {Provider: "p1", Status: budget.QuotaExhausted, Percent: 1.0},
		"p2": {Provider: "p2", Status: budget.QuotaHealthy, Percent: 0.2},
	}}
	decisions := &memoryDecisions{}
	r := twoProviderRouter(quota, decisions)

	sel, err := r.SelectModel(context.Background(), Task{Session: "s1", Name: "summarize", Complexity: "standard"})
	if err != nil {
		t.Fatalf("SelectModel failed: %v", err)
	}

	if sel.Model != "model-p2" || !sel.FallbackApplied {
		t.Errorf("expected fallback to model-p2, got %+v", sel)
	}
	if sel.QuotaSignal == nil || sel.QuotaSignal.Provider != "p1" || !sel.QuotaSignal.FallbackApplied {
		t.Errorf("expected quota signal naming p1, got %+v", sel.QuotaSignal)
	}

	if len(decisions.rows) != 1 {
		t.Fatalf("expected 1 logged decision, got %d", len(decisions.rows))
	}
	dec := decisions.rows[0]
	if dec.OriginalSelection != "model-p1" || dec.FinalSelection != "model-p2" {
		t.Errorf("decision selections wrong: %+v", dec)
	}
	if !dec.FallbackApplied {
		t.Error("decision should record fallback_applied")
	}
	if dec.QuotaFactors["p1"] != "exhausted" {
		t.Errorf("expected p1 exhausted in quota factors, got %v", dec.QuotaFactors)
	}
}

// TestQuotaCriticalFlagsSelection verifies critical providers keep the
// selection but attach a quota signal.
func TestQuotaCriticalFlagsSelection(t *testing.T) {
	quota := &fakeQuota{statuses: map[string]budget.QuotaStatus{
		"p1": {Provider: "p1", Status: budget.QuotaCritical, Percent: 0.96},
	}}
	r := twoProviderRouter(quota, nil)

	sel, err := r.SelectModel(context.Background(), Task{Complexity: "standard"})
	if err != nil {
		t.Fatalf("SelectModel failed: %v", err)
	}
	if sel.Model != "model-p1" || sel.FallbackApplied {
		t.Errorf("critical should not reroute, got %+v", sel)
	}
	if sel.QuotaSignal == nil || sel.QuotaSignal.Status != "critical" {
		t.Errorf("expected critical quota signal, got %+v", sel.QuotaSignal)
	}
}

// TestAllProvidersExhausted verifies the original selection survives, flagged,
// when no fallback has quota.
func TestAllProvidersExhausted(t *testing.T) {
	quota := &fakeQuota{statuses: map[string]budget.QuotaStatus{
		"p1": {Provider: "p1", Status: budget.QuotaExhausted, Percent: 1.0},
		"p2": {Provider: "p2", Status: budget.QuotaExhausted, Percent: 1.0},
	}}
	r := twoProviderRouter(quota, nil)

	sel, err := r.SelectModel(context.Background(), Task{Complexity: "standard"})
	if err != nil {
		t.Fatalf("SelectModel failed: %v", err)
	}
	if sel.Model != "model-p1" || sel.FallbackApplied {
		t.Errorf("expected original selection kept, got %+v", sel)
	}
	if sel.QuotaSignal == nil {
		t.Error("expected a quota signal when everything is exhausted")
	}
}

// TestStrengthBonus verifies a matching strength tag can flip the ranking.
func TestStrengthBonus(t *testing.T) {
	r := New(Config{
		Preferences: map[string][]string{"standard": {"a", "b"}},
	})
	r.Register(Profile{ID: "a", Provider: "p", CostTier: "medium"})
	r.Register(Profile{ID: "b", Provider: "p", CostTier: "medium", Strengths: []string{"vision"}})

	// Without the tag, preference order wins.
	sel, _ := r.SelectModel(context.Background(), Task{Complexity: "standard"})
	if sel.Model != "a" {
		t.Fatalf("expected a without strengths, got %s", sel.Model)
	}

	// The +0.10 vision bonus outweighs b's preference deficit (0.25 * 0.5).
	// b gains 0.10 but loses 0.125 on preference... so a still wins; use a
	// tier mismatch to separate them instead.
	sel, _ = r.SelectModel(context.Background(), Task{
		Complexity: "standard", Strengths: []string{"vision"}, CostTier: "medium",
	})
	if sel.Model != "a" {
		t.Fatalf("preference should still dominate a single bonus, got %s", sel.Model)
	}

	// With no preference list for this complexity, the bonus decides.
	sel, _ = r.SelectModel(context.Background(), Task{Complexity: "unknown", Strengths: []string{"vision"}})
	if sel.Model != "b" {
		t.Errorf("expected strength bonus to pick b, got %s", sel.Model)
	}
}

// TestTierMatchScoring verifies exact/adjacent/distant tier scores.
func TestTierMatchScoring(t *testing.T) {
	if got := tierMatch("low", "low"); got != 1.0 {
		t.Errorf("exact match should be 1.0, got %f", got)
	}
	if got := tierMatch("medium", "low"); got != 0.5 {
		t.Errorf("adjacent should be 0.5, got %f", got)
	}
	if got := tierMatch("high", "low"); got != 0.0 {
		t.Errorf("distant should be 0, got %f", got)
	}
	if got := tierMatch("high", ""); got != 1.0 {
		t.Errorf("unrequested tier should match fully, got %f", got)
	}
}

// TestRecordOutcomeEWMA verifies the decay math for success rate and latency.
func TestRecordOutcomeEWMA(t *testing.T) {
	r := New(Config{})
	r.Register(Profile{ID: "m", Provider: "p", CostTier: "low", DefaultSuccessRate: 0.5})

	// Test 1: one failure decays 0.5 toward 0: 0.8*0.5 = 0.40.
	if err := r.RecordOutcome("m", false, 100); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	state := r.ExportState()
	if got := state.Stats["m"].SuccessRate; math.Abs(got-0.40) > 1e-9 {
		t.Errorf("expected 0.40 after failure, got %f", got)
	}

	// Test 2: one success pulls back up: 0.2*1 + 0.8*0.40 = 0.52.
	_ = r.RecordOutcome("m", true, 300)
	state = r.ExportState()
	stats := state.Stats["m"]
	if math.Abs(stats.SuccessRate-0.52) > 1e-9 {
		t.Errorf("expected 0.52 after success, got %f", stats.SuccessRate)
	}

	// Test 3: latency EWMA from 100: 0.2*300 + 0.8*100 = 140.
	if math.Abs(stats.MeanLatency-140) > 1e-9 {
		t.Errorf("expected mean latency 140, got %f", stats.MeanLatency)
	}
	if stats.Observations != 2 {
		t.Errorf("expected 2 observations, got %d", stats.Observations)
	}
}

// TestLatencyPenalty verifies a p95 over the task ceiling demotes a model.
func TestLatencyPenalty(t *testing.T) {
	r := New(Config{Preferences: map[string][]string{"standard": {"slow", "fast"}}})
	r.Register(Profile{ID: "slow", Provider: "p", CostTier: "low"})
	r.Register(Profile{ID: "fast", Provider: "p", CostTier: "low"})

	for i := 0; i < 10; i++ {
		_ = r.RecordOutcome("slow", true, 5000)
		_ = r.RecordOutcome("fast", true, 50)
	}

	sel, _ := r.SelectModel(context.Background(), Task{Complexity: "standard", MaxLatencyMS: 1000})
	if sel.Model != "fast" {
		t.Errorf("expected latency penalty to pick fast, got %s", sel.Model)
	}
}

// TestStateRoundTrip verifies importState(exportState(X)) = X, including via
// the file persistence helpers.
func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router-state.json")
	r := New(Config{PersistState: FilePersist(path)})
	r.Register(Profile{ID: "m1", Provider: "p1", CostTier: "high", Strengths: []string{"code"}})
	r.Register(Profile{ID: "m2", Provider: "p2", CostTier: "low"})
	_ = r.RecordOutcome("m1", true, 250)
	_ = r.RecordOutcome("m1", false, 400)

	exported := r.ExportState()

	loaded, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}

	fresh := New(Config{})
	fresh.ImportState(loaded)
	restored := fresh.ExportState()

	if len(restored.Profiles) != len(exported.Profiles) {
		t.Fatalf("profile count mismatch: %d vs %d", len(restored.Profiles), len(exported.Profiles))
	}
	for i := range exported.Profiles {
		if restored.Profiles[i].ID != exported.Profiles[i].ID {
			t.Errorf("profile %d mismatch: %+v", i, restored.Profiles[i])
		}
	}
	got, want := restored.Stats["m1"], exported.Stats["m1"]
	if math.Abs(got.SuccessRate-want.SuccessRate) > 1e-9 || got.Observations != want.Observations {
		t.Errorf("stats mismatch: %+v vs %+v", got, want)
	}
	if len(got.Latencies) != len(want.Latencies) {
		t.Errorf("latency sample mismatch: %v vs %v", got.Latencies, want.Latencies)
	}
}

// TestSelectModelNoProfiles verifies the config fault on an empty router.
func TestSelectModelNoProfiles(t *testing.T) {
	r := New(Config{})
	if _, err := r.SelectModel(context.Background(), Task{}); err == nil {
		t.Error("expected an error with no registered profiles")
	}
}

// TestDecisionPersistsToStore verifies end-to-end decision logging into the
// SQLite store.
func TestDecisionPersistsToStore(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer func() { _ = s.Close() }()

	r := twoProviderRouter(nil, s)
	sel, err := r.SelectModel(context.Background(), Task{Session: "sess-9", Name: "review", Complexity: "standard"})
	if err != nil {
		t.Fatalf("SelectModel failed: %v", err)
	}

	rows, err := s.DecisionsBySession(context.Background(), "sess-9", 10)
	if err != nil {
		t.Fatalf("DecisionsBySession failed: %v", err)
	}
	if len(rows) != 1 || rows[0].DecisionID != sel.DecisionID {
		t.Errorf("expected the logged decision, got %v", rows)
	}
}
