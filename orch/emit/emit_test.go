package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestLogEmitterText verifies human-readable output format.
func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{
		RunID:  "run-001",
		StepID: "fetch",
		Type:   TypeStepCompleted,
		Msg:    "handler succeeded",
		Meta:   map[string]interface{}{"attempt": 1},
	})

	out := buf.String()
	for _, want := range []string{"[step_completed]", "runID=run-001", "stepID=fetch", `"handler succeeded"`, `"attempt":1`} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

// TestLogEmitterJSON verifies one parseable JSON object per line.
func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{RunID: "run-001", Type: TypeWorkflowStarted})
	emitter.Emit(Event{RunID: "run-001", StepID: "a", Type: TypeStepStarted})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}
	for i, line := range lines {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Errorf("line %d is not valid JSON: %v", i, err)
		}
	}

	var first map[string]interface{}
	_ = json.Unmarshal([]byte(lines[0]), &first)
	if first["type"] != TypeWorkflowStarted {
		t.Errorf("expected type %q, got %v", TypeWorkflowStarted, first["type"])
	}
	if first["time"] == nil {
		t.Error("expected a time field to be stamped")
	}
}

// TestBufferedEmitterHistory verifies per-run capture and ordering.
func TestBufferedEmitterHistory(t *testing.T) {
	emitter := NewBufferedEmitter()

	emitter.Emit(Event{RunID: "run-a", StepID: "s1", Type: TypeStepStarted})
	emitter.Emit(Event{RunID: "run-a", StepID: "s1", Type: TypeStepCompleted})
	emitter.Emit(Event{RunID: "run-b", StepID: "x", Type: TypeStepFailed})

	history := emitter.History("run-a")
	if len(history) != 2 {
		t.Fatalf("expected 2 events for run-a, got %d", len(history))
	}
	if history[0].Type != TypeStepStarted || history[1].Type != TypeStepCompleted {
		t.Errorf("events out of order: %v, %v", history[0].Type, history[1].Type)
	}

	if got := len(emitter.History("run-b")); got != 1 {
		t.Errorf("expected 1 event for run-b, got %d", got)
	}
	if got := len(emitter.History("run-missing")); got != 0 {
		t.Errorf("expected 0 events for unknown run, got %d", got)
	}
}

// TestBufferedEmitterFilter verifies AND-combined filtering.
func TestBufferedEmitterFilter(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{RunID: "r", StepID: "a", Type: TypeStepCompleted})
	emitter.Emit(Event{RunID: "r", StepID: "b", Type: TypeStepCompleted})
	emitter.Emit(Event{RunID: "r", StepID: "a", Type: TypeStepFailed})

	got := emitter.HistoryWithFilter("r", HistoryFilter{StepID: "a", Type: TypeStepCompleted})
	if len(got) != 1 {
		t.Fatalf("expected 1 filtered event, got %d", len(got))
	}

	all := emitter.HistoryWithFilter("r", HistoryFilter{})
	if len(all) != 3 {
		t.Errorf("empty filter should match all, got %d", len(all))
	}
}

// TestBufferedEmitterClear verifies per-run and global clearing.
func TestBufferedEmitterClear(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{RunID: "a", Type: TypeWorkflowStarted})
	emitter.Emit(Event{RunID: "b", Type: TypeWorkflowStarted})

	emitter.Clear("a")
	if len(emitter.History("a")) != 0 {
		t.Error("expected run-a history cleared")
	}
	if len(emitter.History("b")) != 1 {
		t.Error("expected run-b history intact")
	}

	emitter.Clear("")
	if len(emitter.History("b")) != 0 {
		t.Error("expected all history cleared")
	}
}

// TestMultiEmitterFanOut verifies Multi delivers to every backend and
// tolerates nil entries.
func TestMultiEmitterFanOut(t *testing.T) {
	a := NewBufferedEmitter()
	b := NewBufferedEmitter()
	multi := Multi{a, nil, b}

	multi.Emit(Event{RunID: "r", Type: TypeStepCompleted})

	if len(a.History("r")) != 1 || len(b.History("r")) != 1 {
		t.Error("expected both emitters to receive the event")
	}
}

// TestNullEmitter verifies the no-op emitter accepts events without effect.
func TestNullEmitter(t *testing.T) {
	emitter := NewNullEmitter()
	emitter.Emit(Event{RunID: "r", Type: TypeStepCompleted}) // must not panic
}

// TestOTelEmitterSpans verifies spans carry run and step attributes.
func TestOTelEmitterSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(tp.Tracer("opencode-go-test"))
	emitter.Emit(Event{
		RunID:  "run-001",
		StepID: "route",
		Type:   TypeQuotaFallback,
		Meta:   map[string]interface{}{"provider": "p1", "percent": 1.0},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != TypeQuotaFallback {
		t.Errorf("expected span name %q, got %q", TypeQuotaFallback, span.Name)
	}

	attrs := make(map[string]interface{})
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs["opencode.run_id"] != "run-001" {
		t.Errorf("missing run_id attribute: %v", attrs)
	}
	if attrs["opencode.meta.provider"] != "p1" {
		t.Errorf("missing provider meta attribute: %v", attrs)
	}
}

// TestOTelEmitterBatch verifies EmitBatch produces one span per event.
func TestOTelEmitterBatch(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	emitter := NewOTelEmitter(tp.Tracer("opencode-go-test"))
	events := []Event{
		{RunID: "r", StepID: "a", Type: TypeStepStarted},
		{RunID: "r", StepID: "a", Type: TypeStepCompleted},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch failed: %v", err)
	}
	if got := len(exporter.GetSpans()); got != 2 {
		t.Errorf("expected 2 spans, got %d", got)
	}
}
