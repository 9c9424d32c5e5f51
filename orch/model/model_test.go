package model

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/opencode-go/orch/fault"
)

// TestMockScript verifies scripted responses serve in order and the last one
// repeats.
func TestMockScript(t *testing.T) {
	m := NewMock(
		Response{Text: "first", Usage: Usage{InputTokens: 5, OutputTokens: 7}},
		Response{Text: "second"},
	)

	ctx := context.Background()
	req := Request{Model: "test-model", Messages: []Message{{Role: RoleUser, Content: "hi"}}}

	// Test 1: scripted order.
	resp, err := m.Call(ctx, req)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if resp.Text != "first" || resp.Usage.Total() != 12 {
		t.Errorf("unexpected first response: %+v", resp)
	}
	if resp.Model != "test-model" || resp.Provider != "mock" {
		t.Errorf("expected model/provider filled in, got %+v", resp)
	}

	// Test 2: last entry repeats after the script runs out.
	m.Call(ctx, req)
	resp, _ = m.Call(ctx, req)
	if resp.Text != "second" {
		t.Errorf("expected last entry repeated, got %q", resp.Text)
	}

	// Test 3: calls are recorded.
	if got := len(m.Calls()); got != 3 {
		t.Errorf("expected 3 recorded calls, got %d", got)
	}
}

// TestMockEcho verifies the unscripted mock echoes the last user message.
func TestMockEcho(t *testing.T) {
	m := NewMock()
	resp, err := m.Call(context.Background(), Request{Messages: []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
		{Role: RoleUser, Content: "bye"},
	}})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if resp.Text != "bye" {
		t.Errorf("expected echo of last user message, got %q", resp.Text)
	}
}

// TestMockFailWith verifies queued errors surface before the script.
func TestMockFailWith(t *testing.T) {
	injected := errors.New("boom")
	m := NewMock(Response{Text: "ok"}).FailWith(injected)

	if _, err := m.Call(context.Background(), Request{}); !errors.Is(err, injected) {
		t.Errorf("expected injected error, got %v", err)
	}
	resp, err := m.Call(context.Background(), Request{})
	if err != nil || resp.Text != "ok" {
		t.Errorf("expected script to resume after error, got %v %v", resp, err)
	}
}

// TestMockRespectsCancellation verifies canceled contexts short-circuit.
func TestMockRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMock().Call(ctx, Request{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// TestClassifyProviderError verifies the error-string taxonomy maps to the
// right fault kinds and recoverability.
func TestClassifyProviderError(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		kind        fault.Kind
		recoverable bool
	}{
		{"auth", errors.New("401 unauthorized"), fault.KindAuth, false},
		{"rate", errors.New("429 too many requests"), fault.KindRate, true},
		{"quota", errors.New("insufficient_quota for org"), fault.KindRate, true},
		{"server", errors.New("503 service unavailable"), fault.KindProvider, true},
		{"timeout", errors.New("request timeout"), fault.KindTimeout, true},
		{"network", errors.New("connection refused"), fault.KindNetwork, true},
		{"unknown", errors.New("something odd"), fault.KindProvider, true},
	}

	for _, tc := range cases {
		classified := ClassifyProviderError("test", tc.err)
		if got := fault.KindOf(classified); got != tc.kind {
			t.Errorf("%s: expected kind %s, got %s", tc.name, tc.kind, got)
		}
		if got := fault.IsRecoverable(classified); got != tc.recoverable {
			t.Errorf("%s: expected recoverable=%v, got %v", tc.name, tc.recoverable, got)
		}
		if !errors.Is(classified, tc.err) {
			t.Errorf("%s: cause not preserved", tc.name)
		}
	}

	// Context cancellation passes through unwrapped.
	if got := ClassifyProviderError("test", context.Canceled); !errors.Is(got, context.Canceled) {
		t.Errorf("expected context.Canceled passthrough, got %v", got)
	}
	if got := ClassifyProviderError("test", nil); got != nil {
		t.Errorf("expected nil for nil, got %v", got)
	}
}
