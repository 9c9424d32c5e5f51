package memgraph

import (
	"fmt"
	"testing"

	"github.com/dshills/opencode-go/orch/store"
)

// TestLinkAndNeighbors verifies basic node/edge plumbing.
func TestLinkAndNeighbors(t *testing.T) {
	g := New(Config{})

	g.TouchSession("s1", "review", nil)
	g.RecordError("e1", "network", "connection reset")
	g.Link("s1", "e1", "hit")

	edges := g.Neighbors("s1")
	if len(edges) != 1 || edges[0].To != "e1" || edges[0].Relation != "hit" {
		t.Fatalf("expected one hit edge, got %v", edges)
	}

	// Re-linking bumps the weight instead of duplicating.
	g.Link("s1", "e1", "hit")
	edges = g.Neighbors("s1")
	if len(edges) != 1 || edges[0].Weight != 2 {
		t.Errorf("expected weight 2 on a single edge, got %v", edges)
	}
}

// TestErrorCountAccumulates verifies repeat errors bump the counter.
func TestErrorCountAccumulates(t *testing.T) {
	g := New(Config{})
	g.RecordError("e1", "timeout", "deadline exceeded")
	g.RecordError("e1", "timeout", "deadline exceeded")

	node, ok := g.Error("e1")
	if !ok || node.Count != 2 {
		t.Errorf("expected count 2, got %+v", node)
	}
}

// TestCascadeOnRemove verifies removing a node removes its incident edges.
func TestCascadeOnRemove(t *testing.T) {
	g := New(Config{})
	g.TouchSession("s1", "", nil)
	g.RecordError("e1", "rate", "quota exhausted")
	g.RecordError("e2", "network", "dns failure")
	g.Link("s1", "e1", "hit")
	g.Link("s1", "e2", "hit")

	g.RemoveSession("s1")

	_, _, edges := g.Len()
	if edges != 0 {
		t.Errorf("expected all incident edges removed, got %d", edges)
	}
	if got := g.Neighbors("e1"); len(got) != 0 {
		t.Errorf("expected e1 orphaned, got %v", got)
	}
}

// TestCascadeOnEviction verifies LRU overflow cascades like explicit removal.
func TestCascadeOnEviction(t *testing.T) {
	g := New(Config{SessionCap: 2, ErrorCap: 10, EdgeCap: 100})

	g.TouchSession("s1", "", nil)
	g.RecordError("e1", "k", "m")
	g.Link("s1", "e1", "hit")

	// Overflow the session cache; s1 is the LRU entry.
	g.TouchSession("s2", "", nil)
	g.TouchSession("s3", "", nil)

	if _, ok := g.Session("s1"); ok {
		t.Fatal("expected s1 evicted")
	}
	if got := g.Neighbors("e1"); len(got) != 0 {
		t.Errorf("expected s1's edges cascaded away, got %v", got)
	}
}

// TestEdgeCapEviction verifies the edge cache stays bounded and the incident
// index does not leak.
func TestEdgeCapEviction(t *testing.T) {
	g := New(Config{EdgeCap: 5})
	g.TouchSession("s", "", nil)

	for i := 0; i < 10; i++ {
		g.RecordError(fmt.Sprintf("e%d", i), "k", "m")
		g.Link("s", fmt.Sprintf("e%d", i), "hit")
	}

	_, _, edges := g.Len()
	if edges != 5 {
		t.Errorf("expected edge count capped at 5, got %d", edges)
	}
	if got := g.Neighbors("s"); len(got) != 5 {
		t.Errorf("expected 5 surviving incident edges, got %d", len(got))
	}
}

// TestIngestEvents verifies the audit replay path builds the expected nodes.
func TestIngestEvents(t *testing.T) {
	g := New(Config{})

	events := []store.AuditEvent{
		{RunID: "run-1", Type: "workflow_started", Payload: map[string]interface{}{"name": "deploy"}},
		{RunID: "run-1", Type: "step_failed", Payload: map[string]interface{}{"kind": "network", "error": "reset"}},
		{RunID: "run-1", Type: "step_failed", Payload: map[string]interface{}{"kind": "network", "error": "reset"}},
		{RunID: "run-1", Type: "workflow_failed", Payload: map[string]interface{}{"kind": "network", "error": "reset"}},
	}
	g.IngestEvents("run-1", events)

	session, ok := g.Session("run-1")
	if !ok || session.Task != "deploy" {
		t.Errorf("expected session node for run-1, got %+v", session)
	}

	node, ok := g.Error("step_failed:network")
	if !ok || node.Count != 2 {
		t.Errorf("expected step failure counted twice, got %+v", node)
	}

	if got := g.Neighbors("run-1"); len(got) != 2 {
		t.Errorf("expected edges to both error signatures, got %v", got)
	}
}
