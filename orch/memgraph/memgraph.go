// Package memgraph keeps a bounded in-memory graph of recent sessions, the
// errors they hit, and the edges between them. It exists for fast "what has
// this session been failing on" lookups without touching the durable store;
// the graph can always be rebuilt from the audit trail.
//
// All three maps are LRU-bounded (sessions 5000, errors 3000, edges 10000 by
// default) and removal cascades: evicting a node removes every incident edge.
package memgraph

import (
	"fmt"
	"sync"
	"time"

	"github.com/dshills/opencode-go/orch/lru"
	"github.com/dshills/opencode-go/orch/store"
)

// Default capacities.
const (
	DefaultSessionCap = 5000
	DefaultErrorCap   = 3000
	DefaultEdgeCap    = 10000
)

// SessionNode is one tracked session.
type SessionNode struct {
	ID       string                 `json:"id"`
	Task     string                 `json:"task,omitempty"`
	LastSeen time.Time              `json:"last_seen"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
}

// ErrorNode is one observed error signature with an occurrence count.
type ErrorNode struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// Edge links two node ids with a relation label.
type Edge struct {
	ID       string  `json:"id"`
	From     string  `json:"from"`
	To       string  `json:"to"`
	Relation string  `json:"relation"`
	Weight   float64 `json:"weight"`
}

// Config sizes the graph; zero fields use the package defaults.
type Config struct {
	SessionCap int
	ErrorCap   int
	EdgeCap    int
}

// Graph is the bounded graph. Safe for concurrent use.
type Graph struct {
	mu       sync.Mutex
	sessions *lru.Cache[string, SessionNode]
	errors   *lru.Cache[string, ErrorNode]
	edges    *lru.Cache[string, Edge]

	// incident maps node id -> incident edge ids, maintained on every
	// edge mutation so cascade removal stays O(degree).
	incident map[string]map[string]bool
}

// New creates an empty graph.
func New(cfg Config) *Graph {
	if cfg.SessionCap <= 0 {
		cfg.SessionCap = DefaultSessionCap
	}
	if cfg.ErrorCap <= 0 {
		cfg.ErrorCap = DefaultErrorCap
	}
	if cfg.EdgeCap <= 0 {
		cfg.EdgeCap = DefaultEdgeCap
	}

	g := &Graph{incident: make(map[string]map[string]bool)}

	// Eviction callbacks fire while the caller already holds g.mu, so they
	// use the locked helpers directly.
	g.sessions = lru.New[string, SessionNode](cfg.SessionCap)
	g.sessions.OnEvict(func(id string, _ SessionNode) { g.dropIncidentLocked(id) })
	g.errors = lru.New[string, ErrorNode](cfg.ErrorCap)
	g.errors.OnEvict(func(id string, _ ErrorNode) { g.dropIncidentLocked(id) })
	g.edges = lru.New[string, Edge](cfg.EdgeCap)
	g.edges.OnEvict(func(id string, e Edge) { g.unindexEdgeLocked(id, e) })

	return g
}

// TouchSession inserts or refreshes a session node.
func (g *Graph) TouchSession(id, task string, meta map[string]interface{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.sessions.Get(id)
	if !ok {
		node = SessionNode{ID: id}
	}
	if task != "" {
		node.Task = task
	}
	if meta != nil {
		node.Meta = meta
	}
	node.LastSeen = time.Now()
	g.sessions.Set(id, node)
}

// RecordError inserts or bumps an error node keyed by its signature.
func (g *Graph) RecordError(id, kind, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.errors.Get(id)
	if !ok {
		node = ErrorNode{ID: id, Kind: kind, Message: message}
	}
	node.Count++
	node.LastSeen = time.Now()
	g.errors.Set(id, node)
}

// Link connects two node ids. Re-linking the same triple bumps the weight.
func (g *Graph) Link(from, to, relation string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := edgeID(from, to, relation)
	edge, ok := g.edges.Get(id)
	if !ok {
		edge = Edge{ID: id, From: from, To: to, Relation: relation}
	}
	edge.Weight++
	g.edges.Set(id, edge)
	g.indexEdgeLocked(id, edge)
}

// Session returns a session node.
func (g *Graph) Session(id string) (SessionNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions.Get(id)
}

// Error returns an error node.
func (g *Graph) Error(id string) (ErrorNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errors.Get(id)
}

// Neighbors returns the edges incident to a node.
func (g *Graph) Neighbors(id string) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Edge
	for edgeID := range g.incident[id] {
		if e, ok := g.edges.Get(edgeID); ok {
			out = append(out, e)
		}
	}
	return out
}

// RemoveSession drops a session node and cascades to its edges.
func (g *Graph) RemoveSession(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions.Remove(id)
}

// RemoveError drops an error node and cascades to its edges.
func (g *Graph) RemoveError(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errors.Remove(id)
}

// Len reports the three population counts.
func (g *Graph) Len() (sessions, errors, edges int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions.Len(), g.errors.Len(), g.edges.Len()
}

// IngestEvents replays audit events into the graph: every run becomes a
// session node, every failure event becomes an error node linked to it. This
// is the rebuild path after restart, fed from the store's retained audit
// window.
func (g *Graph) IngestEvents(runID string, events []store.AuditEvent) {
	for _, ev := range events {
		switch ev.Type {
		case "workflow_started":
			name, _ := ev.Payload["name"].(string)
			g.TouchSession(runID, name, nil)
		case "step_failed", "workflow_failed":
			kind, _ := ev.Payload["kind"].(string)
			msg, _ := ev.Payload["error"].(string)
			errID := fmt.Sprintf("%s:%s", ev.Type, kind)
			g.RecordError(errID, kind, msg)
			g.Link(runID, errID, "hit")
		}
	}
}

// --- locked helpers --------------------------------------------------------

// indexEdgeLocked records the edge under both endpoints.
func (g *Graph) indexEdgeLocked(id string, e Edge) {
	for _, node := range [2]string{e.From, e.To} {
		if g.incident[node] == nil {
			g.incident[node] = make(map[string]bool)
		}
		g.incident[node][id] = true
	}
}

// unindexEdgeLocked removes the edge from both endpoints' indices.
func (g *Graph) unindexEdgeLocked(id string, e Edge) {
	for _, node := range [2]string{e.From, e.To} {
		delete(g.incident[node], id)
		if len(g.incident[node]) == 0 {
			delete(g.incident, node)
		}
	}
}

// dropIncidentLocked removes every edge touching the node.
func (g *Graph) dropIncidentLocked(node string) {
	for edgeID := range g.incident[node] {
		g.edges.Remove(edgeID) // fires unindexEdgeLocked via OnEvict
	}
}

func edgeID(from, to, relation string) string {
	return from + "->" + to + "#" + relation
}
