// Package budget implements the quota and budget governor.
//
// The governor tracks two orthogonal things:
//   - Session token budget: per-(session, model) consumption against a
//     per-model maximum, with warn/error/exceeded status bands.
//   - Provider quota: per-provider consumption against a configured limit
//     over a period window (day, month, or all-time).
//
// Governor operations are advisory: they report status and never abort the
// calling workflow. The one persistence exception is ConsumeTokens, whose
// sidecar write failure is logged and treated as non-fatal — the in-memory
// counter stays authoritative for the running process.
package budget

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dshills/opencode-go/orch/emit"
	"github.com/dshills/opencode-go/orch/statefile"
	"github.com/dshills/opencode-go/orch/store"
)

// Session budget status bands, computed from the hypothetical or actual
// post-consumption percentage:
//
//	ok < warn_threshold <= warn < error_threshold <= error < 1.0 <= exceeded
type BudgetStatus string

const (
	BudgetOK       BudgetStatus = "ok"
	BudgetWarn     BudgetStatus = "warn"
	BudgetError    BudgetStatus = "error"
	BudgetExceeded BudgetStatus = "exceeded"
)

// Default session-budget thresholds and the fallback maximum for models not
// enumerated in Config.ModelMaxima.
const (
	DefaultMaxTokens      = 100000
	DefaultWarnThreshold  = 0.75
	DefaultErrorThreshold = 0.90
)

// Config configures a Governor.
type Config struct {
	// Dir is where sidecar state files live. Empty disables sidecar
	// persistence (useful for tests).
	Dir string

	// ModelMaxima enumerates per-model token maxima. Models not listed
	// fall back to DefaultMax.
	ModelMaxima map[string]int64

	// DefaultMax is the budget for unknown models. Zero means
	// DefaultMaxTokens.
	DefaultMax int64

	// WarnThreshold and ErrorThreshold are the session band boundaries.
	// Zero means the package defaults.
	WarnThreshold  float64
	ErrorThreshold float64

	// Emitter receives quota_warning audit events. Nil disables emission.
	Emitter emit.Emitter

	// Logf logs non-fatal persistence failures. Nil discards.
	Logf func(format string, args ...interface{})
}

// Governor is the quota and budget governor. Safe for concurrent use.
type Governor struct {
	store store.Store
	cfg   Config

	mu       sync.Mutex
	sessions map[string]map[string]int64 // session -> model -> tokens used
}

// CheckResult is the advisory answer from CheckBudget.
type CheckResult struct {
	Allowed   bool         `json:"allowed"`
	Status    BudgetStatus `json:"status"`
	Remaining int64        `json:"remaining"`
	Message   string       `json:"message"`
}

// Snapshot is the post-consumption state returned by ConsumeTokens.
type Snapshot struct {
	Used      int64        `json:"used"`
	Remaining int64        `json:"remaining"`
	Percent   float64      `json:"percent"`
	Status    BudgetStatus `json:"status"`
}

// NewGovernor creates a Governor backed by the given store. Session budget
// state is restored from the sidecar file when cfg.Dir is set.
func NewGovernor(s store.Store, cfg Config) *Governor {
	if cfg.DefaultMax <= 0 {
		cfg.DefaultMax = DefaultMaxTokens
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = DefaultWarnThreshold
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultErrorThreshold
	}

	g := &Governor{
		store:    s,
		cfg:      cfg,
		sessions: make(map[string]map[string]int64),
	}
	g.restoreSessions()
	return g
}

// maxFor returns the token maximum for a model.
func (g *Governor) maxFor(model string) int64 {
	if max, ok := g.cfg.ModelMaxima[model]; ok && max > 0 {
		return max
	}
	return g.cfg.DefaultMax
}

// bandFor maps a usage percentage to its status band.
func (g *Governor) bandFor(percent float64) BudgetStatus {
	switch {
	case percent >= 1.0:
		return BudgetExceeded
	case percent >= g.cfg.ErrorThreshold:
		return BudgetError
	case percent >= g.cfg.WarnThreshold:
		return BudgetWarn
	default:
		return BudgetOK
	}
}

// CheckBudget reports what consuming proposedTokens would do to the session's
// budget without mutating anything. Allowed is false only when the
// hypothetical usage reaches or exceeds the model maximum (percent >= 1.0).
func (g *Governor) CheckBudget(session, model string, proposedTokens int64) CheckResult {
	g.mu.Lock()
	used := g.sessions[session][model]
	g.mu.Unlock()

	max := g.maxFor(model)
	hypothetical := used + proposedTokens
	percent := float64(hypothetical) / float64(max)
	status := g.bandFor(percent)

	remaining := max - hypothetical
	if remaining < 0 {
		remaining = 0
	}

	result := CheckResult{
		Allowed:   status != BudgetExceeded,
		Status:    status,
		Remaining: remaining,
	}
	switch status {
	case BudgetOK:
		result.Message = fmt.Sprintf("within budget: %d of %d tokens", hypothetical, max)
	case BudgetWarn:
		result.Message = fmt.Sprintf("approaching budget: %d of %d tokens", hypothetical, max)
	case BudgetError:
		result.Message = fmt.Sprintf("near budget limit: %d of %d tokens", hypothetical, max)
	case BudgetExceeded:
		result.Message = fmt.Sprintf("budget exceeded: %d of %d tokens", hypothetical, max)
	}
	return result
}

// ConsumeTokens adds count tokens to the session's counter and returns the
// post-consumption snapshot. Each call adds; there is no idempotence.
//
// The updated state is persisted to the session-budget sidecar; a persistence
// failure is logged and ignored.
func (g *Governor) ConsumeTokens(session, model string, count int64) Snapshot {
	g.mu.Lock()
	if g.sessions[session] == nil {
		g.sessions[session] = make(map[string]int64)
	}
	g.sessions[session][model] += count
	used := g.sessions[session][model]
	state := g.sessionStateLocked()
	g.mu.Unlock()

	g.persistSessions(state)

	max := g.maxFor(model)
	percent := float64(used) / float64(max)
	remaining := max - used
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Used:      used,
		Remaining: remaining,
		Percent:   percent,
		Status:    g.bandFor(percent),
	}
}

// ResetSession clears counters for a session. An empty model clears every
// model under the session; otherwise only the named model is cleared.
func (g *Governor) ResetSession(session, model string) {
	g.mu.Lock()
	if model == "" {
		delete(g.sessions, session)
	} else if g.sessions[session] != nil {
		delete(g.sessions[session], model)
		if len(g.sessions[session]) == 0 {
			delete(g.sessions, session)
		}
	}
	state := g.sessionStateLocked()
	g.mu.Unlock()

	g.persistSessions(state)
}

// --- sidecar persistence ---------------------------------------------------

// sessionBudgetFile is the sidecar filename for session budget state.
const sessionBudgetFile = "session-budget.json"

type sessionState struct {
	Sessions map[string]map[string]int64 `json:"sessions"`
	SavedAt  time.Time                   `json:"savedAt"`
}

// sessionStateLocked snapshots the session map for persistence. Caller holds
// the lock.
func (g *Governor) sessionStateLocked() sessionState {
	out := sessionState{
		Sessions: make(map[string]map[string]int64, len(g.sessions)),
		SavedAt:  time.Now(),
	}
	for session, models := range g.sessions {
		copied := make(map[string]int64, len(models))
		for model, used := range models {
			copied[model] = used
		}
		out.Sessions[session] = copied
	}
	return out
}

func (g *Governor) persistSessions(state sessionState) {
	if g.cfg.Dir == "" {
		return
	}
	path := filepath.Join(g.cfg.Dir, sessionBudgetFile)
	if err := statefile.WriteJSON(path, state); err != nil {
		g.logf("session budget persistence failed (in-memory state remains authoritative): %v", err)
	}
}

func (g *Governor) restoreSessions() {
	if g.cfg.Dir == "" {
		return
	}
	path := filepath.Join(g.cfg.Dir, sessionBudgetFile)
	var state sessionState
	if err := statefile.ReadJSON(path, &state); err != nil {
		return // missing or unreadable sidecar starts fresh
	}
	if state.Sessions != nil {
		g.sessions = state.Sessions
	}
}

func (g *Governor) logf(format string, args ...interface{}) {
	if g.cfg.Logf != nil {
		g.cfg.Logf(format, args...)
	}
}

func (g *Governor) emit(ev emit.Event) {
	if g.cfg.Emitter != nil {
		g.cfg.Emitter.Emit(ev)
	}
}
