// Package router selects a model for each task using a composite score that
// blends operator preference, cost tier match, live outcome statistics, and
// provider quota pressure.
//
// SelectModel is a pure read of current state: it scores every registered
// profile, applies quota-aware fallback, and appends a routing decision to the
// audit store. RecordOutcome is the only mutation path; it tunes the live
// stats with exponential decay and persists the outcome table on every call.
package router

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/opencode-go/orch/budget"
	"github.com/dshills/opencode-go/orch/fault"
	"github.com/dshills/opencode-go/orch/store"
)

// Default tuning. Alpha drives both the success-rate and latency EWMAs; the
// observation threshold controls how fast blended success shifts from the
// configured default toward observed outcomes.
const (
	DefaultAlpha                = 0.2
	DefaultObservationThreshold = 5
	DefaultSuccessRate          = 0.7
	DefaultProviderWeight       = 0.40
	latencySampleCap            = 100
)

// Composite score weights. Strength bonuses add up to +0.10 on top; cost and
// latency penalties subtract.
const (
	weightProvider   = 0.25
	weightTierMatch  = 0.20
	weightPreference = 0.25
	weightSuccess    = 0.20
	strengthBonus    = 0.10
	penaltyCost      = 0.20
	penaltyLatency   = 0.20
)

// costTierRank orders cost tiers so adjacency can be scored.
var costTierRank = map[string]int{
	"low":    0,
	"medium": 1,
	"high":   2,
}

// Profile is a registered model's static routing attributes.
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`

	// CostTier is one of low, medium, high.
	CostTier string `json:"cost_tier"`

	// Strengths are optional capability tags matched against a task's
	// requested strengths.
	Strengths []string `json:"strengths,omitempty"`

	// DefaultSuccessRate seeds the blended success score before outcomes
	// accumulate. Zero means the package default.
	DefaultSuccessRate float64 `json:"default_success_rate,omitempty"`
}

// Stats are a model's live outcome statistics.
type Stats struct {
	SuccessRate  float64   `json:"success_rate"`
	Observations int64     `json:"observations"`
	MeanLatency  float64   `json:"mean_latency_ms"`
	Latencies    []float64 `json:"latencies,omitempty"` // bounded recent sample for p95
	LastUpdated  time.Time `json:"last_updated"`
}

// Task describes one routing request.
type Task struct {
	Session string
	Name    string

	// Complexity selects the preference list (e.g. "simple", "standard",
	// "complex").
	Complexity string

	// CostTier is the requested tier; empty means no tier preference.
	CostTier string

	// Strengths are requested capability tags.
	Strengths []string

	// BudgetUSD caps the estimated call cost; zero disables the penalty.
	BudgetUSD float64

	// MaxLatencyMS caps acceptable p95 latency; zero disables the penalty.
	MaxLatencyMS float64

	// EstInputTokens and EstOutputTokens size the cost estimate.
	EstInputTokens  int64
	EstOutputTokens int64
}

// QuotaSignal is attached to a selection whose provider is under pressure, so
// downstream learning can react to it.
type QuotaSignal struct {
	Provider        string  `json:"provider"`
	Percent         float64 `json:"percent"`
	Status          string  `json:"status"`
	FallbackApplied bool    `json:"fallback_applied"`
}

// Selection is the routing answer.
type Selection struct {
	Model           string       `json:"model"`
	Provider        string       `json:"provider"`
	Score           float64      `json:"score"`
	Reason          string       `json:"reason"`
	CostTier        string       `json:"cost_tier"`
	Fallbacks       []string     `json:"fallbacks"`
	FallbackApplied bool         `json:"fallback_applied"`
	QuotaSignal     *QuotaSignal `json:"quota_signal,omitempty"`
	DecisionID      string       `json:"decision_id"`
}

// QuotaSource answers provider health questions; *budget.Governor satisfies it.
type QuotaSource interface {
	GetQuotaStatus(ctx context.Context, provider string) (budget.QuotaStatus, error)
}

// DecisionLog persists routing decisions; store.Store satisfies it.
type DecisionLog interface {
	AppendDecision(ctx context.Context, dec store.RoutingDecision) error
}

// Config configures a Router.
type Config struct {
	// Preferences maps a complexity class to its ordered model id list.
	Preferences map[string][]string

	// ProviderWeights are operator-configured scalars, e.g. the primary
	// provider at 0.60 and others at 0.40. Missing providers use
	// DefaultProviderWeight.
	ProviderWeights map[string]float64

	// Alpha is the EWMA decay factor; zero means DefaultAlpha.
	Alpha float64

	// ObservationThreshold controls the observed-vs-default success blend;
	// zero means DefaultObservationThreshold.
	ObservationThreshold int64

	// Quota enables quota-aware fallback when non-nil.
	Quota QuotaSource

	// Decisions receives one row per selection when non-nil.
	Decisions DecisionLog

	// PersistState is called with the exported state after every
	// RecordOutcome. Nil disables persistence.
	PersistState func(State) error
}

// Router is the model router. Safe for concurrent use; SelectModel takes a
// read view, RecordOutcome is the single writer.
type Router struct {
	cfg Config

	mu       sync.RWMutex
	profiles []Profile // registration order, also the final tiebreak
	stats    map[string]*Stats
}

// New creates a Router with the given configuration.
func New(cfg Config) *Router {
	if cfg.Alpha <= 0 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.ObservationThreshold <= 0 {
		cfg.ObservationThreshold = DefaultObservationThreshold
	}
	return &Router{
		cfg:   cfg,
		stats: make(map[string]*Stats),
	}
}

// Register adds a model profile. Registering an existing id replaces its
// profile and keeps its live stats.
func (r *Router) Register(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.DefaultSuccessRate <= 0 {
		p.DefaultSuccessRate = DefaultSuccessRate
	}
	for i, existing := range r.profiles {
		if existing.ID == p.ID {
			r.profiles[i] = p
			return
		}
	}
	r.profiles = append(r.profiles, p)
	if r.stats[p.ID] == nil {
		r.stats[p.ID] = &Stats{SuccessRate: p.DefaultSuccessRate}
	}
}

// scored pairs a profile with its computed score for ranking.
type scored struct {
	profile  Profile
	score    float64
	stats    Stats
	prefPos  int
	regOrder int
}

// SelectModel scores every registered model for the task, applies quota-aware
// fallback, logs the decision, and returns the selection with its ordered
// fallback chain. Router state is not mutated.
func (r *Router) SelectModel(ctx context.Context, task Task) (Selection, error) {
	r.mu.RLock()
	ranked := r.rankLocked(task)
	r.mu.RUnlock()

	if len(ranked) == 0 {
		return Selection{}, fault.New(fault.KindConfig, "no_models", "no model profiles registered")
	}

	chosen := ranked[0]
	fallbacks := make([]string, 0, len(ranked)-1)
	for _, s := range ranked[1:] {
		fallbacks = append(fallbacks, s.profile.ID)
	}

	sel := Selection{
		Model:     chosen.profile.ID,
		Provider:  chosen.profile.Provider,
		Score:     chosen.score,
		CostTier:  chosen.profile.CostTier,
		Fallbacks: fallbacks,
		Reason:    fmt.Sprintf("top composite score %.3f for complexity %q", chosen.score, task.Complexity),
	}
	original := sel.Model

	quotaFactors := map[string]interface{}{}
	if r.cfg.Quota != nil {
		status, err := r.cfg.Quota.GetQuotaStatus(ctx, chosen.profile.Provider)
		if err == nil {
			quotaFactors[chosen.profile.Provider] = string(status.Status)
			switch status.Status {
			case budget.QuotaExhausted:
				r.applyFallback(ctx, &sel, ranked, status, quotaFactors)
			case budget.QuotaCritical:
				sel.QuotaSignal = &QuotaSignal{
					Provider: chosen.profile.Provider,
					Percent:  status.Percent,
					Status:   string(status.Status),
				}
			}
		}
	}

	sel.DecisionID = newDecisionID()
	if r.cfg.Decisions != nil {
		dec := store.RoutingDecision{
			DecisionID:        sel.DecisionID,
			Session:           task.Session,
			Task:              task.Name,
			RequestedCategory: task.CostTier,
			RequestedSkills:   task.Strengths,
			OriginalSelection: original,
			FinalSelection:    sel.Model,
			QuotaFactors:      quotaFactors,
			FallbackApplied:   sel.FallbackApplied,
			Reason:            sel.Reason,
		}
		if err := r.cfg.Decisions.AppendDecision(ctx, dec); err != nil {
			return sel, fault.Wrap(fault.KindState, "decision_log", "failed to log routing decision", err)
		}
	}

	return sel, nil
}

// applyFallback walks the ranked list past the exhausted selection and takes
// the first model whose provider still has quota.
func (r *Router) applyFallback(ctx context.Context, sel *Selection, ranked []scored, exhausted budget.QuotaStatus, quotaFactors map[string]interface{}) {
	for _, candidate := range ranked[1:] {
		status, err := r.cfg.Quota.GetQuotaStatus(ctx, candidate.profile.Provider)
		if err != nil {
			continue
		}
		quotaFactors[candidate.profile.Provider] = string(status.Status)
		if status.Status == budget.QuotaExhausted {
			continue
		}

		sel.Reason = fmt.Sprintf(
			"provider %s exhausted (%.0f%% of quota used); fell back to %s on %s",
			exhausted.Provider, exhausted.Percent*100, candidate.profile.ID, candidate.profile.Provider)
		sel.Model = candidate.profile.ID
		sel.Provider = candidate.profile.Provider
		sel.Score = candidate.score
		sel.CostTier = candidate.profile.CostTier
		sel.FallbackApplied = true
		sel.QuotaSignal = &QuotaSignal{
			Provider:        exhausted.Provider,
			Percent:         exhausted.Percent,
			Status:          string(exhausted.Status),
			FallbackApplied: true,
		}

		remaining := make([]string, 0, len(sel.Fallbacks))
		for _, id := range sel.Fallbacks {
			if id != candidate.profile.ID {
				remaining = append(remaining, id)
			}
		}
		sel.Fallbacks = remaining
		return
	}
	// Every candidate exhausted: keep the original selection, flagged.
	sel.Reason = fmt.Sprintf("provider %s exhausted and no fallback has quota; keeping original selection", exhausted.Provider)
	sel.QuotaSignal = &QuotaSignal{
		Provider: exhausted.Provider,
		Percent:  exhausted.Percent,
		Status:   string(exhausted.Status),
	}
}

// rankLocked scores and orders every profile for the task. Caller holds at
// least a read lock.
func (r *Router) rankLocked(task Task) []scored {
	prefs := r.cfg.Preferences[task.Complexity]
	prefIndex := make(map[string]int, len(prefs))
	for i, id := range prefs {
		prefIndex[id] = i
	}

	ranked := make([]scored, 0, len(r.profiles))
	for i, p := range r.profiles {
		stats := Stats{SuccessRate: p.DefaultSuccessRate}
		if s := r.stats[p.ID]; s != nil {
			stats = *s
		}
		pos, listed := prefIndex[p.ID]
		if !listed {
			pos = len(prefs)
		}
		ranked = append(ranked, scored{
			profile:  p,
			score:    r.scoreLocked(task, p, stats, pos, len(prefs)),
			stats:    stats,
			prefPos:  pos,
			regOrder: i,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if diff := a.score - b.score; diff > 1e-9 || diff < -1e-9 {
			return a.score > b.score
		}
		// Tiebreaks: observed success, then mean latency, then
		// preference-list order.
		if a.stats.Observations > 0 || b.stats.Observations > 0 {
			if a.stats.SuccessRate != b.stats.SuccessRate {
				return a.stats.SuccessRate > b.stats.SuccessRate
			}
			if a.stats.MeanLatency != b.stats.MeanLatency {
				return a.stats.MeanLatency < b.stats.MeanLatency
			}
		}
		if a.prefPos != b.prefPos {
			return a.prefPos < b.prefPos
		}
		return a.regOrder < b.regOrder
	})
	return ranked
}

// scoreLocked computes the composite score for one profile.
func (r *Router) scoreLocked(task Task, p Profile, stats Stats, prefPos, prefLen int) float64 {
	providerWeight := DefaultProviderWeight
	if w, ok := r.cfg.ProviderWeights[p.Provider]; ok {
		providerWeight = w
	}
	score := weightProvider * providerWeight

	score += weightTierMatch * tierMatch(p.CostTier, task.CostTier)

	if prefLen > 0 && prefPos < prefLen {
		score += weightPreference * (1.0 - float64(prefPos)/float64(prefLen))
	}

	// Blend observed success with the configured default; observed weight
	// grows with the observation count relative to the threshold.
	obsWeight := float64(stats.Observations) / float64(stats.Observations+r.cfg.ObservationThreshold)
	blended := obsWeight*stats.SuccessRate + (1-obsWeight)*p.DefaultSuccessRate
	score += weightSuccess * blended

	if len(task.Strengths) > 0 {
		bonus := 0.0
		for _, want := range task.Strengths {
			for _, have := range p.Strengths {
				if strings.EqualFold(want, have) {
					bonus += strengthBonus
					break
				}
			}
		}
		if bonus > strengthBonus {
			bonus = strengthBonus
		}
		score += bonus
	}

	if task.BudgetUSD > 0 {
		est := budget.EstimateCost(p.ID, task.EstInputTokens, task.EstOutputTokens)
		if est > task.BudgetUSD {
			score -= penaltyCost
		}
	}
	if task.MaxLatencyMS > 0 && stats.Observations > 0 {
		if p95 := percentile95(stats.Latencies); p95 > task.MaxLatencyMS {
			score -= penaltyLatency
		}
	}

	return score
}

// tierMatch scores cost-tier proximity: exact 1.0, adjacent 0.5, distant 0.
// An unrequested tier matches everything.
func tierMatch(modelTier, taskTier string) float64 {
	if taskTier == "" {
		return 1.0
	}
	a, aok := costTierRank[modelTier]
	b, bok := costTierRank[taskTier]
	if !aok || !bok {
		return 0
	}
	switch diff := a - b; {
	case diff == 0:
		return 1.0
	case diff == 1 || diff == -1:
		return 0.5
	default:
		return 0
	}
}

// percentile95 estimates p95 from the bounded latency sample.
func percentile95(sample []float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	sorted := make([]float64, len(sample))
	copy(sorted, sample)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// newDecisionID returns a random 16-hex-char decision id.
func newDecisionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("dec-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
