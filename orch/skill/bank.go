// Package skill implements the evolution engine: a two-tier skill bank that
// learns from task outcomes.
//
// Skills live in two tiers: general (cross-task) and task-specific (keyed by
// task type). Success rates only ever move through EWMA smoothing — direct
// overwrite happens nowhere outside an explicit reset. On failure the engine
// distills the tagged anti-pattern into a (cause, needed skill, principle)
// triple, penalizes the skills that were used, and boosts or creates the
// skill the failure showed was missing. Quota pressure signals breed a
// quota-aware-routing meta-skill so the router's fallbacks become something
// the system plans for rather than suffers.
package skill

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dshills/opencode-go/orch/emit"
	"github.com/dshills/opencode-go/orch/router"
	"github.com/dshills/opencode-go/orch/statefile"
)

// EWMA smoothing factor and the creation/boost constants from the evolution
// rules.
const (
	DefaultAlpha        = 0.2
	boostIncrement      = 0.1
	newSkillSuccessRate = 0.6
	quotaSkillName      = "quota-aware-routing"
)

// Skill is one learned principle.
type Skill struct {
	Name        string    `json:"name"`
	Principle   string    `json:"principle"`
	Application string    `json:"application,omitempty"`
	SuccessRate float64   `json:"success_rate"`
	UsageCount  int64     `json:"usage_count"`
	LastUpdated time.Time `json:"last_updated"`
	Tags        []string  `json:"tags,omitempty"`

	// TaskType is empty for general skills.
	TaskType string `json:"task_type,omitempty"`
}

// RootCause is the distilled explanation of a tagged anti-pattern.
type RootCause struct {
	Cause       string
	NeededSkill string
	Principle   string
}

// antiPatterns maps failure tags to their known root causes.
var antiPatterns = map[string]RootCause{
	"shotgun_debug": {
		Cause:       "changes applied without a failure hypothesis",
		NeededSkill: "systematic-debugging",
		Principle:   "Form hypothesis before making changes",
	},
	"copy_paste_fix": {
		Cause:       "solution transplanted without understanding the defect",
		NeededSkill: "root-cause-analysis",
		Principle:   "Understand the defect before applying a fix",
	},
	"ignored_error": {
		Cause:       "an error return was discarded and resurfaced later",
		NeededSkill: "error-propagation",
		Principle:   "Handle or propagate every error at its origin",
	},
	"premature_optimization": {
		Cause:       "optimization attempted before establishing correctness",
		NeededSkill: "measure-first",
		Principle:   "Profile before optimizing",
	},
	"scope_creep": {
		Cause:       "the change grew beyond the requested task",
		NeededSkill: "task-scoping",
		Principle:   "Finish the asked task before expanding scope",
	},
}

// Outcome is one task result delivered to the engine.
type Outcome struct {
	TaskType    string
	SkillsUsed  []string
	Success     bool
	AntiPattern string

	// QuotaSignal carries provider pressure observed during the task.
	QuotaSignal *router.QuotaSignal
}

// FailureRecord is the ledger entry written on each failure outcome.
type FailureRecord struct {
	TaskType    string    `json:"task_type"`
	SkillsUsed  []string  `json:"skills_used"`
	AntiPattern string    `json:"anti_pattern"`
	Cause       string    `json:"cause,omitempty"`
	QuotaSignal bool      `json:"quota_signal"`
	At          time.Time `json:"at"`
}

// TierSummary is the periodic feedback handed to the tier resolver: skills
// the bank now trusts enough to surface earlier, and skills whose rates have
// collapsed.
type TierSummary struct {
	Promotions []string `json:"promotions"`
	Demotions  []string `json:"demotions"`
}

// Config configures a Bank.
type Config struct {
	// Alpha is the EWMA factor; zero means DefaultAlpha.
	Alpha float64

	// FeedbackEvery delivers a TierSummary after this many learned
	// outcomes; zero disables feedback.
	FeedbackEvery int

	// PromoteAbove and DemoteBelow are the success-rate boundaries used
	// when computing a TierSummary. Zeroes mean 0.8 and 0.3.
	PromoteAbove float64
	DemoteBelow  float64

	// TierFeedback receives the periodic summary.
	TierFeedback func(TierSummary)

	// Emitter receives a skill_evolved event whenever the failure path
	// boosts or creates a skill. Nil means no events.
	Emitter emit.Emitter

	// Dir is where the skill-bank sidecar lives. Empty disables
	// persistence.
	Dir string
}

// Bank is the evolution engine's skill store. Safe for concurrent use.
type Bank struct {
	cfg Config

	mu       sync.Mutex
	general  map[string]*Skill
	specific map[string]map[string]*Skill // task type -> name -> skill
	failures []FailureRecord
	learned  int
}

// NewBank creates a Bank and restores state from the sidecar when cfg.Dir is
// set.
func NewBank(cfg Config) *Bank {
	if cfg.Alpha <= 0 {
		cfg.Alpha = DefaultAlpha
	}
	if cfg.PromoteAbove <= 0 {
		cfg.PromoteAbove = 0.8
	}
	if cfg.DemoteBelow <= 0 {
		cfg.DemoteBelow = 0.3
	}
	if cfg.Emitter == nil {
		cfg.Emitter = emit.NewNullEmitter()
	}
	b := &Bank{
		cfg:      cfg,
		general:  make(map[string]*Skill),
		specific: make(map[string]map[string]*Skill),
	}
	b.restore()
	return b
}

// AddGeneral seeds a general skill. An existing name is overwritten; use this
// for configuration, not for outcome learning.
func (b *Bank) AddGeneral(s Skill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.TaskType = ""
	s.LastUpdated = time.Now()
	b.general[s.Name] = &s
}

// Find returns the named skill, preferring a task-specific match, then the
// general tier.
func (b *Bank) Find(name, taskType string) (Skill, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.findLocked(name, taskType); s != nil {
		return *s, true
	}
	return Skill{}, false
}

func (b *Bank) findLocked(name, taskType string) *Skill {
	if taskType != "" {
		if s := b.specific[taskType][name]; s != nil {
			return s
		}
	}
	return b.general[name]
}

// Learn folds one outcome into the bank and persists the result.
func (b *Bank) Learn(outcome Outcome) {
	b.mu.Lock()

	var evolved []string
	if outcome.Success {
		b.learnSuccessLocked(outcome)
	} else {
		evolved = b.learnFailureLocked(outcome)
	}

	if outcome.QuotaSignal != nil {
		if b.upsertQuotaSkillLocked(outcome.TaskType) {
			evolved = append(evolved, quotaSkillName)
		}
	}

	b.learned++
	var summary *TierSummary
	if b.cfg.FeedbackEvery > 0 && b.learned%b.cfg.FeedbackEvery == 0 && b.cfg.TierFeedback != nil {
		s := b.summaryLocked()
		summary = &s
	}

	b.persistLocked()
	b.mu.Unlock()

	// Deliver outside the lock so the callback can call back into the bank.
	for _, name := range evolved {
		b.cfg.Emitter.Emit(emit.Event{
			Type: emit.TypeSkillEvolved,
			Msg:  "skill " + name + " evolved",
			Meta: map[string]interface{}{
				"skill":        name,
				"task_type":    outcome.TaskType,
				"anti_pattern": outcome.AntiPattern,
			},
		})
	}
	if summary != nil {
		b.cfg.TierFeedback(*summary)
	}
}

// learnSuccessLocked applies the EWMA with outcome=1 to each used skill.
func (b *Bank) learnSuccessLocked(outcome Outcome) {
	for _, name := range outcome.SkillsUsed {
		if s := b.findLocked(name, outcome.TaskType); s != nil {
			b.ewmaLocked(s, 1.0)
		}
	}
}

// learnFailureLocked runs the failure path: record, distill, penalize, then
// boost or create the needed skill. Returns the names of skills that were
// boosted or created.
func (b *Bank) learnFailureLocked(outcome Outcome) []string {
	cause, known := antiPatterns[outcome.AntiPattern]

	rec := FailureRecord{
		TaskType:    outcome.TaskType,
		SkillsUsed:  append([]string(nil), outcome.SkillsUsed...),
		AntiPattern: outcome.AntiPattern,
		QuotaSignal: outcome.QuotaSignal != nil,
		At:          time.Now(),
	}
	if known {
		rec.Cause = cause.Cause
	}
	b.failures = append(b.failures, rec)
	if len(b.failures) > 500 {
		b.failures = b.failures[len(b.failures)-500:]
	}

	for _, name := range outcome.SkillsUsed {
		if s := b.findLocked(name, outcome.TaskType); s != nil {
			b.ewmaLocked(s, 0.0)
		}
	}

	if !known {
		return nil // unrecognized anti-pattern: penalty only, nothing to distill
	}

	if existing := b.findLocked(cause.NeededSkill, outcome.TaskType); existing != nil {
		existing.SuccessRate = clamp(existing.SuccessRate + boostIncrement)
		existing.LastUpdated = time.Now()
		return []string{existing.Name}
	}

	b.createSpecificLocked(outcome.TaskType, Skill{
		Name:        cause.NeededSkill,
		Principle:   cause.Principle,
		Application: cause.Cause,
		SuccessRate: newSkillSuccessRate,
	})
	return []string{cause.NeededSkill}
}

// upsertQuotaSkillLocked boosts or creates the quota-aware-routing meta-skill
// for the task type. Reports whether the skill changed.
func (b *Bank) upsertQuotaSkillLocked(taskType string) bool {
	if existing := b.findLocked(quotaSkillName, taskType); existing != nil {
		existing.SuccessRate = clamp(existing.SuccessRate + boostIncrement)
		existing.LastUpdated = time.Now()
		return true
	}
	b.createSpecificLocked(taskType, Skill{
		Name:        quotaSkillName,
		Principle:   "Check provider quota before selecting a model and plan fallbacks",
		SuccessRate: newSkillSuccessRate,
		Tags:        []string{"meta", "routing"},
	})
	return true
}

// createSpecificLocked installs a new task-specific skill; an empty task type
// lands in the general tier.
func (b *Bank) createSpecificLocked(taskType string, s Skill) {
	s.TaskType = taskType
	s.LastUpdated = time.Now()
	if taskType == "" {
		b.general[s.Name] = &s
		return
	}
	if b.specific[taskType] == nil {
		b.specific[taskType] = make(map[string]*Skill)
	}
	b.specific[taskType][s.Name] = &s
}

// ewmaLocked applies new = alpha*outcome + (1-alpha)*old and bumps usage.
func (b *Bank) ewmaLocked(s *Skill, outcome float64) {
	s.SuccessRate = b.cfg.Alpha*outcome + (1-b.cfg.Alpha)*s.SuccessRate
	s.UsageCount++
	s.LastUpdated = time.Now()
}

func clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0 {
		return 0
	}
	return v
}

// summaryLocked classifies skills against the promotion and demotion
// boundaries.
func (b *Bank) summaryLocked() TierSummary {
	var summary TierSummary
	consider := func(s *Skill) {
		if s.UsageCount == 0 {
			return
		}
		switch {
		case s.SuccessRate >= b.cfg.PromoteAbove:
			summary.Promotions = append(summary.Promotions, s.Name)
		case s.SuccessRate <= b.cfg.DemoteBelow:
			summary.Demotions = append(summary.Demotions, s.Name)
		}
	}
	for _, s := range b.general {
		consider(s)
	}
	for _, skills := range b.specific {
		for _, s := range skills {
			consider(s)
		}
	}
	return summary
}

// Failures returns a copy of the failure ledger.
func (b *Bank) Failures() []FailureRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FailureRecord, len(b.failures))
	copy(out, b.failures)
	return out
}

// --- persistence -----------------------------------------------------------

// skillBankFile is the sidecar filename.
const skillBankFile = "skill-bank.json"

// State is the bank's serializable form.
type State struct {
	General  []Skill            `json:"general"`
	Specific map[string][]Skill `json:"specific"`
	Failures []FailureRecord    `json:"failures,omitempty"`
	SavedAt  time.Time          `json:"savedAt"`
}

// ExportState snapshots the bank.
func (b *Bank) ExportState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exportLocked()
}

func (b *Bank) exportLocked() State {
	state := State{
		Specific: make(map[string][]Skill, len(b.specific)),
		SavedAt:  time.Now(),
	}
	for _, s := range b.general {
		state.General = append(state.General, *s)
	}
	for taskType, skills := range b.specific {
		for _, s := range skills {
			state.Specific[taskType] = append(state.Specific[taskType], *s)
		}
	}
	state.Failures = append([]FailureRecord(nil), b.failures...)
	return state
}

// ImportState replaces the bank contents with the snapshot.
func (b *Bank) ImportState(state State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.general = make(map[string]*Skill, len(state.General))
	for _, s := range state.General {
		copied := s
		b.general[s.Name] = &copied
	}
	b.specific = make(map[string]map[string]*Skill, len(state.Specific))
	for taskType, skills := range state.Specific {
		b.specific[taskType] = make(map[string]*Skill, len(skills))
		for _, s := range skills {
			copied := s
			b.specific[taskType][s.Name] = &copied
		}
	}
	b.failures = append([]FailureRecord(nil), state.Failures...)
}

func (b *Bank) persistLocked() {
	if b.cfg.Dir == "" {
		return
	}
	path := filepath.Join(b.cfg.Dir, skillBankFile)
	_ = statefile.WriteJSON(path, b.exportLocked())
}

func (b *Bank) restore() {
	if b.cfg.Dir == "" {
		return
	}
	path := filepath.Join(b.cfg.Dir, skillBankFile)
	var state State
	if err := statefile.ReadJSON(path, &state); err != nil {
		return
	}
	b.ImportState(state)
}

// RootCauseFor exposes the anti-pattern table, mostly for diagnostics.
func RootCauseFor(antiPattern string) (RootCause, bool) {
	rc, ok := antiPatterns[antiPattern]
	return rc, ok
}

// String renders a compact view for logs.
func (s Skill) String() string {
	scope := s.TaskType
	if scope == "" {
		scope = "general"
	}
	return fmt.Sprintf("%s[%s] rate=%.2f uses=%d", s.Name, scope, s.SuccessRate, s.UsageCount)
}
