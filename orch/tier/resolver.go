// Package tier resolves which tools, skills, and MCPs are loaded for a
// prompt, partitioned across three tiers:
//
//   - Tier 0 — always loaded.
//   - Tier 1 — named categories whose case-insensitive patterns match the
//     prompt; matches are unioned and capped.
//   - Tier 2 — an on-demand catalog the model may ask to load from
//     mid-conversation.
//
// The resolver learns: repeated on-demand loads promote a skill to Tier 1 for
// that task type, and Tier 1 categories that go unused across a rolling
// session window are demoted back to Tier 2. Learned overrides persist in a
// sidecar file and survive restart.
package tier

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/opencode-go/orch/emit"
	"github.com/dshills/opencode-go/orch/lru"
	"github.com/dshills/opencode-go/orch/statefile"
)

// Defaults for the learning machinery.
const (
	DefaultMaxTools           = 15
	DefaultPromotionThreshold = 5
	DefaultWindowSize         = 50
	DefaultUsageFloor         = 0.05
	memoCapacity              = 100
)

// Tier0 is the always-loaded set.
type Tier0 struct {
	Tools  []string `json:"tools"`
	Skills []string `json:"skills"`
	MCPs   []string `json:"mcps"`
}

// Category is one Tier 1 entry: a named pattern with its associated
// capabilities. Patterns are matched case-insensitively against the prompt.
type Category struct {
	Name    string   `json:"name"`
	Pattern string   `json:"pattern"`
	Tools   []string `json:"tools"`
	Skills  []string `json:"skills"`
	MCPs    []string `json:"mcps"`

	re *regexp.Regexp
}

// SkillDef is a Tier 2 catalog entry.
type SkillDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Principle   string `json:"principle,omitempty"`
}

// Override is a learned tier change for one skill or category. Tier 1 means
// promoted from the on-demand catalog; Tier 2 means demoted out of pattern
// matching.
type Override struct {
	Tier      int       `json:"tier"`
	TaskTypes []string  `json:"taskTypes"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// Selection is the resolver's answer for one prompt.
type Selection struct {
	Tools          []string               `json:"tools"`
	Skills         []string               `json:"skills"`
	MCPs           []string               `json:"mcps"`
	Tier2Available []SkillDef             `json:"tier2_available"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// Config configures a Resolver.
type Config struct {
	Tier0      Tier0
	Categories []Category

	// Catalog is the Tier 2 on-demand skill catalog.
	Catalog []SkillDef

	// MaxTools caps the unioned tool set; zero means DefaultMaxTools.
	MaxTools int

	// PromotionThreshold is the on-demand load count that promotes a skill
	// to Tier 1 for a task type; zero means DefaultPromotionThreshold.
	PromotionThreshold int

	// WindowSize is the rolling session window for demotion; zero means
	// DefaultWindowSize.
	WindowSize int

	// UsageFloor is the in-window usage rate below which a Tier 1 category
	// is demoted; zero means DefaultUsageFloor.
	UsageFloor float64

	// Dir is where the tier-resolver sidecar lives. Empty disables
	// persistence.
	Dir string

	// Emitter receives tier_promotion and tier_demotion events. Nil means
	// no events.
	Emitter emit.Emitter
}

// usageStat counts on-demand loads for one (skill, task_type) pair.
type usageStat struct {
	Count    int       `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}

// Resolver is the tier resolver. Safe for concurrent use.
type Resolver struct {
	cfg     Config
	catalog map[string]SkillDef

	mu        sync.Mutex
	overrides map[string]Override
	usage     map[string]usageStat // keyed skill::task_type

	// sessions is the rolling window of per-session used-tool sets.
	sessions     []map[string]bool
	sessionCount int

	memo *lru.Cache[string, Selection]
}

// New compiles the Tier 1 patterns and restores learned overrides from the
// sidecar. An invalid pattern is an error; the resolver refuses to start with
// a category it cannot match.
func New(cfg Config) (*Resolver, error) {
	if cfg.MaxTools <= 0 {
		cfg.MaxTools = DefaultMaxTools
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = DefaultPromotionThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.UsageFloor <= 0 {
		cfg.UsageFloor = DefaultUsageFloor
	}
	if cfg.Emitter == nil {
		cfg.Emitter = emit.NewNullEmitter()
	}

	for i := range cfg.Categories {
		re, err := regexp.Compile("(?i)" + cfg.Categories[i].Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern for category %q: %w", cfg.Categories[i].Name, err)
		}
		cfg.Categories[i].re = re
	}

	r := &Resolver{
		cfg:       cfg,
		catalog:   make(map[string]SkillDef, len(cfg.Catalog)),
		overrides: make(map[string]Override),
		usage:     make(map[string]usageStat),
		memo:      lru.New[string, Selection](memoCapacity),
	}
	for _, def := range cfg.Catalog {
		r.catalog[def.Name] = def
	}
	r.restore()
	return r, nil
}

// SelectTools resolves the tool/skill/MCP sets for a prompt. Results are
// memoized by the prompt's keyword fingerprint plus the task type; learning
// events (promotion, demotion) flush the memo.
func (r *Resolver) SelectTools(prompt, taskType string) Selection {
	key := fingerprint(prompt) + "|" + taskType

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.memo.Get(key); ok {
		return cached
	}

	sel := r.resolveLocked(prompt, taskType)
	r.memo.Set(key, sel)
	return sel
}

// resolveLocked computes a selection. Caller holds the lock.
func (r *Resolver) resolveLocked(prompt, taskType string) Selection {
	lower := strings.ToLower(prompt)

	tools := newOrderedSet(r.cfg.MaxTools)
	skills := newOrderedSet(0)
	mcps := newOrderedSet(0)
	var matched []string

	for _, t := range r.cfg.Tier0.Tools {
		tools.add(t)
	}
	for _, s := range r.cfg.Tier0.Skills {
		skills.add(s)
	}
	for _, m := range r.cfg.Tier0.MCPs {
		mcps.add(m)
	}

	for _, cat := range r.cfg.Categories {
		if ov, ok := r.overrides[cat.Name]; ok && ov.Tier == 2 {
			continue // demoted out of pattern matching
		}
		if !cat.re.MatchString(lower) {
			continue
		}
		matched = append(matched, cat.Name)
		for _, t := range cat.Tools {
			tools.add(t)
		}
		for _, s := range cat.Skills {
			skills.add(s)
		}
		for _, m := range cat.MCPs {
			mcps.add(m)
		}
	}

	// Promoted on-demand skills join Tier 1 for their task types.
	var promoted []string
	if taskType != "" {
		for name, ov := range r.overrides {
			if ov.Tier != 1 {
				continue
			}
			for _, tt := range ov.TaskTypes {
				if tt == taskType {
					skills.add(name)
					promoted = append(promoted, name)
					break
				}
			}
		}
		sort.Strings(promoted)
	}

	// The catalog minus anything already loaded remains available on demand.
	available := make([]SkillDef, 0, len(r.cfg.Catalog))
	for _, def := range r.cfg.Catalog {
		if !skills.has(def.Name) {
			available = append(available, def)
		}
	}

	return Selection{
		Tools:          tools.values(),
		Skills:         skills.values(),
		MCPs:           mcps.values(),
		Tier2Available: available,
		Metadata: map[string]interface{}{
			"matched_categories": matched,
			"promoted_skills":    promoted,
			"task_type":          taskType,
		},
	}
}

// LoadOnDemand returns the catalog definition for a Tier 2 skill, or nil for
// unknown names. Each load bumps the (skill, task_type) counter; crossing the
// promotion threshold installs a Tier 1 override for that task type.
func (r *Resolver) LoadOnDemand(skillName, taskType string) *SkillDef {
	def, ok := r.catalog[skillName]
	if !ok {
		return nil
	}

	r.mu.Lock()
	key := skillName + "::" + taskType
	stat := r.usage[key]
	stat.Count++
	stat.LastSeen = time.Now()
	r.usage[key] = stat

	promoted := false
	if stat.Count >= r.cfg.PromotionThreshold {
		promoted = r.promoteLocked(skillName, taskType)
	}
	r.persistLocked()
	r.mu.Unlock()

	if promoted {
		r.cfg.Emitter.Emit(emit.Event{
			Type: emit.TypeTierPromotion,
			Msg:  "skill " + skillName + " promoted to tier 1",
			Meta: map[string]interface{}{"skill": skillName, "task_type": taskType},
		})
	}
	return &def
}

// promoteLocked installs or extends a Tier 1 override. Caller holds the lock.
// Reports whether the override changed.
func (r *Resolver) promoteLocked(skillName, taskType string) bool {
	ov, exists := r.overrides[skillName]
	if exists && ov.Tier == 1 {
		for _, tt := range ov.TaskTypes {
			if tt == taskType {
				return false
			}
		}
		ov.TaskTypes = append(ov.TaskTypes, taskType)
	} else {
		ov = Override{
			Tier:      1,
			TaskTypes: []string{taskType},
			Reason:    fmt.Sprintf("loaded on demand %d times for task type %q", r.cfg.PromotionThreshold, taskType),
		}
	}
	ov.Timestamp = time.Now()
	r.overrides[skillName] = ov
	r.memo.Purge()
	return true
}

// RecordUsage records which tools a completed session actually invoked. At
// each window boundary, Tier 1 categories whose in-window usage rate fell
// below the floor are demoted to Tier 2.
func (r *Resolver) RecordUsage(usedTools []string, taskType string) {
	used := make(map[string]bool, len(usedTools))
	for _, t := range usedTools {
		used[t] = true
	}

	r.mu.Lock()

	r.sessions = append(r.sessions, used)
	if len(r.sessions) > r.cfg.WindowSize {
		r.sessions = r.sessions[len(r.sessions)-r.cfg.WindowSize:]
	}
	r.sessionCount++

	var demoted []string
	if r.sessionCount%r.cfg.WindowSize == 0 {
		demoted = r.evaluateDemotionsLocked()
	}
	r.persistLocked()
	r.mu.Unlock()

	for _, name := range demoted {
		r.cfg.Emitter.Emit(emit.Event{
			Type: emit.TypeTierDemotion,
			Msg:  "category " + name + " demoted to tier 2",
			Meta: map[string]interface{}{"category": name},
		})
	}
}

// evaluateDemotionsLocked demotes idle Tier 1 categories. Caller holds the
// lock. Returns the demoted category names.
func (r *Resolver) evaluateDemotionsLocked() []string {
	window := len(r.sessions)
	if window == 0 {
		return nil
	}

	var demoted []string
	for _, cat := range r.cfg.Categories {
		if ov, ok := r.overrides[cat.Name]; ok && ov.Tier == 2 {
			continue
		}
		hits := 0
		for _, session := range r.sessions {
			for _, tool := range cat.Tools {
				if session[tool] {
					hits++
					break
				}
			}
		}
		rate := float64(hits) / float64(window)
		if rate < r.cfg.UsageFloor {
			r.overrides[cat.Name] = Override{
				Tier:      2,
				Timestamp: time.Now(),
				Reason:    fmt.Sprintf("usage rate %.3f below floor %.3f over %d sessions", rate, r.cfg.UsageFloor, window),
			}
			r.memo.Purge()
			demoted = append(demoted, cat.Name)
		}
	}
	return demoted
}

// Overrides returns a copy of the learned override table.
func (r *Resolver) Overrides() map[string]Override {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Override, len(r.overrides))
	for k, v := range r.overrides {
		out[k] = v
	}
	return out
}

// --- persistence -----------------------------------------------------------

// tierStateFile is the sidecar filename.
const tierStateFile = "tier-resolver.json"

// State is the resolver's serializable learned state.
type State struct {
	Overrides  map[string]Override  `json:"overrides"`
	UsageStats map[string]usageStat `json:"usageStats"`
	SavedAt    time.Time            `json:"savedAt"`
}

// ExportState snapshots the learned overrides and usage counters.
func (r *Resolver) ExportState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exportLocked()
}

func (r *Resolver) exportLocked() State {
	state := State{
		Overrides:  make(map[string]Override, len(r.overrides)),
		UsageStats: make(map[string]usageStat, len(r.usage)),
		SavedAt:    time.Now(),
	}
	for k, v := range r.overrides {
		v.TaskTypes = append([]string(nil), v.TaskTypes...)
		state.Overrides[k] = v
	}
	for k, v := range r.usage {
		state.UsageStats[k] = v
	}
	return state
}

// ImportState replaces the learned state with the snapshot.
func (r *Resolver) ImportState(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overrides = make(map[string]Override, len(state.Overrides))
	for k, v := range state.Overrides {
		v.TaskTypes = append([]string(nil), v.TaskTypes...)
		r.overrides[k] = v
	}
	r.usage = make(map[string]usageStat, len(state.UsageStats))
	for k, v := range state.UsageStats {
		r.usage[k] = v
	}
	r.memo.Purge()
}

// persistLocked writes the sidecar. Best-effort; the in-memory state is
// authoritative for the running process. Caller holds the lock.
func (r *Resolver) persistLocked() {
	if r.cfg.Dir == "" {
		return
	}
	path := filepath.Join(r.cfg.Dir, tierStateFile)
	_ = statefile.WriteJSON(path, r.exportLocked())
}

// restore loads the sidecar if present.
func (r *Resolver) restore() {
	if r.cfg.Dir == "" {
		return
	}
	path := filepath.Join(r.cfg.Dir, tierStateFile)
	var state State
	if err := statefile.ReadJSON(path, &state); err != nil {
		return
	}
	if state.Overrides != nil {
		r.overrides = state.Overrides
	}
	if state.UsageStats != nil {
		r.usage = state.UsageStats
	}
}

// --- helpers ---------------------------------------------------------------

// fingerprint reduces a prompt to its sorted unique keywords so equivalent
// phrasings share a memo entry.
func fingerprint(prompt string) string {
	words := strings.FieldsFunc(strings.ToLower(prompt), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	seen := make(map[string]bool, len(words))
	unique := words[:0]
	for _, w := range words {
		if len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		unique = append(unique, w)
	}
	sort.Strings(unique)
	return strings.Join(unique, " ")
}

// orderedSet deduplicates while preserving first-seen order, with an optional
// capacity cap (0 = unbounded).
type orderedSet struct {
	cap   int
	items []string
	seen  map[string]bool
}

func newOrderedSet(capacity int) *orderedSet {
	return &orderedSet{cap: capacity, seen: make(map[string]bool)}
}

func (s *orderedSet) add(item string) {
	if s.seen[item] {
		return
	}
	if s.cap > 0 && len(s.items) >= s.cap {
		return
	}
	s.seen[item] = true
	s.items = append(s.items, item)
}

func (s *orderedSet) has(item string) bool { return s.seen[item] }

func (s *orderedSet) values() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}
