package router

import (
	"time"

	"github.com/dshills/opencode-go/orch/statefile"
)

// State is the router's serializable form: the profile list plus the live
// outcome table. ImportState(ExportState()) round-trips.
type State struct {
	Profiles []Profile        `json:"profiles"`
	Stats    map[string]Stats `json:"stats"`
	SavedAt  time.Time        `json:"savedAt"`
}

// RecordOutcome folds one task outcome into the model's live stats using
// exponential decay: rate = alpha*outcome + (1-alpha)*rate, and symmetrically
// for latency. A latencyMS of zero or less leaves the latency stats untouched.
//
// The full outcome table is persisted through Config.PersistState on every
// call; persistence failure is returned but the in-memory update stands.
func (r *Router) RecordOutcome(model string, success bool, latencyMS float64) error {
	r.mu.Lock()
	stats := r.stats[model]
	if stats == nil {
		stats = &Stats{SuccessRate: DefaultSuccessRate}
		r.stats[model] = stats
	}

	outcome := 0.0
	if success {
		outcome = 1.0
	}
	stats.SuccessRate = r.cfg.Alpha*outcome + (1-r.cfg.Alpha)*stats.SuccessRate

	if latencyMS > 0 {
		if stats.Observations == 0 || stats.MeanLatency == 0 {
			stats.MeanLatency = latencyMS
		} else {
			stats.MeanLatency = r.cfg.Alpha*latencyMS + (1-r.cfg.Alpha)*stats.MeanLatency
		}
		stats.Latencies = append(stats.Latencies, latencyMS)
		if len(stats.Latencies) > latencySampleCap {
			stats.Latencies = stats.Latencies[len(stats.Latencies)-latencySampleCap:]
		}
	}

	stats.Observations++
	stats.LastUpdated = time.Now()
	state := r.exportLocked()
	r.mu.Unlock()

	if r.cfg.PersistState != nil {
		return r.cfg.PersistState(state)
	}
	return nil
}

// ExportState snapshots the router for persistence or transfer.
func (r *Router) ExportState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exportLocked()
}

// exportLocked builds the snapshot. Caller holds the lock.
func (r *Router) exportLocked() State {
	out := State{
		Profiles: make([]Profile, len(r.profiles)),
		Stats:    make(map[string]Stats, len(r.stats)),
		SavedAt:  time.Now(),
	}
	copy(out.Profiles, r.profiles)
	for id, s := range r.stats {
		copied := *s
		copied.Latencies = append([]float64(nil), s.Latencies...)
		out.Stats[id] = copied
	}
	return out
}

// ImportState replaces the router's profiles and live stats with the snapshot.
func (r *Router) ImportState(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles = make([]Profile, len(state.Profiles))
	copy(r.profiles, state.Profiles)

	r.stats = make(map[string]*Stats, len(state.Stats))
	for id, s := range state.Stats {
		copied := s
		copied.Latencies = append([]float64(nil), s.Latencies...)
		r.stats[id] = &copied
	}
}

// FilePersist returns a PersistState hook that writes the state atomically to
// path. Pair with LoadState on startup.
func FilePersist(path string) func(State) error {
	return func(state State) error {
		return statefile.WriteJSON(path, state)
	}
}

// LoadState reads a persisted router state from path.
func LoadState(path string) (State, error) {
	var state State
	err := statefile.ReadJSON(path, &state)
	return state, err
}
