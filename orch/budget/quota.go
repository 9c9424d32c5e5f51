package budget

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dshills/opencode-go/orch/emit"
	"github.com/dshills/opencode-go/orch/fault"
	"github.com/dshills/opencode-go/orch/statefile"
	"github.com/dshills/opencode-go/orch/store"
)

// Provider quota health, computed from the current-period aggregate against
// the configured limit.
type QuotaHealth string

const (
	QuotaHealthy   QuotaHealth = "healthy"
	QuotaWarning   QuotaHealth = "warning"
	QuotaCritical  QuotaHealth = "critical"
	QuotaExhausted QuotaHealth = "exhausted"
)

// Default provider quota thresholds.
const (
	DefaultQuotaWarn     = 0.80
	DefaultQuotaCritical = 0.95
)

// QuotaStatus is the answer from GetQuotaStatus.
type QuotaStatus struct {
	Provider  string          `json:"provider"`
	Used      int64           `json:"used"`
	Remaining int64           `json:"remaining"`
	Percent   float64         `json:"percent"`
	Status    QuotaHealth     `json:"status"`
	Type      store.QuotaType `json:"type"`
	Limit     int64           `json:"limit"`
}

// ConfigureQuota idempotently upserts a provider's quota configuration.
// Unset thresholds receive the package defaults.
func (g *Governor) ConfigureQuota(ctx context.Context, cfg store.QuotaConfig) error {
	if cfg.Provider == "" {
		return fault.New(fault.KindValidation, "empty_provider", "quota provider cannot be empty")
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = DefaultQuotaWarn
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = DefaultQuotaCritical
	}
	if err := g.store.UpsertQuotaConfig(ctx, cfg); err != nil {
		return fault.Wrap(fault.KindState, "quota_config", "failed to persist quota config", err)
	}
	return nil
}

// RecordUsage appends a usage record, filling in the cost estimate from the
// pricing table when the caller left it zero, and refreshes the rate-limit
// and provider-status sidecars.
//
// A quota_warning audit event is emitted when the provider crosses into
// warning or worse.
func (g *Governor) RecordUsage(ctx context.Context, rec store.UsageRecord) error {
	if rec.CostEstimate == 0 {
		rec.CostEstimate = EstimateCost(rec.Model, rec.InputTokens, rec.OutputTokens)
	}
	if err := g.store.RecordUsage(ctx, rec); err != nil {
		return fault.Wrap(fault.KindState, "usage_record", "failed to record usage", err)
	}

	g.updateRateLimits(rec)

	status, err := g.GetQuotaStatus(ctx, rec.Provider)
	if err == nil {
		g.persistProviderStatus(ctx)
		if status.Status != QuotaHealthy {
			g.emit(emit.Event{
				Type: emit.TypeQuotaWarning,
				Msg:  fmt.Sprintf("provider %s is %s", rec.Provider, status.Status),
				Meta: map[string]interface{}{
					"provider": rec.Provider,
					"status":   string(status.Status),
					"percent":  status.Percent,
				},
			})
		}
	}
	return nil
}

// GetQuotaStatus computes a provider's current-period health.
//
// Unconfigured providers and unlimited quotas report healthy with percent 0.
func (g *Governor) GetQuotaStatus(ctx context.Context, provider string) (QuotaStatus, error) {
	cfg, err := g.store.GetQuotaConfig(ctx, provider)
	if errors.Is(err, store.ErrNotFound) {
		return QuotaStatus{Provider: provider, Status: QuotaHealthy, Type: store.QuotaUnlimited}, nil
	}
	if err != nil {
		return QuotaStatus{}, fault.Wrap(fault.KindState, "quota_status", "failed to load quota config", err)
	}

	if cfg.Type == store.QuotaUnlimited || cfg.Limit <= 0 {
		return QuotaStatus{Provider: provider, Status: QuotaHealthy, Type: cfg.Type, Limit: cfg.Limit}, nil
	}

	agg, err := g.store.UsageSince(ctx, provider, PeriodStart(cfg.Period, time.Now()))
	if err != nil {
		return QuotaStatus{}, fault.Wrap(fault.KindState, "quota_status", "failed to aggregate usage", err)
	}

	var used int64
	switch cfg.Type {
	case store.QuotaRequests:
		used = agg.Requests
	case store.QuotaTokens:
		used = agg.TotalTokens
	}

	percent := float64(used) / float64(cfg.Limit)
	remaining := cfg.Limit - used
	if remaining < 0 {
		remaining = 0
	}

	status := QuotaHealthy
	switch {
	case percent >= 1.0:
		status = QuotaExhausted
	case percent >= cfg.CriticalThreshold:
		status = QuotaCritical
	case percent >= cfg.WarnThreshold:
		status = QuotaWarning
	}

	return QuotaStatus{
		Provider:  provider,
		Used:      used,
		Remaining: remaining,
		Percent:   percent,
		Status:    status,
		Type:      cfg.Type,
		Limit:     cfg.Limit,
	}, nil
}

// HasCapacity reports whether the provider can absorb an estimated call:
// not exhausted, and either enough tokens remain or usage is still below the
// critical threshold.
func (g *Governor) HasCapacity(ctx context.Context, provider string, estTokens int64) bool {
	status, err := g.GetQuotaStatus(ctx, provider)
	if err != nil {
		return false
	}
	if status.Status == QuotaExhausted {
		return false
	}
	if status.Type == store.QuotaUnlimited || status.Limit <= 0 {
		return true
	}
	return status.Remaining >= estTokens || status.Status != QuotaCritical
}

// SuggestFallback picks the non-exhausted candidate with the lowest
// percent-used; ties break by input order. Returns "" when every candidate is
// exhausted or errored.
func (g *Governor) SuggestFallback(ctx context.Context, candidates []string) string {
	best := ""
	bestPercent := 0.0
	for _, provider := range candidates {
		status, err := g.GetQuotaStatus(ctx, provider)
		if err != nil || status.Status == QuotaExhausted {
			continue
		}
		if best == "" || status.Percent < bestPercent {
			best = provider
			bestPercent = status.Percent
		}
	}
	return best
}

// PeriodStart returns the beginning of the current accounting window in local
// time. All-time windows return the zero time.
func PeriodStart(p store.Period, now time.Time) time.Time {
	switch p {
	case store.PeriodMonth:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	case store.PeriodDay:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	default:
		return time.Time{}
	}
}

// --- sidecars --------------------------------------------------------------

// Sidecar filenames for provider-level state.
const (
	rateLimitsFile     = "rate-limits.json"
	providerStatusFile = "provider-status.json"
)

// rateLimitEntry is one provider or model counter in the rate-limits sidecar.
type rateLimitEntry struct {
	Requests   int64     `json:"requests"`
	TokensUsed int64     `json:"tokensUsed"`
	LastReset  time.Time `json:"lastReset"`
}

type rateLimitState struct {
	Providers map[string]rateLimitEntry `json:"providers"`
	Models    map[string]rateLimitEntry `json:"models"` // keyed provider/model
}

// updateRateLimits bumps the sidecar counters for one usage record.
// Best-effort: read-modify-write failures are logged, never fatal.
func (g *Governor) updateRateLimits(rec store.UsageRecord) {
	if g.cfg.Dir == "" {
		return
	}
	path := filepath.Join(g.cfg.Dir, rateLimitsFile)

	g.mu.Lock()
	defer g.mu.Unlock()

	var state rateLimitState
	_ = statefile.ReadJSON(path, &state)
	if state.Providers == nil {
		state.Providers = make(map[string]rateLimitEntry)
	}
	if state.Models == nil {
		state.Models = make(map[string]rateLimitEntry)
	}

	tokens := rec.InputTokens + rec.OutputTokens
	bump := func(m map[string]rateLimitEntry, key string) {
		entry := m[key]
		if entry.LastReset.IsZero() {
			entry.LastReset = time.Now()
		}
		entry.Requests++
		entry.TokensUsed += tokens
		m[key] = entry
	}
	bump(state.Providers, rec.Provider)
	bump(state.Models, rec.Provider+"/"+rec.Model)

	if err := statefile.WriteJSON(path, state); err != nil {
		g.logf("rate-limit sidecar write failed: %v", err)
	}
}

// persistProviderStatus snapshots every configured provider's health to the
// provider-status sidecar. Best-effort.
func (g *Governor) persistProviderStatus(ctx context.Context) {
	if g.cfg.Dir == "" {
		return
	}
	configs, err := g.store.ListQuotaConfigs(ctx)
	if err != nil {
		return
	}

	snapshot := make(map[string]QuotaStatus, len(configs))
	for _, cfg := range configs {
		status, err := g.GetQuotaStatus(ctx, cfg.Provider)
		if err != nil {
			continue
		}
		snapshot[cfg.Provider] = status
	}

	path := filepath.Join(g.cfg.Dir, providerStatusFile)
	if err := statefile.WriteJSON(path, snapshot); err != nil {
		g.logf("provider-status sidecar write failed: %v", err)
	}
}
