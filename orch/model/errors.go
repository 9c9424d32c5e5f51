package model

import (
	"context"
	"errors"
	"strings"

	"github.com/dshills/opencode-go/orch/fault"
)

// ClassifyProviderError translates a raw SDK error into a fault.Error so
// callers get a uniform recoverable/permanent signal across providers. The
// SDKs expose status mostly through error strings, so classification is
// substring-based.
func ClassifyProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindTimeout, "deadline", provider+" request timed out", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "authentication", "api key", "api_key"):
		return fault.Wrap(fault.KindAuth, "invalid_api_key", provider+" rejected the API key", err)
	case containsAny(msg, "429", "rate limit", "rate_limit", "too many requests", "resource_exhausted"):
		return fault.Wrap(fault.KindRate, "rate_limited", provider+" rate limit exceeded", err)
	case containsAny(msg, "quota", "insufficient_quota", "billing"):
		return fault.Wrap(fault.KindRate, "quota_exceeded", provider+" quota exceeded", err)
	case containsAny(msg, "500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable", "overloaded"):
		return fault.Wrap(fault.KindProvider, "server_error", provider+" server error", err)
	case containsAny(msg, "timeout", "deadline"):
		return fault.Wrap(fault.KindTimeout, "timeout", provider+" request timed out", err)
	case containsAny(msg, "connection", "network", "dns", "reset"):
		return fault.Wrap(fault.KindNetwork, "network_error", "network error calling "+provider, err)
	default:
		return fault.Wrap(fault.KindProvider, "api_error", provider+" API error", err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
