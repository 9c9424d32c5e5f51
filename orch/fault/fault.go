// Package fault defines the error taxonomy shared by all platform components.
//
// Every boundary-crossing error is classified into a Kind. The kind determines
// whether the executor may retry the failed step (recoverable) or must fail the
// run (terminal). Components never panic across package boundaries; they return
// *fault.Error values and let callers inspect the tag.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

// Error kinds. Network, Timeout, Rate, and Provider errors are recoverable
// under the executor's retry policy; the rest are terminal.
const (
	// KindAuth covers missing, invalid, or expired credentials.
	KindAuth Kind = "auth"

	// KindProvider covers upstream model errors: model not found,
	// content policy refusals, provider-side failures.
	KindProvider Kind = "provider"

	// KindNetwork covers connection, DNS, TLS, and reset errors.
	KindNetwork Kind = "network"

	// KindTimeout covers request and operation deadline expirations.
	KindTimeout Kind = "timeout"

	// KindRate covers rate-limit and quota-exhausted responses.
	KindRate Kind = "rate"

	// KindConfig covers missing, invalid, or corrupted configuration.
	KindConfig Kind = "config"

	// KindState covers store corruption, transaction failures, and
	// sidecar persistence failures.
	KindState Kind = "state"

	// KindValidation covers malformed input shapes.
	KindValidation Kind = "validation"

	// KindInternal covers unexpected conditions and unimplemented paths.
	KindInternal Kind = "internal"
)

// Recoverable reports whether errors of this kind may be retried.
func (k Kind) Recoverable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRate, KindProvider:
		return true
	default:
		return false
	}
}

// userMessages maps error codes to concise operator-facing messages.
// The raw error stays on the event payload for diagnostics.
var userMessages = map[Kind]string{
	KindAuth:       "authentication failed; check provider credentials",
	KindProvider:   "the model provider returned an error",
	KindNetwork:    "a network error occurred; the operation will be retried",
	KindTimeout:    "the operation timed out",
	KindRate:       "rate limit or quota exceeded",
	KindConfig:     "configuration is missing or invalid",
	KindState:      "persistent state could not be read or written",
	KindValidation: "input is malformed",
	KindInternal:   "an internal error occurred",
}

// Error is a classified error carrying a machine-readable code and an
// optional wrapped cause.
type Error struct {
	// Kind is the taxonomy bucket this error falls into.
	Kind Kind

	// Code is a short machine-readable identifier, e.g. "quota_exhausted".
	Code string

	// Message describes what went wrong.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// New creates a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error with a contextual message. An empty
// message uses the cause's text. Returns nil if err is nil.
func Wrap(kind Kind, code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	if message == "" {
		message = err.Error()
	}
	return &Error{Kind: kind, Code: code, Message: message, Cause: err}
}

func (e *Error) Error() string {
	if e.Code != "" {
		return string(e.Kind) + "/" + e.Code + ": " + e.Message
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap returns the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Recoverable reports whether the executor may retry after this error.
func (e *Error) Recoverable() bool {
	return e.Kind.Recoverable()
}

// UserMessage returns the concise operator-facing message for this error's
// kind. The detailed Message and Cause remain available for diagnostics.
func (e *Error) UserMessage() string {
	if msg, ok := userMessages[e.Kind]; ok {
		return msg
	}
	return userMessages[KindInternal]
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// reported as KindInternal; context timeouts as KindTimeout.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsRecoverable reports whether any error in the chain is a recoverable
// fault. Unclassified errors are treated as terminal.
func IsRecoverable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Recoverable()
	}
	return false
}
