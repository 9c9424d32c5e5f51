// Package model defines the provider-neutral LLM call surface.
//
// A CallModel implementation handles provider authentication, converts the
// neutral Request into the provider's wire format, and reports token usage
// and latency on every Response so the budget governor and router can account
// for the call. Provider errors are translated into fault.Error values with a
// recoverable/permanent classification.
//
// Subpackages anthropic, openai, and google wrap the official SDKs. Mock is
// the in-process implementation for tests and dry runs.
package model

import (
	"context"
	"sync"
	"time"
)

// Standard role constants, aligned with the conventions all three providers
// share.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Request is a provider-neutral completion request.
type Request struct {
	// Model is the provider-specific model name. Empty uses the adapter's
	// default.
	Model string

	// Messages is the conversation so far. System messages are extracted
	// or translated per provider convention.
	Messages []Message

	// MaxTokens bounds the completion length. Zero uses the adapter's
	// default.
	MaxTokens int
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Response is a provider-neutral completion result.
type Response struct {
	Text     string
	Model    string
	Provider string
	Usage    Usage
	Latency  time.Duration
}

// CallModel is implemented by every provider adapter.
type CallModel interface {
	// Call sends the request and blocks until the completion arrives, the
	// context is canceled, or the provider fails.
	Call(ctx context.Context, req Request) (Response, error)

	// Provider returns the adapter's provider id ("anthropic", "openai",
	// "google", "mock").
	Provider() string
}

// Mock is a scripted CallModel for tests. Responses are served in order;
// after the script runs out the last entry repeats. A nil script echoes the
// final user message.
type Mock struct {
	mu     sync.Mutex
	script []Response
	errs   []error
	next   int
	calls  []Request

	// Delay is added to every call and reported as the response latency.
	Delay time.Duration
}

// NewMock creates a mock that serves the given responses in order.
func NewMock(script ...Response) *Mock {
	return &Mock{script: script}
}

// FailWith queues an error before the scripted responses.
func (m *Mock) FailWith(errs ...error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

// Call implements CallModel.
func (m *Mock) Call(ctx context.Context, req Request) (Response, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return Response{}, err
	}

	var resp Response
	switch {
	case len(m.script) == 0:
		text := ""
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == RoleUser {
				text = req.Messages[i].Content
				break
			}
		}
		resp = Response{Text: text, Usage: Usage{InputTokens: 10, OutputTokens: 10}}
	case m.next < len(m.script):
		resp = m.script[m.next]
		m.next++
	default:
		resp = m.script[len(m.script)-1]
	}

	if resp.Model == "" {
		resp.Model = req.Model
	}
	resp.Provider = "mock"
	resp.Latency = m.Delay
	return resp, nil
}

// Provider implements CallModel.
func (m *Mock) Provider() string {
	return "mock"
}

// Calls returns the requests seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
