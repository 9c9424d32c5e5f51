// Package google adapts Google's Gemini API to the model.CallModel interface
// using the official generative-ai-go client.
package google

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/opencode-go/orch/model"
)

// DefaultModel is used when the request does not name one.
const DefaultModel = "gemini-1.5-flash"

// Client implements model.CallModel for Gemini. Close releases the underlying
// connection when the client is no longer needed.
type Client struct {
	client    *genai.Client
	modelName string
}

// New creates a Gemini adapter. An empty modelName uses DefaultModel.
func New(ctx context.Context, apiKey, modelName string) (*Client, error) {
	if modelName == "" {
		modelName = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &Client{client: client, modelName: modelName}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Provider implements model.CallModel.
func (c *Client) Provider() string {
	return "google"
}

// Call implements model.CallModel. Gemini takes the system prompt as a model
// instruction and prior turns as chat history; the final user message is sent
// as the live turn.
func (c *Client) Call(ctx context.Context, req model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}
	start := time.Now()

	name := req.Model
	if name == "" {
		name = c.modelName
	}

	gm := c.client.GenerativeModel(name)
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	system, history, last := splitConversation(req.Messages)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if last == "" {
		return model.Response{}, model.ClassifyProviderError("google", errors.New("conversation has no user message"))
	}

	session := gm.StartChat()
	session.History = history

	resp, err := session.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return model.Response{}, model.ClassifyProviderError("google", err)
	}

	var usage model.Usage
	if resp.UsageMetadata != nil {
		usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}

	return model.Response{
		Text:     extractText(resp),
		Model:    name,
		Provider: "google",
		Usage:    usage,
		Latency:  time.Since(start),
	}, nil
}

// splitConversation extracts the system prompt, converts prior turns to chat
// history, and returns the final user message as the live turn.
func splitConversation(messages []model.Message) (system string, history []*genai.Content, last string) {
	lastUser := -1
	for i, msg := range messages {
		if msg.Role == model.RoleUser {
			lastUser = i
		}
	}

	for i, msg := range messages {
		switch {
		case msg.Role == model.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case i == lastUser:
			last = msg.Content
		default:
			role := "user"
			if msg.Role == model.RoleAssistant {
				role = "model"
			}
			history = append(history, &genai.Content{
				Role:  role,
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}
	return system, history, last
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return ""
	}
	var text string
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}
	return text
}
