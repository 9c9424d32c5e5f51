// Package anthropic adapts Anthropic's Claude API to the model.CallModel
// interface using the official anthropic-sdk-go client.
package anthropic

import (
	"context"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/opencode-go/orch/model"
)

// DefaultModel is used when the request does not name one.
const DefaultModel = "claude-3-5-sonnet-20241022"

// DefaultMaxTokens bounds completions when the request does not.
const DefaultMaxTokens = 4096

// Client implements model.CallModel for Claude.
type Client struct {
	client    *sdk.Client
	modelName string
}

// New creates a Claude adapter. An empty modelName uses DefaultModel.
func New(apiKey, modelName string) *Client {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client, modelName: modelName}
}

// Provider implements model.CallModel.
func (c *Client) Provider() string {
	return "anthropic"
}

// Call implements model.CallModel. Anthropic takes the system prompt as a
// separate parameter, so system messages are extracted from the conversation
// before conversion.
func (c *Client) Call(ctx context.Context, req model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}
	start := time.Now()

	name := req.Model
	if name == "" {
		name = c.modelName
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	system, conversation := splitSystem(req.Messages)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(name),
		MaxTokens: maxTokens,
		Messages:  conversation,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, model.ClassifyProviderError("anthropic", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return model.Response{
		Text:     text,
		Model:    name,
		Provider: "anthropic",
		Usage: model.Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

// splitSystem separates system messages (concatenated) from the rest of the
// conversation, converting the remainder to SDK message params.
func splitSystem(messages []model.Message) (string, []sdk.MessageParam) {
	var system string
	var conversation []sdk.MessageParam

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		}
	}
	return system, conversation
}
