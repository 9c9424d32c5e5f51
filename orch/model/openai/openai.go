// Package openai adapts OpenAI's chat completion API to the model.CallModel
// interface using the official openai-go client.
package openai

import (
	"context"
	"errors"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/opencode-go/orch/model"
)

// DefaultModel is used when the request does not name one.
const DefaultModel = "gpt-4o-mini"

// Client implements model.CallModel for OpenAI chat models.
type Client struct {
	client    *sdk.Client
	modelName string
}

// New creates an OpenAI adapter. An empty modelName uses DefaultModel.
func New(apiKey, modelName string) *Client {
	if modelName == "" {
		modelName = DefaultModel
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client, modelName: modelName}
}

// Provider implements model.CallModel.
func (c *Client) Provider() string {
	return "openai"
}

// Call implements model.CallModel.
func (c *Client) Call(ctx context.Context, req model.Request) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}
	start := time.Now()

	name := req.Model
	if name == "" {
		name = c.modelName
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(name),
		Messages: convertMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, model.ClassifyProviderError("openai", err)
	}
	if len(completion.Choices) == 0 {
		return model.Response{}, model.ClassifyProviderError("openai", errors.New("empty choices in completion"))
	}

	return model.Response{
		Text:     completion.Choices[0].Message.Content,
		Model:    name,
		Provider: "openai",
		Usage: model.Usage{
			InputTokens:  completion.Usage.PromptTokens,
			OutputTokens: completion.Usage.CompletionTokens,
		},
		Latency: time.Since(start),
	}, nil
}

func convertMessages(messages []model.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, sdk.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, sdk.AssistantMessage(msg.Content))
		default:
			out = append(out, sdk.UserMessage(msg.Content))
		}
	}
	return out
}
