package adapter

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

const defaultClaudeMaxTokens = 1024

// ClaudeClient implements Generator with the Anthropic Messages API.
// Anthropic has no embedding endpoint, so pair it with another Embedder.
type ClaudeClient struct {
	client anthropic.Client
	model  string
}

// NewClaude creates a new Claude API client
func NewClaude(apiKey, modelName string) *ClaudeClient {
	if modelName == "" {
		modelName = "claude-sonnet-4-5"
	}
	return &ClaudeClient{
		client: anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
		model:  modelName,
	}
}

func (c *ClaudeClient) Generate(ctx context.Context, req *model.GenerationRequest) (*model.GenerationResponse, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == model.GenerationRoleModel {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Text)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultClaudeMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature > 0 {
		// Anthropic caps temperature at 1.0
		params.Temperature = anthropic.Float(min(float64(req.Temperature), 1.0))
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		opts := []goerr.Option{goerr.T(model.ErrTagUpstreamUnavailable), goerr.V("model", c.model)}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			opts = append(opts, goerr.V("status", apiErr.StatusCode))
		}
		return nil, goerr.Wrap(err, "failed to create claude message", opts...)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, goerr.New("empty response from claude",
			goerr.V("model", c.model), goerr.T(model.ErrTagUpstreamUnavailable))
	}

	return &model.GenerationResponse{Text: strings.TrimSpace(text.String())}, nil
}
