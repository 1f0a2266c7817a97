package adapter

import (
	"context"
	"errors"
	"strings"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
)

// OpenAIClient talks to the OpenAI chat completion and embedding endpoints
type OpenAIClient struct {
	client         openai.Client
	chatModel      string
	embeddingModel string
}

type OpenAIOption func(*OpenAIClient)

func WithOpenAIChatModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.chatModel = model
	}
}

func WithOpenAIEmbeddingModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.embeddingModel = model
	}
}

// NewOpenAI creates a client. baseURL may be empty for the public endpoint.
func NewOpenAI(apiKey, baseURL string, opts ...OpenAIOption) *OpenAIClient {
	reqOpts := []openaioption.RequestOption{openaioption.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, openaioption.WithBaseURL(baseURL))
	}

	c := &OpenAIClient{
		client:         openai.NewClient(reqOpts...),
		chatModel:      "gpt-4o-mini",
		embeddingModel: "text-embedding-3-large",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *OpenAIClient) Generate(ctx context.Context, req *model.GenerationRequest) (*model.GenerationResponse, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, msg := range req.Messages {
		if msg.Role == model.GenerationRoleModel {
			messages = append(messages, openai.AssistantMessage(msg.Text))
		} else {
			messages = append(messages, openai.UserMessage(msg.Text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.chatModel),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapOpenAIError(err, "failed to create chat completion")
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, goerr.New("empty response from openai",
			goerr.V("model", c.chatModel), goerr.T(model.ErrTagUpstreamUnavailable))
	}

	return &model.GenerationResponse{Text: strings.TrimSpace(resp.Choices[0].Message.Content)}, nil
}

func (c *OpenAIClient) Embed(ctx context.Context, text string, dimensions int) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(c.embeddingModel),
	}
	if dimensions > 0 {
		params.Dimensions = openai.Int(int64(dimensions))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, wrapOpenAIError(err, "failed to create embedding")
	}
	if len(resp.Data) == 0 {
		return nil, goerr.New("empty embedding from openai",
			goerr.V("model", c.embeddingModel), goerr.T(model.ErrTagUpstreamUnavailable))
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

func wrapOpenAIError(err error, msg string) error {
	opts := []goerr.Option{goerr.T(model.ErrTagUpstreamUnavailable)}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		opts = append(opts,
			goerr.V("status", apiErr.StatusCode),
			goerr.V("detail", apiErr.Message),
		)
	}

	return goerr.Wrap(err, msg, opts...)
}
