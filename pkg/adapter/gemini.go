package adapter

import (
	"context"
	"errors"
	"strings"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: "gemini-2.5-flash",
		embeddingModel:  "gemini-embedding-001",
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func (g *GeminiClient) Generate(ctx context.Context, req *model.GenerationRequest) (*model.GenerationResponse, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == model.GenerationRoleModel {
			contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleModel))
			continue
		}
		contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleUser))
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.SystemPrompt, ""),
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(req.Temperature)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return nil, wrapGeminiError(err, "failed to generate content")
	}

	var text strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
	}
	if text.Len() == 0 {
		return nil, goerr.New("empty response from gemini",
			goerr.V("model", g.generativeModel), goerr.T(model.ErrTagUpstreamUnavailable))
	}

	return &model.GenerationResponse{Text: strings.TrimSpace(text.String())}, nil
}

func (g *GeminiClient) Embed(ctx context.Context, text string, dimensions int) ([]float32, error) {
	config := &genai.EmbedContentConfig{}
	if dimensions > 0 {
		config.OutputDimensionality = genai.Ptr(int32(dimensions))
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), config)
	if err != nil {
		return nil, wrapGeminiError(err, "failed to embed content")
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, goerr.New("empty embedding from gemini",
			goerr.V("model", g.embeddingModel), goerr.T(model.ErrTagUpstreamUnavailable))
	}

	return resp.Embeddings[0].Values, nil
}

func wrapGeminiError(err error, msg string) error {
	opts := []goerr.Option{goerr.T(model.ErrTagUpstreamUnavailable)}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		opts = append(opts,
			goerr.V("status", apiErr.Code),
			goerr.V("detail", apiErr.Message),
		)
	}

	return goerr.Wrap(err, msg, opts...)
}
