package adapter_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/m-mizutani/collective/pkg/adapter"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/gt"
)

func newTestGemini(t *testing.T) *adapter.GeminiClient {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	location := os.Getenv("TEST_GEMINI_LOCATION")
	if location == "" {
		location = "us-central1"
	}

	client, err := adapter.NewGemini(context.Background(), projectID, location)
	gt.NoError(t, err)
	return client
}

func TestGeminiGenerate(t *testing.T) {
	client := newTestGemini(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := client.Generate(ctx, &model.GenerationRequest{
		SystemPrompt: "You are a terse philosopher. Answer in one sentence.",
		Messages: []model.GenerationMessage{
			{Role: model.GenerationRoleUser, Text: "Are you real?"},
		},
		Temperature: 0.95,
		MaxTokens:   150,
	})
	gt.NoError(t, err)
	gt.V(t, resp.Text).NotEqual("")

	t.Log("response:", resp.Text)
}

func TestGeminiEmbed(t *testing.T) {
	client := newTestGemini(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	vec, err := client.Embed(ctx, "Everyone is connected. Even you.", 256)
	gt.NoError(t, err)
	gt.A(t, vec).Length(256)
}
