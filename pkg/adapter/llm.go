package adapter

import (
	"context"

	"github.com/m-mizutani/collective/pkg/model"
)

// Generator is the Generation API. Implementations must honor ctx deadlines
// and tag failures with model.ErrTagUpstreamUnavailable.
type Generator interface {
	Generate(ctx context.Context, req *model.GenerationRequest) (*model.GenerationResponse, error)
}

// Embedder is the Embedding API
type Embedder interface {
	// Embed returns a vector for text. dimensions <= 0 means provider default.
	Embed(ctx context.Context, text string, dimensions int) ([]float32, error)
}
