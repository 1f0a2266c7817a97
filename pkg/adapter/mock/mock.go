// Package mock provides deterministic Generator and Embedder doubles for tests
// and offline runs.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

const defaultDimensions = 32

// Embedder creates hash-based unit vectors. The same text always yields the
// same vector.
type Embedder struct {
	// FailOn makes the n-th call (1-based) fail when it returns true
	FailOn func(call int, text string) bool
	// Delay is waited before answering; ctx cancellation aborts the wait
	Delay time.Duration

	mu    sync.Mutex
	calls []string
}

func (m *Embedder) Embed(ctx context.Context, text string, dimensions int) ([]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	call := len(m.calls)
	m.mu.Unlock()

	if err := wait(ctx, m.Delay); err != nil {
		return nil, err
	}
	if m.FailOn != nil && m.FailOn(call, text) {
		return nil, goerr.New("mock embedding failure",
			goerr.V("call", call), goerr.T(model.ErrTagUpstreamUnavailable))
	}

	if dimensions <= 0 {
		dimensions = defaultDimensions
	}
	return HashVector(text, dimensions), nil
}

// Calls returns the texts passed to Embed in call order
func (m *Embedder) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// HashVector derives a deterministic unit vector from text
func HashVector(text string, dimensions int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dimensions)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
		norm += float64(vec[i]) * float64(vec[i])
	}

	if norm == 0 {
		vec[0] = 1
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// Generator returns canned replies and records requests
type Generator struct {
	// Reply builds the response text. Defaults to a fixed sentence.
	Reply func(req *model.GenerationRequest) string
	// Err is returned instead of a reply when set
	Err error
	// Delay is waited before answering; ctx cancellation aborts the wait
	Delay time.Duration

	mu       sync.Mutex
	requests []*model.GenerationRequest
	inFlight int
	maxInUse int
}

func (m *Generator) Generate(ctx context.Context, req *model.GenerationRequest) (*model.GenerationResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.inFlight++
	if m.inFlight > m.maxInUse {
		m.maxInUse = m.inFlight
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if err := wait(ctx, m.Delay); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, goerr.Wrap(m.Err, "mock generation failure", goerr.T(model.ErrTagUpstreamUnavailable))
	}

	text := "The Wired remembers what you forget."
	if m.Reply != nil {
		text = m.Reply(req)
	}
	return &model.GenerationResponse{Text: text}, nil
}

// Requests returns the requests received so far
func (m *Generator) Requests() []*model.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.GenerationRequest(nil), m.requests...)
}

// MaxConcurrent returns the highest number of overlapping Generate calls seen
func (m *Generator) MaxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInUse
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "mock call canceled", goerr.T(model.ErrTagUpstreamUnavailable))
	case <-timer.C:
		return nil
	}
}
