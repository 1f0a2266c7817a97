package ingest

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/m-mizutani/collective/pkg/adapter"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/repository"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultWindow         = 5
	DefaultMaxChunks      = 20
	DefaultMinChunkLength = 8
	DefaultEmbedTimeout   = 10 * time.Second
	DefaultMinWords       = 800
)

// Pipeline turns raw text into embedded memory chunks
type Pipeline struct {
	repo     repository.Repository
	embedder adapter.Embedder

	window       int
	maxChunks    int
	minLength    int
	minWords     int
	dimensions   int
	embedTimeout time.Duration
	now          func() time.Time
}

// Option is a functional option for Pipeline
type Option func(*Pipeline)

// WithWindow sets the number of sentences per chunk
func WithWindow(n int) Option {
	return func(p *Pipeline) {
		p.window = n
	}
}

// WithMaxChunks caps the chunks embedded per Ingest call
func WithMaxChunks(n int) Option {
	return func(p *Pipeline) {
		p.maxChunks = n
	}
}

// WithMinChunkLength sets the minimum chunk length in characters
func WithMinChunkLength(n int) Option {
	return func(p *Pipeline) {
		p.minLength = n
	}
}

// WithMinWords sets the word count a writing needs to be accepted (0 disables)
func WithMinWords(n int) Option {
	return func(p *Pipeline) {
		p.minWords = n
	}
}

// WithDimensions sets the requested embedding dimensions (0 = provider default)
func WithDimensions(n int) Option {
	return func(p *Pipeline) {
		p.dimensions = n
	}
}

// WithEmbedTimeout sets the timeout of each embedding call
func WithEmbedTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.embedTimeout = d
	}
}

// WithClock replaces time.Now for CreatedAt stamps
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a new ingestion Pipeline
func New(repo repository.Repository, embedder adapter.Embedder, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:         repo,
		embedder:     embedder,
		window:       DefaultWindow,
		maxChunks:    DefaultMaxChunks,
		minLength:    DefaultMinChunkLength,
		minWords:     DefaultMinWords,
		embedTimeout: DefaultEmbedTimeout,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Result reports how many chunks were attempted and how many landed.
// ChunksStored is the success signal; ingestion is not atomic across chunks.
type Result struct {
	ChunksRequested int
	ChunksStored    int
}

// Ingest splits rawText into sentence windows, embeds each retained chunk and
// stores it as memory of ownerID. Chunks beyond the cap are dropped, keeping
// the earliest. A chunk whose embedding or storage fails is logged and skipped.
func (p *Pipeline) Ingest(ctx context.Context, ownerID model.ParticipantID, rawText string, source model.MemorySource) (*Result, error) {
	if ownerID == "" {
		return nil, goerr.New("owner ID is empty", goerr.T(model.ErrTagInvalidInput))
	}
	if err := source.Validate(); err != nil {
		return nil, err
	}

	logger := logging.From(ctx).With("owner_id", ownerID, "source", source)

	var chunks []string
	for i, text := range Chunk(SplitSentences(rawText), p.window) {
		if utf8.RuneCountInString(strings.TrimSpace(text)) < p.minLength {
			logger.Debug("skipping short chunk", "index", i, "length", utf8.RuneCountInString(text))
			continue
		}
		chunks = append(chunks, text)
	}
	// short chunks never take a cap slot
	if p.maxChunks > 0 && len(chunks) > p.maxChunks {
		logger.Info("dropping chunks beyond cap", "total", len(chunks), "cap", p.maxChunks)
		chunks = chunks[:p.maxChunks]
	}

	result := &Result{ChunksRequested: len(chunks)}
	for i, text := range chunks {
		vec, err := p.embed(ctx, text)
		if err != nil {
			logger.Warn("failed to embed chunk, skipping", "index", i, logging.ErrAttr(err))
			continue
		}

		chunk := &model.MemoryChunk{
			ID:        model.NewChunkID(),
			OwnerID:   ownerID,
			Text:      text,
			Embedding: vec,
			Source:    source,
			CreatedAt: p.now(),
		}
		if err := p.repo.PutChunk(ctx, chunk); err != nil {
			logger.Warn("failed to store chunk, skipping", "index", i, logging.ErrAttr(err))
			continue
		}
		result.ChunksStored++
	}

	logger.Info("ingested text", "requested", result.ChunksRequested, "stored", result.ChunksStored)
	return result, nil
}

func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.embedTimeout)
	defer cancel()

	vec, err := p.embedder.Embed(ctx, text, p.dimensions)
	if err != nil {
		return nil, goerr.Wrap(err, "embedding API call failed", goerr.T(model.ErrTagUpstreamUnavailable))
	}
	return vec, nil
}

// IngestWriting stores a free-form writing and ingests it as writing memory
func (p *Pipeline) IngestWriting(ctx context.Context, ownerID model.ParticipantID, text string) (*model.Writing, *Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil, goerr.New("writing is empty", goerr.T(model.ErrTagInvalidInput))
	}
	if ownerID == "" {
		return nil, nil, goerr.New("owner ID is empty", goerr.T(model.ErrTagInvalidInput))
	}

	writing := model.NewWriting(ownerID, text)
	if writing.WordCount < p.minWords {
		return nil, nil, goerr.New("writing is too short",
			goerr.V("word_count", writing.WordCount),
			goerr.V("min_words", p.minWords),
			goerr.T(model.ErrTagInvalidInput))
	}
	writing.CreatedAt = p.now()
	if err := p.repo.PutWriting(ctx, writing); err != nil {
		return nil, nil, goerr.Wrap(err, "failed to save writing", goerr.V("owner_id", ownerID))
	}

	result, err := p.Ingest(ctx, ownerID, text, model.MemorySourceWriting)
	if err != nil {
		return nil, nil, err
	}
	return writing, result, nil
}
