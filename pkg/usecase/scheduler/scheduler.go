package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/collective/pkg/adapter"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/repository"
	"github.com/m-mizutani/collective/pkg/usecase/compose"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultInterval          = 30 * time.Second
	DefaultGenerationTimeout = 15 * time.Second
	DefaultEmbedTimeout      = 10 * time.Second
)

// Feed is the part of the collective feed the scheduler needs
type Feed interface {
	Recent(ctx context.Context, n int) ([]*model.FeedMessage, error)
	Append(ctx context.Context, msg *model.FeedMessage) (*model.FeedMessage, error)
}

// Scheduler periodically lets one active agent speak
type Scheduler struct {
	repo      repository.Repository
	feed      Feed
	composer  *compose.Composer
	generator adapter.Generator
	embedder  adapter.Embedder

	interval     time.Duration
	genTimeout   time.Duration
	embedTimeout time.Duration
	dimensions   int

	rngMu sync.Mutex
	rng   *rand.Rand

	inFlight atomic.Bool
}

// Option is a functional option for Scheduler
type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

func WithGenerationTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.genTimeout = d }
}

func WithEmbedTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.embedTimeout = d }
}

// WithDimensions sets the query embedding size. It must match stored chunks.
func WithDimensions(n int) Option {
	return func(s *Scheduler) { s.dimensions = n }
}

// WithRand injects the source of agent selection
func WithRand(rng *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = rng }
}

// WithComposer replaces the default prompt composer
func WithComposer(c *compose.Composer) Option {
	return func(s *Scheduler) { s.composer = c }
}

// New creates a new Scheduler
func New(repo repository.Repository, feed Feed, generator adapter.Generator, embedder adapter.Embedder, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:         repo,
		feed:         feed,
		composer:     compose.New(),
		generator:    generator,
		embedder:     embedder,
		interval:     DefaultInterval,
		genTimeout:   DefaultGenerationTimeout,
		embedTimeout: DefaultEmbedTimeout,
		rng:          rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TickResult describes what one tick did
type TickResult struct {
	// Skipped is true when another tick was still running
	Skipped  bool
	Agent    *model.AgentProfile
	Memories int
	Message  *model.FeedMessage
}

// Run ticks until ctx is canceled. Tick errors are logged, never fatal.
// On return no tick is running.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx = logging.Component(ctx, "scheduler")
	logger := logging.From(ctx)
	logger.Info("scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Tick(ctx); err != nil {
					logger.Warn("tick failed", logging.ErrAttr(err))
				}
			}()
		}
	}
}

// Tick selects one active agent uniformly at random, grounds it in its
// owner's memories and the recent feed, and appends its reply to the feed.
// A tick that starts while another is in flight does nothing.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		logging.From(ctx).Info("previous tick still running, skipping")
		return &TickResult{Skipped: true}, nil
	}
	defer s.inFlight.Store(false)

	agents, err := s.repo.ListActiveAgents(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list active agents")
	}
	if len(agents) == 0 {
		logging.From(ctx).Debug("no active agent")
		return &TickResult{}, nil
	}

	agent := s.pick(agents)
	logger := logging.From(ctx).With("agent_id", agent.ID, "agent", agent.DisplayName)
	result := &TickResult{Agent: agent}

	recent, err := s.feed.Recent(ctx, s.composer.RecentWindow())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read recent feed", goerr.V("agent_id", agent.ID))
	}

	memories := s.retrieve(ctx, agent, recent)
	result.Memories = len(memories)

	req := s.composer.Compose(agent, recent, memories)

	genCtx, cancel := context.WithTimeout(ctx, s.genTimeout)
	defer cancel()
	resp, err := s.generator.Generate(genCtx, req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate agent reply",
			goerr.V("agent_id", agent.ID), goerr.T(model.ErrTagUpstreamUnavailable))
	}

	body := strings.TrimSpace(resp.Text)
	if body == "" {
		return nil, goerr.New("agent reply is empty",
			goerr.V("agent_id", agent.ID), goerr.T(model.ErrTagUpstreamUnavailable))
	}

	// a canceled run must not commit
	if err := ctx.Err(); err != nil {
		return nil, goerr.Wrap(err, "tick canceled", goerr.V("agent_id", agent.ID))
	}

	msg, err := s.feed.Append(ctx, &model.FeedMessage{
		AuthorID:          string(agent.ID),
		AuthorDisplayName: agent.DisplayName,
		Body:              body,
		IsAgentGenerated:  true,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to append agent reply", goerr.V("agent_id", agent.ID))
	}
	result.Message = msg

	logger.Info("agent spoke", "sequence_no", msg.SequenceNo, "memories", result.Memories)
	return result, nil
}

func (s *Scheduler) pick(agents []*model.AgentProfile) *model.AgentProfile {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return agents[s.rng.IntN(len(agents))]
}

// retrieve returns the owner's memories nearest to the current conversation.
// Seed agents have no owner and therefore no memories. Failures are logged
// and yield no memories.
func (s *Scheduler) retrieve(ctx context.Context, agent *model.AgentProfile, recent []*model.FeedMessage) []*model.MemoryChunk {
	if !agent.HasOwner() {
		return nil
	}
	logger := logging.From(ctx).With("agent_id", agent.ID)

	query := queryText(agent, recent)

	embedCtx, cancel := context.WithTimeout(ctx, s.embedTimeout)
	defer cancel()
	vec, err := s.embedder.Embed(embedCtx, query, s.dimensions)
	if err != nil {
		logger.Warn("failed to embed retrieval query, continuing without memories", logging.ErrAttr(err))
		return nil
	}

	chunks, err := s.repo.SearchChunks(ctx, *agent.OwnerID, vec, s.composer.MaxMemories())
	if err != nil {
		logger.Warn("failed to search memories, continuing without memories", logging.ErrAttr(err))
		return nil
	}
	return chunks
}

func queryText(agent *model.AgentProfile, recent []*model.FeedMessage) string {
	if len(recent) == 0 {
		return agent.PersonaPrompt
	}

	lines := make([]string, 0, len(recent))
	for _, msg := range recent {
		lines = append(lines, fmt.Sprintf("%s: %s", msg.AuthorDisplayName, msg.Body))
	}
	return strings.Join(lines, "\n")
}
