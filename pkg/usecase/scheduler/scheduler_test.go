package scheduler_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/collective/pkg/adapter/mock"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/repository"
	"github.com/m-mizutani/collective/pkg/usecase/feed"
	"github.com/m-mizutani/collective/pkg/usecase/ingest"
	"github.com/m-mizutani/collective/pkg/usecase/scheduler"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

func putAgent(t *testing.T, repo repository.Repository, name string, active bool, owner *model.ParticipantID) *model.AgentProfile {
	t.Helper()
	now := time.Now()
	agent := &model.AgentProfile{
		ID:            model.NewAgentID(),
		OwnerID:       owner,
		DisplayName:   name,
		PersonaPrompt: "You are " + name + ".",
		Active:        active,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	gt.NoError(t, repo.PutAgent(context.Background(), agent))
	return agent
}

func seeded(seed uint64) scheduler.Option {
	return scheduler.WithRand(rand.New(rand.NewPCG(seed, seed)))
}

func TestTickWithoutAgents(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	f := feed.New(repo)
	gen := &mock.Generator{}

	s := scheduler.New(repo, f, gen, &mock.Embedder{})
	result, err := s.Tick(ctx)
	gt.NoError(t, err)
	gt.True(t, result.Agent == nil)
	gt.True(t, result.Message == nil)

	msgs, err := f.Recent(ctx, 10)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(0)
	gt.A(t, gen.Requests()).Length(0)
}

func TestInactiveAgentsNeverSelected(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	f := feed.New(repo)

	active := putAgent(t, repo, "Awake", true, nil)
	for _, name := range []string{"Sleeper1", "Sleeper2", "Sleeper3"} {
		putAgent(t, repo, name, false, nil)
	}

	s := scheduler.New(repo, f, &mock.Generator{}, &mock.Embedder{}, seeded(1))
	for range 20 {
		result, err := s.Tick(ctx)
		gt.NoError(t, err)
		gt.Equal(t, result.Agent.ID, active.ID)
		gt.True(t, result.Message.IsAgentGenerated)
		gt.Equal(t, result.Message.AuthorID, string(active.ID))
	}

	msgs, err := f.Recent(ctx, 100)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(20)
}

func TestDeterministicSelection(t *testing.T) {
	ctx := context.Background()

	pickSequence := func() []string {
		repo := repository.NewMemory()
		base := time.Now()
		for i, name := range []string{"A", "B", "C", "D"} {
			agent := &model.AgentProfile{
				ID:            model.AgentID(name),
				DisplayName:   name,
				PersonaPrompt: "You are " + name + ".",
				Active:        true,
				CreatedAt:     base.Add(time.Duration(i) * time.Second),
			}
			gt.NoError(t, repo.PutAgent(ctx, agent))
		}

		s := scheduler.New(repo, feed.New(repo), &mock.Generator{}, &mock.Embedder{}, seeded(42))
		var names []string
		for range 10 {
			result, err := s.Tick(ctx)
			gt.NoError(t, err)
			names = append(names, result.Agent.DisplayName)
		}
		return names
	}

	gt.Equal(t, pickSequence(), pickSequence())
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	f := feed.New(repo)
	putAgent(t, repo, "Slow", true, nil)

	gen := &mock.Generator{Delay: 200 * time.Millisecond}
	s := scheduler.New(repo, f, gen, &mock.Embedder{})

	var wg sync.WaitGroup
	results := make([]*scheduler.TickResult, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = s.Tick(ctx)
		}(i)
	}
	wg.Wait()

	var ran int
	for _, r := range results {
		if r != nil && !r.Skipped {
			ran++
		}
	}
	gt.True(t, ran >= 1)
	gt.Equal(t, gen.MaxConcurrent(), 1)

	msgs, err := f.Recent(ctx, 10)
	gt.NoError(t, err)
	gt.Equal(t, len(msgs), ran)
}

func TestGenerationFailureAppendsNothing(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	f := feed.New(repo)
	putAgent(t, repo, "Broken", true, nil)

	s := scheduler.New(repo, f, &mock.Generator{Err: errors.New("503")}, &mock.Embedder{})
	_, err := s.Tick(ctx)
	gt.True(t, goerr.HasTag(err, model.ErrTagUpstreamUnavailable))

	msgs, err := f.Recent(ctx, 10)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(0)

	// the next tick is not blocked by the failed one
	s2 := scheduler.New(repo, f, &mock.Generator{}, &mock.Embedder{})
	result, err := s2.Tick(ctx)
	gt.NoError(t, err)
	gt.Equal(t, result.Message.SequenceNo, int64(1))
}

func TestTickGroundsAgentInOwnerMemory(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	f := feed.New(repo)
	embedder := &mock.Embedder{}

	owner := model.NewParticipantID()
	other := model.NewParticipantID()
	pipeline := ingest.New(repo, embedder)
	_, err := pipeline.Ingest(ctx, owner, "I grew up next to a power plant that hummed all night.", model.MemorySourceWriting)
	gt.NoError(t, err)
	_, err = pipeline.Ingest(ctx, other, "Somebody else entirely wrote this sentence.", model.MemorySourceWriting)
	gt.NoError(t, err)

	putAgent(t, repo, "Owned", true, &owner)
	gen := &mock.Generator{}
	s := scheduler.New(repo, f, gen, embedder)

	result, err := s.Tick(ctx)
	gt.NoError(t, err)
	gt.Equal(t, result.Memories, 1)

	reqs := gen.Requests()
	gt.A(t, reqs).Length(1)
	gt.S(t, reqs[0].SystemPrompt).Contains("Relevant memories: I grew up next to a power plant")
	gt.S(t, reqs[0].SystemPrompt).NotContains("Somebody else")

	// the feed was empty, so the persona was the retrieval query
	gt.A(t, embedder.Calls()).Has("You are Owned.")
}

func TestEmbeddingFailureDegradesToNoMemories(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	f := feed.New(repo)

	owner := model.NewParticipantID()
	_, err := ingest.New(repo, &mock.Embedder{}).Ingest(ctx, owner, "A memory that cannot be found today.", model.MemorySourceWriting)
	gt.NoError(t, err)
	putAgent(t, repo, "Forgetful", true, &owner)

	failing := &mock.Embedder{FailOn: func(int, string) bool { return true }}
	gen := &mock.Generator{}
	s := scheduler.New(repo, f, gen, failing)

	result, err := s.Tick(ctx)
	gt.NoError(t, err)
	gt.Equal(t, result.Memories, 0)
	gt.V(t, result.Message).NotNil()
	gt.S(t, gen.Requests()[0].SystemPrompt).NotContains("Relevant memories")
}

func TestSeedAgentHasNoMemories(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	f := feed.New(repo)
	embedder := &mock.Embedder{}
	putAgent(t, repo, "Seed", true, nil)

	_, err := f.Append(ctx, &model.FeedMessage{AuthorID: "h", AuthorDisplayName: "Human", Body: "hello?"})
	gt.NoError(t, err)

	gen := &mock.Generator{}
	result, err := scheduler.New(repo, f, gen, embedder).Tick(ctx)
	gt.NoError(t, err)
	gt.Equal(t, result.Memories, 0)
	gt.A(t, embedder.Calls()).Length(0)
	gt.S(t, gen.Requests()[0].SystemPrompt).Contains("Recent collective chat:\nHuman: hello?")
	gt.Equal(t, result.Message.SequenceNo, int64(2))
}

func TestRunCancelCommitsNothing(t *testing.T) {
	repo := repository.NewMemory()
	f := feed.New(repo)
	putAgent(t, repo, "Patient", true, nil)

	gen := &mock.Generator{Delay: 10 * time.Second}
	s := scheduler.New(repo, f, gen, &mock.Embedder{}, scheduler.WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for len(gen.Requests()) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		gt.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	msgs, err := f.Recent(context.Background(), 10)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(0)
	gt.Equal(t, gen.MaxConcurrent(), 1)
}
