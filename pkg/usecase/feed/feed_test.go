package feed_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/policy"
	"github.com/m-mizutani/collective/pkg/repository"
	"github.com/m-mizutani/collective/pkg/usecase/feed"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

type flakyRepo struct {
	repository.Repository
	failNext atomic.Bool
}

func (r *flakyRepo) PutFeedMessage(ctx context.Context, msg *model.FeedMessage) error {
	if r.failNext.CompareAndSwap(true, false) {
		return errors.New("write unavailable")
	}
	return r.Repository.PutFeedMessage(ctx, msg)
}

func agentMessage(i int) *model.FeedMessage {
	return &model.FeedMessage{
		AuthorID:          fmt.Sprintf("agent-%d", i),
		AuthorDisplayName: fmt.Sprintf("Agent %d", i),
		Body:              fmt.Sprintf("thought %d", i),
		IsAgentGenerated:  true,
	}
}

func receive(t *testing.T, ch <-chan *model.FeedMessage) *model.FeedMessage {
	t.Helper()
	select {
	case msg, ok := <-ch:
		gt.True(t, ok)
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for feed message")
		return nil
	}
}

func TestConcurrentAppend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := feed.New(repository.NewMemory())
	stream := f.Subscribe(ctx)

	const n = 50
	var wg sync.WaitGroup
	seqs := make([]int64, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := f.Append(ctx, agentMessage(i))
			if err != nil {
				errs[i] = err
				return
			}
			seqs[i] = msg.SequenceNo
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		gt.NoError(t, err)
	}

	seen := make(map[int64]bool)
	for _, seq := range seqs {
		gt.False(t, seen[seq])
		seen[seq] = true
		gt.True(t, seq >= 1 && seq <= n)
	}

	// the stream delivers every commit in sequence order
	for want := int64(1); want <= n; want++ {
		msg := receive(t, stream)
		gt.Equal(t, msg.SequenceNo, want)
	}

	recent, err := f.Recent(ctx, n)
	gt.NoError(t, err)
	gt.A(t, recent).Length(n)
	for i := 1; i < len(recent); i++ {
		gt.True(t, recent[i-1].SequenceNo < recent[i].SequenceNo)
	}
}

func TestAppendPersistFailure(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{Repository: repository.NewMemory()}
	f := feed.New(repo)

	first, err := f.Append(ctx, agentMessage(1))
	gt.NoError(t, err)
	gt.Equal(t, first.SequenceNo, int64(1))

	repo.failNext.Store(true)
	_, err = f.Append(ctx, agentMessage(2))
	gt.Error(t, err)

	next, err := f.Append(ctx, agentMessage(3))
	gt.NoError(t, err)
	gt.Equal(t, next.SequenceNo, int64(2))

	msgs, err := f.Recent(ctx, 10)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(2)
	gt.Equal(t, msgs[1].Body, "thought 3")
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	f := feed.New(repository.NewMemory())

	_, err := f.Append(ctx, &model.FeedMessage{AuthorID: "a", Body: "   "})
	gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))

	_, err = f.Append(ctx, &model.FeedMessage{Body: "no author"})
	gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))

	msg, err := f.Append(ctx, &model.FeedMessage{AuthorID: "a", Body: "  padded  "})
	gt.NoError(t, err)
	gt.Equal(t, msg.Body, "padded")
	gt.Equal(t, msg.SequenceNo, int64(1))
}

func TestLoadContinuesSequence(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	before := feed.New(repo)
	for i := range 3 {
		_, err := before.Append(ctx, agentMessage(i))
		gt.NoError(t, err)
	}

	// a restarted process picks up where the last one stopped
	after := feed.New(repo)
	gt.NoError(t, after.Load(ctx))
	msg, err := after.Append(ctx, agentMessage(4))
	gt.NoError(t, err)
	gt.Equal(t, msg.SequenceNo, int64(4))
}

func TestSubscriberCancelDetachesOnlyItself(t *testing.T) {
	ctx := context.Background()
	f := feed.New(repository.NewMemory())

	ctxA, cancelA := context.WithCancel(ctx)
	ctxB, cancelB := context.WithCancel(ctx)
	defer cancelB()

	streamA := f.Subscribe(ctxA)
	streamB := f.Subscribe(ctxB)
	gt.Equal(t, f.Subscribers(), 2)

	_, err := f.Append(ctx, agentMessage(1))
	gt.NoError(t, err)
	gt.Equal(t, receive(t, streamA).SequenceNo, int64(1))
	gt.Equal(t, receive(t, streamB).SequenceNo, int64(1))

	cancelA()
	select {
	case _, ok := <-streamA:
		gt.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("canceled stream was not closed")
	}

	_, err = f.Append(ctx, agentMessage(2))
	gt.NoError(t, err)
	gt.Equal(t, receive(t, streamB).SequenceNo, int64(2))
	gt.Equal(t, f.Subscribers(), 1)
}

func TestSlowSubscriberDoesNotBlockAppend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := feed.New(repository.NewMemory())
	stream := f.Subscribe(ctx)

	// nobody reads while 100 messages are committed
	for i := range 100 {
		_, err := f.Append(ctx, agentMessage(i))
		gt.NoError(t, err)
	}

	for want := int64(1); want <= 100; want++ {
		gt.Equal(t, receive(t, stream).SequenceNo, want)
	}
}

func TestPost(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	human := &model.Participant{
		ID:          model.NewParticipantID(),
		DisplayName: "Arisu",
		Kind:        model.ParticipantKindHuman,
		CreatedAt:   time.Now(),
	}
	gt.NoError(t, repo.PutParticipant(ctx, human))

	engine, err := policy.New(ctx, map[string]string{
		"feed.rego": `package feed

default allow := false

allow if count(input.body) <= 30

reason := "too long" if not allow
`,
	})
	gt.NoError(t, err)

	f := feed.New(repo, feed.WithModerator(engine))

	t.Run("accepted", func(t *testing.T) {
		msg, err := f.Post(ctx, human.ID, "  is anyone there?  ")
		gt.NoError(t, err)
		gt.Equal(t, msg.Body, "is anyone there?")
		gt.Equal(t, msg.AuthorDisplayName, "Arisu")
		gt.Equal(t, msg.AuthorID, string(human.ID))
		gt.False(t, msg.IsAgentGenerated)
	})

	t.Run("empty body", func(t *testing.T) {
		_, err := f.Post(ctx, human.ID, " \n ")
		gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))
	})

	t.Run("unknown participant", func(t *testing.T) {
		_, err := f.Post(ctx, model.NewParticipantID(), "hello")
		gt.True(t, goerr.HasTag(err, model.ErrTagNotFound))
	})

	t.Run("agent participant", func(t *testing.T) {
		agent := &model.Participant{
			ID:          model.ParticipantID(model.NewAgentID()),
			DisplayName: "Lain",
			Kind:        model.ParticipantKindAgent,
			CreatedAt:   time.Now(),
		}
		gt.NoError(t, repo.PutParticipant(ctx, agent))

		_, err := f.Post(ctx, agent.ID, "hello")
		gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))
	})

	t.Run("rejected by policy", func(t *testing.T) {
		_, err := f.Post(ctx, human.ID, "this sentence is definitely longer than thirty characters")
		gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))

		msgs, err := f.Recent(ctx, 10)
		gt.NoError(t, err)
		gt.A(t, msgs).Length(1)
	})
}

func TestSince(t *testing.T) {
	ctx := context.Background()
	f := feed.New(repository.NewMemory())
	for i := range 5 {
		_, err := f.Append(ctx, agentMessage(i))
		gt.NoError(t, err)
	}

	msgs, err := f.Since(ctx, 3, 10)
	gt.NoError(t, err)
	gt.A(t, msgs).Length(2)
	gt.Equal(t, msgs[0].SequenceNo, int64(4))
}
