package ingest_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/m-mizutani/collective/pkg/adapter/mock"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/repository"
	"github.com/m-mizutani/collective/pkg/usecase/ingest"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

func sentences(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("This is sentence number %d.", i+1)
	}
	return strings.Join(parts, " ")
}

func TestIngestEmpty(t *testing.T) {
	repo := repository.NewMemory()
	embedder := &mock.Embedder{}
	p := ingest.New(repo, embedder)

	result, err := p.Ingest(context.Background(), model.NewParticipantID(), "", model.MemorySourceWriting)
	gt.NoError(t, err)
	gt.Equal(t, result.ChunksStored, 0)
	gt.A(t, embedder.Calls()).Length(0)
}

func TestIngestTwelveSentences(t *testing.T) {
	repo := repository.NewMemory()
	embedder := &mock.Embedder{}
	p := ingest.New(repo, embedder)
	owner := model.NewParticipantID()

	result, err := p.Ingest(context.Background(), owner, sentences(12), model.MemorySourceWriting)
	gt.NoError(t, err)
	gt.Equal(t, result.ChunksStored, 3)

	calls := embedder.Calls()
	gt.A(t, calls).Length(3)
	gt.Equal(t, len(ingest.SplitSentences(calls[0])), 5)
	gt.Equal(t, len(ingest.SplitSentences(calls[1])), 5)
	gt.Equal(t, len(ingest.SplitSentences(calls[2])), 2)
}

func TestIngestPartialFailure(t *testing.T) {
	repo := repository.NewMemory()
	embedder := &mock.Embedder{
		FailOn: func(call int, text string) bool { return call == 2 },
	}
	p := ingest.New(repo, embedder)
	owner := model.NewParticipantID()
	ctx := context.Background()

	result, err := p.Ingest(ctx, owner, sentences(11), model.MemorySourceWriting)
	gt.NoError(t, err)
	gt.Equal(t, result.ChunksRequested, 3)
	gt.Equal(t, result.ChunksStored, 2)
	gt.A(t, embedder.Calls()).Length(3)

	// chunks 1 and 3 landed, chunk 2 was dropped
	calls := embedder.Calls()
	stored, err := repo.SearchChunks(ctx, owner, mock.HashVector(calls[0], 32), 10)
	gt.NoError(t, err)
	gt.A(t, stored).Length(2)

	texts := []string{stored[0].Text, stored[1].Text}
	gt.A(t, texts).Has(calls[0])
	gt.A(t, texts).Has(calls[2])
	gt.True(t, texts[0] != calls[1] && texts[1] != calls[1])
	gt.Equal(t, len(ingest.SplitSentences(calls[2])), 1)
}

func TestIngestCap(t *testing.T) {
	repo := repository.NewMemory()
	embedder := &mock.Embedder{}
	p := ingest.New(repo, embedder, ingest.WithMaxChunks(2), ingest.WithWindow(1))

	result, err := p.Ingest(context.Background(), model.NewParticipantID(), sentences(5), model.MemorySourceInterview)
	gt.NoError(t, err)
	gt.Equal(t, result.ChunksStored, 2)

	calls := embedder.Calls()
	gt.A(t, calls).Length(2)
	gt.Equal(t, calls[0], "This is sentence number 1.")
	gt.Equal(t, calls[1], "This is sentence number 2.")
}

func TestIngestSkipsShortChunks(t *testing.T) {
	repo := repository.NewMemory()
	embedder := &mock.Embedder{}
	p := ingest.New(repo, embedder, ingest.WithWindow(1), ingest.WithMinChunkLength(10))

	result, err := p.Ingest(context.Background(), model.NewParticipantID(), "Ok. This one is long enough.", model.MemorySourceWriting)
	gt.NoError(t, err)
	gt.Equal(t, result.ChunksRequested, 1)
	gt.Equal(t, result.ChunksStored, 1)
	gt.Equal(t, embedder.Calls(), []string{"This one is long enough."})
}

func TestIngestInvalidInput(t *testing.T) {
	p := ingest.New(repository.NewMemory(), &mock.Embedder{})
	ctx := context.Background()

	_, err := p.Ingest(ctx, "", "Some text here.", model.MemorySourceWriting)
	gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))

	_, err = p.Ingest(ctx, model.NewParticipantID(), "Some text here.", model.MemorySource("dream"))
	gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))

	_, _, err = p.IngestWriting(ctx, model.NewParticipantID(), "   ")
	gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))
}

func TestIngestWriting(t *testing.T) {
	repo := repository.NewMemory()
	embedder := &mock.Embedder{}
	p := ingest.New(repo, embedder, ingest.WithMinWords(20))
	owner := model.NewParticipantID()
	ctx := context.Background()

	// 3 sentences are 15 words
	_, _, err := p.IngestWriting(ctx, owner, sentences(3))
	gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))
	gt.A(t, embedder.Calls()).Length(0)
	_, err = repo.GetLatestWriting(ctx, owner)
	gt.True(t, goerr.HasTag(err, model.ErrTagNotFound))

	writing, result, err := p.IngestWriting(ctx, owner, sentences(6))
	gt.NoError(t, err)
	gt.Equal(t, result.ChunksStored, 2)
	gt.Equal(t, writing.OwnerID, owner)

	saved, err := repo.GetLatestWriting(ctx, owner)
	gt.NoError(t, err)
	gt.Equal(t, saved.ID, writing.ID)
}

func TestIngestWritingDefaultMinimum(t *testing.T) {
	p := ingest.New(repository.NewMemory(), &mock.Embedder{})

	_, _, err := p.IngestWriting(context.Background(), model.NewParticipantID(), "Seven words are not enough for this.")
	gt.True(t, goerr.HasTag(err, model.ErrTagInvalidInput))

	writing, result, err := p.IngestWriting(context.Background(), model.NewParticipantID(), sentences(160))
	gt.NoError(t, err)
	gt.Equal(t, writing.WordCount, 800)
	gt.Equal(t, result.ChunksStored, 20)
}

func TestIngestCapSkipsShortChunksFirst(t *testing.T) {
	embedder := &mock.Embedder{}
	p := ingest.New(repository.NewMemory(), embedder, ingest.WithWindow(1))

	text := strings.Repeat("Ok. ", 20) + sentences(5)
	result, err := p.Ingest(context.Background(), model.NewParticipantID(), text, model.MemorySourceWriting)
	gt.NoError(t, err)
	gt.Equal(t, result.ChunksRequested, 5)
	gt.Equal(t, result.ChunksStored, 5)
	gt.A(t, embedder.Calls()).Length(5)
	gt.Equal(t, embedder.Calls()[0], "This is sentence number 1.")
}
