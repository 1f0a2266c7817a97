package adapter_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/m-mizutani/collective/pkg/adapter"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

type countingEmbedder struct {
	calls atomic.Int32
	fail  bool
}

func (e *countingEmbedder) Embed(ctx context.Context, text string, dimensions int) ([]float32, error) {
	e.calls.Add(1)
	if e.fail {
		return nil, goerr.New("embedding down", goerr.T(model.ErrTagUpstreamUnavailable))
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func TestCachedEmbedderHit(t *testing.T) {
	inner := &countingEmbedder{}
	cached, err := adapter.NewCachedEmbedder(inner, 1<<20)
	gt.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	v1, err := cached.Embed(ctx, "the wired", 3)
	gt.NoError(t, err)
	cached.Wait()

	v2, err := cached.Embed(ctx, "the wired", 3)
	gt.NoError(t, err)
	gt.Equal(t, v1, v2)
	gt.Equal(t, inner.calls.Load(), int32(1))

	// different dimensions is a different key
	_, err = cached.Embed(ctx, "the wired", 8)
	gt.NoError(t, err)
	gt.Equal(t, inner.calls.Load(), int32(2))
}

func TestCachedEmbedderDoesNotCacheErrors(t *testing.T) {
	inner := &countingEmbedder{fail: true}
	cached, err := adapter.NewCachedEmbedder(inner, 1<<20)
	gt.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	_, err = cached.Embed(ctx, "lost signal", 0)
	gt.Error(t, err)
	gt.True(t, goerr.HasTag(err, model.ErrTagUpstreamUnavailable))
	cached.Wait()

	_, err = cached.Embed(ctx, "lost signal", 0)
	gt.Error(t, err)
	gt.Equal(t, inner.calls.Load(), int32(2))
}
