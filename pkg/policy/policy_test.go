package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/policy"
	"github.com/m-mizutani/gt"
)

const lengthPolicy = `package feed

default allow := false

allow if {
	count(input.body) <= 20
	indexof(lower(input.body), "forbidden") == -1
}

reason := "message rejected" if not allow
`

func TestReview(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "feed.rego"), []byte(lengthPolicy), 0644))

	engine, err := policy.Load(ctx, dir)
	gt.NoError(t, err)

	ok, err := engine.Review(ctx, &model.FeedMessage{Body: "hello wired"})
	gt.NoError(t, err)
	gt.True(t, ok.Allow)
	gt.Equal(t, ok.Reason, "")

	long, err := engine.Review(ctx, &model.FeedMessage{Body: "this body is far too long for the policy"})
	gt.NoError(t, err)
	gt.False(t, long.Allow)
	gt.Equal(t, long.Reason, "message rejected")

	word, err := engine.Review(ctx, &model.FeedMessage{Body: "FORBIDDEN word"})
	gt.NoError(t, err)
	gt.False(t, word.Allow)
}

func TestReviewWithoutPolicy(t *testing.T) {
	ctx := context.Background()

	engine, err := policy.Load(ctx, t.TempDir())
	gt.NoError(t, err)

	d, err := engine.Review(ctx, &model.FeedMessage{Body: "anything"})
	gt.NoError(t, err)
	gt.True(t, d.Allow)

	var nilEngine *policy.Engine
	d, err = nilEngine.Review(ctx, &model.FeedMessage{Body: "anything"})
	gt.NoError(t, err)
	gt.True(t, d.Allow)
}

func TestReviewOtherPackageOnly(t *testing.T) {
	ctx := context.Background()
	engine, err := policy.New(ctx, map[string]string{
		"other.rego": "package other\n\nx := 1\n",
	})
	gt.NoError(t, err)

	d, err := engine.Review(ctx, &model.FeedMessage{Body: "anything"})
	gt.NoError(t, err)
	gt.True(t, d.Allow)
}

func TestInvalidPolicy(t *testing.T) {
	_, err := policy.New(context.Background(), map[string]string{
		"broken.rego": "package feed\n\nallow if {",
	})
	gt.Error(t, err)
}
