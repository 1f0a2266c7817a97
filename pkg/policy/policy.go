// Package policy evaluates Rego moderation rules against feed posts.
//
// Policies are loaded from every *.rego file in a directory and queried at
// data.feed. A policy grants a post by setting `allow` to true and may set
// `reason` to explain a rejection:
//
//	package feed
//
//	default allow := false
//	allow if count(input.body) <= 280
//	reason := "too long" if not allow
package policy

import (
	"context"
	"os"
	"path/filepath"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

const feedQuery = "data.feed"

// Decision is the result of a moderation query
type Decision struct {
	Allow  bool
	Reason string
}

// Engine holds prepared moderation queries
type Engine struct {
	feed *rego.PreparedEvalQuery
}

// regoPrintHook forwards Rego print() output to the logger in ctx
type regoPrintHook struct {
	ctx context.Context
}

func (h *regoPrintHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Load reads all Rego files from dir. An empty directory yields an Engine
// that allows everything.
func Load(ctx context.Context, dir string) (*Engine, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}

	sources := make(map[string]string, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		sources[file] = string(data)
	}

	return New(ctx, sources)
}

// New prepares the moderation query from in-memory Rego modules keyed by file name
func New(ctx context.Context, sources map[string]string) (*Engine, error) {
	if len(sources) == 0 {
		return &Engine{}, nil
	}

	options := make([]func(*rego.Rego), 0, len(sources)+2)
	options = append(options, rego.Query(feedQuery), rego.EnablePrintStatements(true))
	for name, src := range sources {
		options = append(options, rego.Module(name, src))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare moderation query", goerr.V("query", feedQuery))
	}

	return &Engine{feed: &prepared}, nil
}

// Review evaluates msg. Without a feed package loaded every message is allowed.
func (e *Engine) Review(ctx context.Context, msg *model.FeedMessage) (*Decision, error) {
	if e == nil || e.feed == nil {
		return &Decision{Allow: true}, nil
	}

	input := map[string]any{
		"author_id":           msg.AuthorID,
		"author_display_name": msg.AuthorDisplayName,
		"body":                msg.Body,
		"is_agent_generated":  msg.IsAgentGenerated,
	}

	rs, err := e.feed.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&regoPrintHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate moderation policy")
	}

	// data.feed undefined means no feed package, so nothing is moderated
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return &Decision{Allow: true}, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("invalid moderation result", goerr.V("value", rs[0].Expressions[0].Value))
	}

	decision := &Decision{}
	if allow, ok := data["allow"].(bool); ok {
		decision.Allow = allow
	}
	if reason, ok := data["reason"].(string); ok {
		decision.Reason = reason
	}
	return decision, nil
}
