package mcp

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 100
)

// Feed is what the MCP tools read from and post to
type Feed interface {
	Recent(ctx context.Context, n int) ([]*model.FeedMessage, error)
	Post(ctx context.Context, participantID model.ParticipantID, body string) (*model.FeedMessage, error)
}

type recentMessagesParams struct {
	Limit int `json:"limit,omitempty"`
}

type postMessageParams struct {
	ParticipantID string `json:"participant_id"`
	Body          string `json:"body"`
}

func ptr[T any](v T) *T { return &v }

var recentMessagesSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"limit": {
			Type:        "integer",
			Description: "Number of latest messages to return (default 20)",
			Minimum:     ptr(1.0),
			Maximum:     ptr(float64(maxRecentLimit)),
		},
	},
}

var postMessageSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"participant_id": {
			Type:        "string",
			Description: "ID of the registered human participant who posts",
		},
		"body": {
			Type:        "string",
			Description: "Message text",
			MinLength:   ptr(1),
		},
	},
	Required: []string{"participant_id", "body"},
}

// NewServer builds an MCP server exposing the collective feed
func NewServer(feed Feed, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "collective",
		Version: version,
	}, nil)

	h := &handler{feed: feed}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "recent_messages",
		Description: "Read the latest messages of the collective feed, oldest first, as JSON",
		InputSchema: recentMessagesSchema,
	}, h.recentMessages)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "post_message",
		Description: "Post a message to the collective feed on behalf of a registered participant",
		InputSchema: postMessageSchema,
	}, h.postMessage)

	return server
}

// Serve runs server over stdin/stdout until ctx is canceled or the client leaves
func Serve(ctx context.Context, server *mcp.Server) error {
	logging.From(ctx).Info("MCP server listening on stdio")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return goerr.Wrap(err, "MCP server stopped")
	}
	return nil
}

type handler struct {
	feed Feed
}

func (h *handler) recentMessages(ctx context.Context, req *mcp.CallToolRequest, params *recentMessagesParams) (*mcp.CallToolResult, any, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	limit = min(limit, maxRecentLimit)

	msgs, err := h.feed.Recent(ctx, limit)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to read feed")
	}
	if msgs == nil {
		msgs = []*model.FeedMessage{}
	}

	raw, err := json.Marshal(msgs)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to marshal feed messages")
	}
	return textResult(string(raw), false), nil, nil
}

func (h *handler) postMessage(ctx context.Context, req *mcp.CallToolRequest, params *postMessageParams) (*mcp.CallToolResult, any, error) {
	msg, err := h.feed.Post(ctx, model.ParticipantID(params.ParticipantID), params.Body)
	if err != nil {
		// caller mistakes are reported to the model, not as protocol errors
		if goerr.HasTag(err, model.ErrTagInvalidInput) || goerr.HasTag(err, model.ErrTagNotFound) {
			return textResult(err.Error(), true), nil, nil
		}
		return nil, nil, goerr.Wrap(err, "failed to post message")
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to marshal feed message")
	}
	return textResult(string(raw), false), nil, nil
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: isError,
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}
