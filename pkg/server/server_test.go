package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/collective/pkg/adapter/mock"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/repository"
	"github.com/m-mizutani/collective/pkg/server"
	"github.com/m-mizutani/collective/pkg/usecase/feed"
	"github.com/m-mizutani/collective/pkg/usecase/ingest"
	"github.com/m-mizutani/collective/pkg/usecase/interview"
	"github.com/m-mizutani/collective/pkg/usecase/onboarding"
	"github.com/m-mizutani/gt"
)

type env struct {
	srv       *httptest.Server
	repo      *repository.Memory
	feed      *feed.Feed
	generator *mock.Generator
}

func setup(t *testing.T) *env {
	t.Helper()
	return setupWith(t, &mock.Generator{Reply: func(*model.GenerationRequest) string { return "Why do you say that?" }})
}

func setupWith(t *testing.T, gen *mock.Generator) *env {
	t.Helper()
	repo := repository.NewMemory()
	pipeline := ingest.New(repo, &mock.Embedder{}, ingest.WithMinWords(10))
	f := feed.New(repo)

	s := server.New(repo, f,
		interview.New(repo, gen, pipeline),
		pipeline,
		onboarding.New(repo),
	)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	return &env{srv: ts, repo: repo, feed: f, generator: gen}
}

func (e *env) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		gt.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	gt.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	gt.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		gt.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *env) register(t *testing.T, name string) string {
	t.Helper()
	var p struct {
		ID string `json:"id"`
	}
	gt.Equal(t, e.do(t, http.MethodPost, "/api/participants", map[string]string{"display_name": name}, &p), http.StatusCreated)
	return p.ID
}

func TestHealth(t *testing.T) {
	e := setup(t)
	var body map[string]string
	gt.Equal(t, e.do(t, http.MethodGet, "/api/health", nil, &body), http.StatusOK)
	gt.Equal(t, body["status"], "ok")
}

func TestUploadFlow(t *testing.T) {
	e := setup(t)
	pid := e.register(t, "anonymous")

	var started struct {
		SessionID        string `json:"session_id"`
		Greeting         string `json:"greeting"`
		RemainingSeconds int    `json:"remaining_seconds"`
	}
	gt.Equal(t, e.do(t, http.MethodPost, "/api/interviews", map[string]string{"participant_id": pid}, &started), http.StatusCreated)
	gt.Equal(t, started.Greeting, interview.DefaultGreeting)
	gt.True(t, started.RemainingSeconds > 590)

	var turn struct {
		Reply string `json:"reply"`
	}
	path := "/api/interviews/" + started.SessionID
	gt.Equal(t, e.do(t, http.MethodPost, path+"/turns", map[string]string{"text": "I think I am only a rumor."}, &turn), http.StatusOK)
	gt.Equal(t, turn.Reply, "Why do you say that?")

	gt.Equal(t, e.do(t, http.MethodPost, path+"/turns", map[string]string{"text": "  "}, nil), http.StatusBadRequest)

	var closed struct {
		ChunksStored int `json:"chunks_stored"`
	}
	gt.Equal(t, e.do(t, http.MethodPost, path+"/close", nil, &closed), http.StatusOK)
	gt.Equal(t, closed.ChunksStored, 1)

	// closed sessions answer 409
	gt.Equal(t, e.do(t, http.MethodPost, path+"/turns", map[string]string{"text": "hello?"}, nil), http.StatusConflict)

	gt.Equal(t, e.do(t, http.MethodPost, "/api/writings", map[string]string{
		"participant_id": pid,
		"text":           "Too short to be anyone.",
	}, nil), http.StatusBadRequest)

	var writing struct {
		WordCount    int `json:"word_count"`
		ChunksStored int `json:"chunks_stored"`
	}
	gt.Equal(t, e.do(t, http.MethodPost, "/api/writings", map[string]string{
		"participant_id": pid,
		"text":           "I walk home along the rail line. The wires sing above me.",
	}, &writing), http.StatusCreated)
	gt.Equal(t, writing.WordCount, 12)
	gt.Equal(t, writing.ChunksStored, 1)

	var agent struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Active      bool   `json:"active"`
	}
	gt.Equal(t, e.do(t, http.MethodPost, "/api/agents/finalize", map[string]string{
		"participant_id": pid,
		"name":           "Rumor",
	}, &agent), http.StatusCreated)
	gt.Equal(t, agent.DisplayName, "Rumor")
	gt.True(t, agent.Active)

	gt.Equal(t, e.do(t, http.MethodPatch, "/api/agents/"+agent.ID, map[string]bool{"active": false}, &agent), http.StatusOK)
	gt.False(t, agent.Active)

	var list struct {
		Agents []struct {
			ID string `json:"id"`
		} `json:"agents"`
	}
	gt.Equal(t, e.do(t, http.MethodGet, "/api/agents", nil, &list), http.StatusOK)
	gt.A(t, list.Agents).Length(1)
}

func TestErrorMapping(t *testing.T) {
	e := setup(t)
	pid := e.register(t, "someone")

	t.Run("unknown session", func(t *testing.T) {
		gt.Equal(t, e.do(t, http.MethodPost, "/api/interviews/nope/turns", map[string]string{"text": "hi"}, nil), http.StatusNotFound)
	})

	t.Run("unknown agent", func(t *testing.T) {
		gt.Equal(t, e.do(t, http.MethodPatch, "/api/agents/nope", map[string]bool{"active": true}, nil), http.StatusNotFound)
	})

	t.Run("missing active", func(t *testing.T) {
		gt.Equal(t, e.do(t, http.MethodPatch, "/api/agents/nope", map[string]string{}, nil), http.StatusBadRequest)
	})

	t.Run("invalid limit", func(t *testing.T) {
		gt.Equal(t, e.do(t, http.MethodGet, "/api/feed?limit=zero", nil, nil), http.StatusBadRequest)
	})

	t.Run("unknown participant", func(t *testing.T) {
		gt.Equal(t, e.do(t, http.MethodPost, "/api/interviews", map[string]string{"participant_id": "ghost"}, nil), http.StatusNotFound)
	})

	t.Run("empty finalize name", func(t *testing.T) {
		gt.Equal(t, e.do(t, http.MethodPost, "/api/agents/finalize", map[string]string{"participant_id": pid}, nil), http.StatusBadRequest)
	})
}

func TestUpstreamFailure(t *testing.T) {
	e := setupWith(t, &mock.Generator{Err: errors.New("model overloaded")})
	pid := e.register(t, "someone")

	var started struct {
		SessionID string `json:"session_id"`
	}
	gt.Equal(t, e.do(t, http.MethodPost, "/api/interviews", map[string]string{"participant_id": pid}, &started), http.StatusCreated)

	var body map[string]string
	gt.Equal(t, e.do(t, http.MethodPost, "/api/interviews/"+started.SessionID+"/turns",
		map[string]string{"text": "hello"}, &body), http.StatusServiceUnavailable)
	gt.Equal(t, body["error"], "temporarily unavailable")
}

func TestFeedAPI(t *testing.T) {
	e := setup(t)
	pid := e.register(t, "Poster")

	var msg model.FeedMessage
	gt.Equal(t, e.do(t, http.MethodPost, "/api/feed", map[string]string{"participant_id": pid, "body": "first"}, &msg), http.StatusCreated)
	gt.Equal(t, msg.SequenceNo, int64(1))
	gt.Equal(t, msg.AuthorDisplayName, "Poster")

	gt.Equal(t, e.do(t, http.MethodPost, "/api/feed", map[string]string{"participant_id": pid, "body": "second"}, nil), http.StatusCreated)
	gt.Equal(t, e.do(t, http.MethodPost, "/api/feed", map[string]string{"participant_id": pid, "body": ""}, nil), http.StatusBadRequest)
	gt.Equal(t, e.do(t, http.MethodPost, "/api/feed", map[string]string{"participant_id": "ghost", "body": "boo"}, nil), http.StatusNotFound)

	var page struct {
		Messages []model.FeedMessage `json:"messages"`
	}
	gt.Equal(t, e.do(t, http.MethodGet, "/api/feed?limit=1", nil, &page), http.StatusOK)
	gt.A(t, page.Messages).Length(1)
	gt.Equal(t, page.Messages[0].Body, "second")

	gt.Equal(t, e.do(t, http.MethodGet, "/api/feed?after=1", nil, &page), http.StatusOK)
	gt.A(t, page.Messages).Length(1)
	gt.Equal(t, page.Messages[0].SequenceNo, int64(2))
}

func TestFeedStream(t *testing.T) {
	e := setup(t)
	pid := e.register(t, "Streamer")

	gt.Equal(t, e.do(t, http.MethodPost, "/api/feed", map[string]string{"participant_id": pid, "body": "before connect"}, nil), http.StatusCreated)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/feed/stream?after=0"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	gt.NoError(t, err)
	defer conn.Close()
	gt.Equal(t, resp.StatusCode, http.StatusSwitchingProtocols)

	read := func() model.FeedMessage {
		t.Helper()
		gt.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg model.FeedMessage
		gt.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	replayed := read()
	gt.Equal(t, replayed.SequenceNo, int64(1))
	gt.Equal(t, replayed.Body, "before connect")

	gt.Equal(t, e.do(t, http.MethodPost, "/api/feed", map[string]string{"participant_id": pid, "body": "live"}, nil), http.StatusCreated)
	live := read()
	gt.Equal(t, live.SequenceNo, int64(2))
	gt.Equal(t, live.Body, "live")
}

func TestFeedStreamReplaysLongBacklog(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	const backlog = 1200
	for i := 0; i < backlog; i++ {
		_, err := e.feed.Append(ctx, &model.FeedMessage{
			AuthorID:          "seed-lain",
			AuthorDisplayName: "Lain",
			Body:              "present day, present time",
			IsAgentGenerated:  true,
		})
		gt.NoError(t, err)
	}

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/feed/stream?after=0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	gt.NoError(t, err)
	defer conn.Close()

	read := func() model.FeedMessage {
		t.Helper()
		gt.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg model.FeedMessage
		gt.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	for want := int64(1); want <= backlog; want++ {
		gt.Equal(t, read().SequenceNo, want)
	}

	_, err = e.feed.Append(ctx, &model.FeedMessage{AuthorID: "seed-lain", AuthorDisplayName: "Lain", Body: "live"})
	gt.NoError(t, err)
	live := read()
	gt.Equal(t, live.SequenceNo, int64(backlog+1))
	gt.Equal(t, live.Body, "live")
}
