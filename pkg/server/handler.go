package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

const (
	defaultFeedLimit = 100
	maxFeedLimit     = 500
)

type registerRequest struct {
	DisplayName string `json:"display_name"`
}

type participantResponse struct {
	ID          model.ParticipantID `json:"id"`
	DisplayName string              `json:"display_name"`
	CreatedAt   time.Time           `json:"created_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	p, err := s.onboarding.Register(r.Context(), req.DisplayName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, participantResponse{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		CreatedAt:   p.CreatedAt,
	})
}

type startInterviewRequest struct {
	ParticipantID model.ParticipantID `json:"participant_id"`
}

type interviewResponse struct {
	SessionID        model.SessionID `json:"session_id"`
	Greeting         string          `json:"greeting"`
	RemainingSeconds int             `json:"remaining_seconds"`
}

func (s *Server) handleStartInterview(w http.ResponseWriter, r *http.Request) {
	var req startInterviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	session, err := s.interviews.Start(r.Context(), req.ParticipantID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	transcript := session.Transcript()
	writeJSON(w, http.StatusCreated, interviewResponse{
		SessionID:        session.ID(),
		Greeting:         transcript.Turns[0].Text,
		RemainingSeconds: int(session.Remaining().Seconds()),
	})
}

type turnRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	Reply            string `json:"reply"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	session, err := s.interviews.Get(model.SessionID(r.PathValue("id")))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req turnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := session.Submit(r.Context(), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{
		Reply:            result.Reply,
		RemainingSeconds: int(result.Remaining.Seconds()),
	})
}

type ingestResponse struct {
	ChunksRequested int `json:"chunks_requested"`
	ChunksStored    int `json:"chunks_stored"`
}

func (s *Server) handleCloseInterview(w http.ResponseWriter, r *http.Request) {
	session, err := s.interviews.Get(model.SessionID(r.PathValue("id")))
	if err != nil {
		writeError(w, r, err)
		return
	}

	result, err := session.Close(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		ChunksRequested: result.ChunksRequested,
		ChunksStored:    result.ChunksStored,
	})
}

type writingRequest struct {
	ParticipantID model.ParticipantID `json:"participant_id"`
	Text          string              `json:"text"`
}

type writingResponse struct {
	ID        model.WritingID `json:"id"`
	WordCount int             `json:"word_count"`
	ingestResponse
}

func (s *Server) handleWriting(w http.ResponseWriter, r *http.Request) {
	var req writingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := s.repo.GetParticipant(r.Context(), req.ParticipantID); err != nil {
		writeError(w, r, err)
		return
	}

	writing, result, err := s.ingest.IngestWriting(r.Context(), req.ParticipantID, req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, writingResponse{
		ID:        writing.ID,
		WordCount: writing.WordCount,
		ingestResponse: ingestResponse{
			ChunksRequested: result.ChunksRequested,
			ChunksStored:    result.ChunksStored,
		},
	})
}

type agentResponse struct {
	ID          model.AgentID        `json:"id"`
	OwnerID     *model.ParticipantID `json:"owner_id,omitempty"`
	DisplayName string               `json:"display_name"`
	Active      bool                 `json:"active"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func toAgentResponse(a *model.AgentProfile) agentResponse {
	return agentResponse{
		ID:          a.ID,
		OwnerID:     a.OwnerID,
		DisplayName: a.DisplayName,
		Active:      a.Active,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.repo.ListAgents(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, toAgentResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": resp})
}

type finalizeRequest struct {
	ParticipantID model.ParticipantID `json:"participant_id"`
	Name          string              `json:"name"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	agent, err := s.onboarding.Finalize(r.Context(), req.ParticipantID, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentResponse(agent))
}

type updateAgentRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var req updateAgentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Active == nil {
		writeError(w, r, goerr.New("active is required", goerr.T(model.ErrTagInvalidInput)))
		return
	}

	agent, err := s.onboarding.SetActive(r.Context(), model.AgentID(r.PathValue("id")), *req.Active)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(agent))
}

func (s *Server) handleListFeed(w http.ResponseWriter, r *http.Request) {
	limit := defaultFeedLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, goerr.New("invalid limit", goerr.V("limit", v), goerr.T(model.ErrTagInvalidInput)))
			return
		}
		limit = min(n, maxFeedLimit)
	}

	var (
		msgs []*model.FeedMessage
		err  error
	)
	if v := r.URL.Query().Get("after"); v != "" {
		after, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			writeError(w, r, goerr.Wrap(perr, "invalid after", goerr.V("after", v), goerr.T(model.ErrTagInvalidInput)))
			return
		}
		msgs, err = s.feed.Since(r.Context(), after, limit)
	} else {
		msgs, err = s.feed.Recent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if msgs == nil {
		msgs = []*model.FeedMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type postRequest struct {
	ParticipantID model.ParticipantID `json:"participant_id"`
	Body          string              `json:"body"`
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	msg, err := s.feed.Post(r.Context(), req.ParticipantID, req.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
