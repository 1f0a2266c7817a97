package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/repository"
	"github.com/m-mizutani/collective/pkg/usecase/feed"
	"github.com/m-mizutani/collective/pkg/usecase/ingest"
	"github.com/m-mizutani/collective/pkg/usecase/interview"
	"github.com/m-mizutani/collective/pkg/usecase/onboarding"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const maxRequestBody = 1 << 20

// Server is the HTTP JSON API and feed stream endpoint
type Server struct {
	repo       repository.Repository
	feed       *feed.Feed
	interviews *interview.Manager
	ingest     *ingest.Pipeline
	onboarding *onboarding.UseCase

	mux *http.ServeMux
}

// New creates a new Server with all routes registered
func New(repo repository.Repository, f *feed.Feed, interviews *interview.Manager, pipeline *ingest.Pipeline, onboard *onboarding.UseCase) *Server {
	s := &Server{
		repo:       repo,
		feed:       f,
		interviews: interviews,
		ingest:     pipeline,
		onboarding: onboard,
		mux:        http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	logger := logging.From(r.Context()).With("request_id", reqID)
	r = r.WithContext(logging.With(r.Context(), logger))

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	logger.Debug("http request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", time.Since(start),
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("POST /api/participants", s.handleRegister)

	s.mux.HandleFunc("POST /api/interviews", s.handleStartInterview)
	s.mux.HandleFunc("POST /api/interviews/{id}/turns", s.handleSubmitTurn)
	s.mux.HandleFunc("POST /api/interviews/{id}/close", s.handleCloseInterview)

	s.mux.HandleFunc("POST /api/writings", s.handleWriting)

	s.mux.HandleFunc("GET /api/agents", s.handleListAgents)
	s.mux.HandleFunc("POST /api/agents/finalize", s.handleFinalize)
	s.mux.HandleFunc("PATCH /api/agents/{id}", s.handleUpdateAgent)

	s.mux.HandleFunc("GET /api/feed", s.handleListFeed)
	s.mux.HandleFunc("POST /api/feed", s.handlePost)
	s.mux.HandleFunc("GET /api/feed/stream", s.handleStream)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "collective",
	})
}

// statusRecorder keeps the response status for the access log. Hijack is
// forwarded so that websocket upgrades still work.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, goerr.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return goerr.Wrap(err, "invalid request body", goerr.T(model.ErrTagInvalidInput))
	}
	return nil
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps the error taxonomy to HTTP status codes
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	level := slog.LevelInfo

	if status == http.StatusServiceUnavailable {
		msg = "temporarily unavailable"
		level = slog.LevelWarn
	} else if status == http.StatusInternalServerError {
		msg = "internal server error"
		level = slog.LevelError
	}

	logging.From(r.Context()).Log(r.Context(), level, "request failed",
		"status", status, "path", r.URL.Path, logging.ErrAttr(err))
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusOf(err error) int {
	switch {
	case goerr.HasTag(err, model.ErrTagInvalidInput):
		return http.StatusBadRequest
	case goerr.HasTag(err, model.ErrTagNotFound):
		return http.StatusNotFound
	case goerr.HasTag(err, model.ErrTagSessionClosed):
		return http.StatusConflict
	case goerr.HasTag(err, model.ErrTagUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
