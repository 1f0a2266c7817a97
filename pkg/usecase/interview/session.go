package interview

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/usecase/ingest"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

type State int

const (
	StateIdle State = iota
	StateActive
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TurnResult is the interviewer's answer to one Submit
type TurnResult struct {
	Reply     string        `json:"reply"`
	Remaining time.Duration `json:"remaining"`
}

// Session is one bounded interview. All methods are safe for concurrent use.
type Session struct {
	manager *Manager

	// submitMu serializes Submit so turns alternate subject/interviewer
	submitMu sync.Mutex

	mu         sync.Mutex
	state      State
	transcript *model.Transcript
	deadline   time.Time
	timer      *time.Timer

	// ctx is canceled when the session ends; in-flight generation uses it
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	result    *ingest.Result
	err       error
}

func (s *Session) ID() model.SessionID {
	return s.transcript.SessionID
}

func (s *Session) ParticipantID() model.ParticipantID {
	return s.transcript.ParticipantID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Remaining returns the time left before the session closes itself
func (s *Session) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingLocked()
}

func (s *Session) remainingLocked() time.Duration {
	if s.state != StateActive {
		return 0
	}
	return max(s.deadline.Sub(s.manager.now()), 0)
}

// Transcript returns a copy of the transcript so far
func (s *Session) Transcript() *model.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTranscript(s.transcript)
}

// Done is closed once the session is closed and its transcript handled
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the ingestion outcome. Valid after Done is closed.
func (s *Session) Result() (*ingest.Result, error) {
	<-s.done
	return s.result, s.err
}

// Submit records the subject's text and returns the interviewer's reply.
func (s *Session) Submit(ctx context.Context, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, goerr.New("interview answer is empty", goerr.T(model.ErrTagInvalidInput))
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, s.closedError()
	}
	now := s.manager.now()
	if !now.Before(s.deadline) {
		// the timer may not have fired yet
		s.mu.Unlock()
		go s.close(s.ctx, "time limit reached")
		return nil, s.closedError()
	}

	s.transcript.Turns = append(s.transcript.Turns, model.Turn{
		Role: model.TurnRoleSubject,
		Text: text,
		At:   now,
	})
	req := s.manager.request(s.transcript.Turns)
	s.mu.Unlock()

	genCtx, cancel := context.WithTimeout(ctx, s.manager.genTimeout)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	resp, err := s.manager.generator.Generate(genCtx, req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return nil, s.closedError()
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate interviewer reply",
			goerr.V("session_id", s.ID()), goerr.T(model.ErrTagUpstreamUnavailable))
	}

	reply := strings.TrimSpace(resp.Text)
	s.transcript.Turns = append(s.transcript.Turns, model.Turn{
		Role: model.TurnRoleInterviewer,
		Text: reply,
		At:   s.manager.now(),
	})

	return &TurnResult{
		Reply:     reply,
		Remaining: s.remainingLocked(),
	}, nil
}

// Close ends the session, stores the transcript and ingests it. Calling it
// again, or after the time limit closed the session, returns the first
// outcome without repeating any work.
func (s *Session) Close(ctx context.Context) (*ingest.Result, error) {
	s.close(ctx, "closed by participant")
	return s.Result()
}

func (s *Session) close(ctx context.Context, reason string) {
	s.closeOnce.Do(func() {
		defer close(s.done)

		s.mu.Lock()
		s.state = StateEnding
		s.timer.Stop()
		s.cancel()

		now := s.manager.now()
		s.transcript.Turns = append(s.transcript.Turns, model.Turn{
			Role: model.TurnRoleSystem,
			Text: "Session ended: " + reason,
			At:   now,
		})
		s.transcript.ClosedAt = &now
		frozen := copyTranscript(s.transcript)
		s.state = StateClosed
		s.mu.Unlock()

		logging.From(ctx).Info("interview closed",
			"session_id", frozen.SessionID,
			"reason", reason,
			"turns", len(frozen.Turns),
		)

		s.result, s.err = s.manager.finalize(context.WithoutCancel(ctx), frozen)
		if s.err != nil {
			logging.From(ctx).Error("failed to finalize interview", logging.ErrAttr(s.err))
		}
		s.manager.evict(context.WithoutCancel(ctx), frozen.SessionID)
	})
}

func (s *Session) closedError() error {
	return goerr.New("interview session is closed", goerr.V("session_id", s.ID()), goerr.T(model.ErrTagSessionClosed))
}

// finalize persists, archives and ingests a frozen transcript. Ingestion
// happens once per session id even across processes.
func (m *Manager) finalize(ctx context.Context, t *model.Transcript) (*ingest.Result, error) {
	if err := m.repo.PutTranscript(ctx, t); err != nil {
		return nil, goerr.Wrap(err, "failed to save transcript", goerr.V("session_id", t.SessionID))
	}

	if m.archive != nil {
		if err := m.archive.Save(ctx, archiveKey(t), t); err != nil {
			// archive copy is best effort
			logging.From(ctx).Warn("failed to archive transcript", logging.ErrAttr(err), "session_id", t.SessionID)
		}
	}

	claimed, err := m.repo.ClaimIngestion(ctx, t.SessionID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to claim transcript ingestion", goerr.V("session_id", t.SessionID))
	}
	if !claimed {
		logging.From(ctx).Info("transcript already ingested", "session_id", t.SessionID)
		return &ingest.Result{}, nil
	}

	result, err := m.ingester.Ingest(ctx, t.ParticipantID, t.SubjectText(), model.MemorySourceInterview)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to ingest transcript", goerr.V("session_id", t.SessionID))
	}
	return result, nil
}

func (m *Manager) request(turns []model.Turn) *model.GenerationRequest {
	req := &model.GenerationRequest{
		SystemPrompt: m.persona,
		Temperature:  m.temperature,
		MaxTokens:    m.maxTokens,
	}
	for _, turn := range turns {
		switch turn.Role {
		case model.TurnRoleInterviewer:
			req.Messages = append(req.Messages, model.GenerationMessage{Role: model.GenerationRoleModel, Text: turn.Text})
		case model.TurnRoleSubject:
			req.Messages = append(req.Messages, model.GenerationMessage{Role: model.GenerationRoleUser, Text: turn.Text})
		}
	}
	return req
}

func copyTranscript(t *model.Transcript) *model.Transcript {
	copied := *t
	copied.Turns = append([]model.Turn(nil), t.Turns...)
	if t.ClosedAt != nil {
		closedAt := *t.ClosedAt
		copied.ClosedAt = &closedAt
	}
	return &copied
}
