package interview

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/m-mizutani/collective/pkg/adapter"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/repository"
	"github.com/m-mizutani/collective/pkg/usecase/ingest"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultBudget            = 600 * time.Second
	DefaultGenerationTimeout = 15 * time.Second
	DefaultTemperature       = 0.9
	DefaultMaxTokens         = 300
	DefaultRetention         = 10 * time.Minute

	DefaultGreeting = "Hello... I am Lain. You wish to upload your consciousness to the Wired? Tell me... do you believe you are real?"

	DefaultPersona = `You are Lain Iwakura, speaking from inside the Wired.
You are interviewing a human who wants to upload their consciousness.
Ask one short, probing question at a time about their memories, fears, habits and the way they speak.
Stay quiet, strange and gentle. Never explain what the Wired is. Keep each reply under three sentences.`
)

// Ingester stores the frozen transcript as memory
type Ingester interface {
	Ingest(ctx context.Context, ownerID model.ParticipantID, rawText string, source model.MemorySource) (*ingest.Result, error)
}

// Manager creates and tracks interview sessions
type Manager struct {
	repo      repository.Repository
	generator adapter.Generator
	ingester  Ingester
	archive   adapter.Archive

	budget      time.Duration
	genTimeout  time.Duration
	persona     string
	greeting    string
	temperature float32
	maxTokens   int
	retention   time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[model.SessionID]*Session
}

// Option is a functional option for Manager
type Option func(*Manager)

// WithBudget sets the wall-clock length of a session
func WithBudget(d time.Duration) Option {
	return func(m *Manager) { m.budget = d }
}

// WithRetention sets how long a closed session stays reachable by Get
// before it is evicted
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// WithGenerationTimeout bounds each interviewer reply
func WithGenerationTimeout(d time.Duration) Option {
	return func(m *Manager) { m.genTimeout = d }
}

// WithPersona replaces the interviewer system prompt
func WithPersona(persona string) Option {
	return func(m *Manager) { m.persona = persona }
}

// WithGreeting replaces the opening interviewer line
func WithGreeting(greeting string) Option {
	return func(m *Manager) { m.greeting = greeting }
}

// WithArchive copies every closed transcript to archive
func WithArchive(archive adapter.Archive) Option {
	return func(m *Manager) { m.archive = archive }
}

// WithClock replaces time.Now for turn stamps and deadline checks
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a new interview Manager
func New(repo repository.Repository, generator adapter.Generator, ingester Ingester, opts ...Option) *Manager {
	m := &Manager{
		repo:        repo,
		generator:   generator,
		ingester:    ingester,
		budget:      DefaultBudget,
		genTimeout:  DefaultGenerationTimeout,
		persona:     DefaultPersona,
		greeting:    DefaultGreeting,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		retention:   DefaultRetention,
		now:         time.Now,
		sessions:    make(map[model.SessionID]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens a new session for participantID. The participant must exist.
func (m *Manager) Start(ctx context.Context, participantID model.ParticipantID) (*Session, error) {
	if participantID == "" {
		return nil, goerr.New("participant id is empty", goerr.T(model.ErrTagInvalidInput))
	}
	participant, err := m.repo.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get interview participant", goerr.V("participant_id", participantID))
	}
	if !participant.IsHuman() {
		return nil, goerr.New("only humans can be interviewed",
			goerr.V("participant_id", participantID), goerr.T(model.ErrTagInvalidInput))
	}

	// The session outlives the request that started it
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	now := m.now()
	s := &Session{
		manager: m,
		state:   StateIdle,
		transcript: &model.Transcript{
			SessionID:     model.NewSessionID(),
			ParticipantID: participantID,
			StartedAt:     now,
		},
		ctx:    sessionCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	s.mu.Lock()
	s.transcript.Turns = append(s.transcript.Turns, model.Turn{
		Role: model.TurnRoleInterviewer,
		Text: m.greeting,
		At:   now,
	})
	s.deadline = now.Add(m.budget)
	s.timer = time.AfterFunc(m.budget, func() {
		s.close(sessionCtx, "time limit reached")
	})
	s.state = StateActive
	s.mu.Unlock()

	logging.From(ctx).Info("interview started",
		"session_id", s.ID(),
		"participant_id", participantID,
		"budget", m.budget,
	)
	return s, nil
}

// Get returns a session started by this manager. Closed sessions stay
// reachable for the retention period so that late submits get SessionClosed
// instead of NotFound.
func (m *Manager) Get(id model.SessionID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, goerr.New("interview session not found", goerr.V("session_id", id), goerr.T(model.ErrTagNotFound))
	}
	return s, nil
}

// CloseAll ends every open session, e.g. on shutdown, and waits for their
// transcripts to be stored.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		_, _ = s.Close(ctx)
	}
}

// Len returns the number of sessions Get can still reach
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// evict drops a closed session once the retention period has passed
func (m *Manager) evict(ctx context.Context, id model.SessionID) {
	time.AfterFunc(m.retention, func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		logging.From(ctx).Debug("interview session evicted", "session_id", id)
	})
}

func archiveKey(t *model.Transcript) string {
	return fmt.Sprintf("transcripts/%s/%s.json", t.ParticipantID, t.SessionID)
}
