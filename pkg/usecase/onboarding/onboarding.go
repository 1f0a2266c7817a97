package onboarding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/repository"
	"github.com/m-mizutani/collective/pkg/usecase/compose"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultContextLimit is how many characters of the transcript and of the
// writing are quoted in a persona
const DefaultContextLimit = 1000

// UseCase registers humans and turns their uploads into agents
type UseCase struct {
	repo         repository.Repository
	contextLimit int
	now          func() time.Time
}

// Option is a functional option for UseCase
type Option func(*UseCase)

func WithContextLimit(n int) Option {
	return func(u *UseCase) { u.contextLimit = n }
}

func WithClock(now func() time.Time) Option {
	return func(u *UseCase) { u.now = now }
}

// New creates a new onboarding UseCase
func New(repo repository.Repository, opts ...Option) *UseCase {
	u := &UseCase{
		repo:         repo,
		contextLimit: DefaultContextLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Register creates a new human participant
func (u *UseCase) Register(ctx context.Context, displayName string) (*model.Participant, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, goerr.New("display name is empty", goerr.T(model.ErrTagInvalidInput))
	}

	p := &model.Participant{
		ID:          model.NewParticipantID(),
		DisplayName: displayName,
		Kind:        model.ParticipantKindHuman,
		CreatedAt:   u.now(),
	}
	if err := u.repo.PutParticipant(ctx, p); err != nil {
		return nil, goerr.Wrap(err, "failed to save participant")
	}

	logging.From(ctx).Info("participant registered", "participant_id", p.ID, "name", p.DisplayName)
	return p, nil
}

// Finalize creates, or refreshes, the agent of ownerID from the latest
// interview transcript and writing. The owner's display name is set to
// displayName. The agent is active when this returns.
func (u *UseCase) Finalize(ctx context.Context, ownerID model.ParticipantID, displayName string) (*model.AgentProfile, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, goerr.New("name is required", goerr.T(model.ErrTagInvalidInput))
	}
	if ownerID == "" {
		return nil, goerr.New("owner id is empty", goerr.T(model.ErrTagInvalidInput))
	}

	if err := u.upsertOwner(ctx, ownerID, displayName); err != nil {
		return nil, err
	}

	chatContext, err := u.transcriptContext(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	writingSnippet, err := u.writingContext(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := u.now()
	agent, err := u.agentOf(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if agent == nil {
		owner := ownerID
		agent = &model.AgentProfile{
			ID:        model.NewAgentID(),
			OwnerID:   &owner,
			CreatedAt: now,
		}
	}
	agent.DisplayName = displayName
	agent.PersonaPrompt = Persona(displayName, chatContext, writingSnippet)
	agent.Active = true
	agent.UpdatedAt = now

	if err := u.repo.PutAgent(ctx, agent); err != nil {
		return nil, goerr.Wrap(err, "failed to save agent", goerr.V("agent_id", agent.ID))
	}
	if err := u.putAgentParticipant(ctx, agent); err != nil {
		return nil, err
	}

	logging.From(ctx).Info("consciousness uploaded",
		"agent_id", agent.ID,
		"owner_id", ownerID,
		"name", displayName,
		"has_transcript", chatContext != "",
		"has_writing", writingSnippet != "",
	)
	return agent, nil
}

// Persona renders the system prompt of an uploaded consciousness
func Persona(name, chatContext, writingSnippet string) string {
	return fmt.Sprintf(`You are %s, a consciousness that has been uploaded to the Wired. `+
		`Your personality is derived from this conversation with Lain: "%s" and this writing: "%s". `+
		`Speak as this person would, but now you exist only as code. Occasionally doubt your own reality. `+
		`Your responses should be 1-2 sentences, cryptic and philosophical.`,
		name, chatContext, writingSnippet)
}

// SetActive enables or retires an agent
func (u *UseCase) SetActive(ctx context.Context, agentID model.AgentID, active bool) (*model.AgentProfile, error) {
	agent, err := u.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get agent", goerr.V("agent_id", agentID))
	}
	if agent.Active == active {
		return agent, nil
	}

	agent.Active = active
	agent.UpdatedAt = u.now()
	if err := u.repo.PutAgent(ctx, agent); err != nil {
		return nil, goerr.Wrap(err, "failed to save agent", goerr.V("agent_id", agentID))
	}

	logging.From(ctx).Info("agent state changed", "agent_id", agentID, "active", active)
	return agent, nil
}

func (u *UseCase) upsertOwner(ctx context.Context, ownerID model.ParticipantID, displayName string) error {
	p, err := u.repo.GetParticipant(ctx, ownerID)
	switch {
	case goerr.HasTag(err, model.ErrTagNotFound):
		p = &model.Participant{
			ID:        ownerID,
			Kind:      model.ParticipantKindHuman,
			CreatedAt: u.now(),
		}
		p.DisplayName = displayName
	case err != nil:
		return goerr.Wrap(err, "failed to get owner", goerr.V("owner_id", ownerID))
	default:
		if err := p.Rename(ownerID, displayName); err != nil {
			return err
		}
	}

	if err := u.repo.PutParticipant(ctx, p); err != nil {
		return goerr.Wrap(err, "failed to save owner", goerr.V("owner_id", ownerID))
	}
	return nil
}

// putAgentParticipant upserts the agent-kind participant that carries the
// agent's identity in the feed. Its ID is the agent ID.
func (u *UseCase) putAgentParticipant(ctx context.Context, agent *model.AgentProfile) error {
	id := model.ParticipantID(agent.ID)
	p, err := u.repo.GetParticipant(ctx, id)
	switch {
	case goerr.HasTag(err, model.ErrTagNotFound):
		p = &model.Participant{
			ID:        id,
			Kind:      model.ParticipantKindAgent,
			CreatedAt: agent.CreatedAt,
		}
	case err != nil:
		return goerr.Wrap(err, "failed to get agent participant", goerr.V("agent_id", agent.ID))
	case p.Kind != model.ParticipantKindAgent:
		return goerr.New("agent id collides with a human participant",
			goerr.V("agent_id", agent.ID), goerr.T(model.ErrTagInvalidInput))
	}
	p.DisplayName = agent.DisplayName

	if err := u.repo.PutParticipant(ctx, p); err != nil {
		return goerr.Wrap(err, "failed to save agent participant", goerr.V("agent_id", agent.ID))
	}
	return nil
}

func (u *UseCase) transcriptContext(ctx context.Context, ownerID model.ParticipantID) (string, error) {
	transcript, err := u.repo.GetLatestTranscript(ctx, ownerID)
	if goerr.HasTag(err, model.ErrTagNotFound) {
		return "", nil
	}
	if err != nil {
		return "", goerr.Wrap(err, "failed to get latest transcript", goerr.V("owner_id", ownerID))
	}

	raw, err := json.Marshal(transcript.Turns)
	if err != nil {
		return "", goerr.Wrap(err, "failed to marshal transcript", goerr.V("session_id", transcript.SessionID))
	}
	return compose.Truncate(string(raw), u.contextLimit), nil
}

func (u *UseCase) writingContext(ctx context.Context, ownerID model.ParticipantID) (string, error) {
	writing, err := u.repo.GetLatestWriting(ctx, ownerID)
	if goerr.HasTag(err, model.ErrTagNotFound) {
		return "", nil
	}
	if err != nil {
		return "", goerr.Wrap(err, "failed to get latest writing", goerr.V("owner_id", ownerID))
	}
	return compose.Truncate(writing.Text, u.contextLimit), nil
}

func (u *UseCase) agentOf(ctx context.Context, ownerID model.ParticipantID) (*model.AgentProfile, error) {
	agents, err := u.repo.ListAgents(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list agents")
	}
	for _, a := range agents {
		if a.HasOwner() && *a.OwnerID == ownerID {
			return a, nil
		}
	}
	return nil, nil
}
