package onboarding

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document of ownerless agents
//
//	agents:
//	  - id: lain
//	    name: Lain
//	    persona: You are Lain...
//	    active: true
type SeedFile struct {
	Agents []SeedAgent `yaml:"agents"`
}

type SeedAgent struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Persona string `yaml:"persona"`
	// Active defaults to true when omitted
	Active *bool `yaml:"active,omitempty"`
}

// ParseSeeds decodes and validates a seed file
func ParseSeeds(r io.Reader) (*SeedFile, error) {
	var file SeedFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && err != io.EOF {
		return nil, goerr.Wrap(err, "failed to decode seed file", goerr.T(model.ErrTagInvalidInput))
	}

	seen := make(map[string]bool)
	for i, a := range file.Agents {
		if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.Persona) == "" {
			return nil, goerr.New("seed agent requires id, name and persona",
				goerr.V("index", i), goerr.T(model.ErrTagInvalidInput))
		}
		if seen[a.ID] {
			return nil, goerr.New("duplicated seed agent id", goerr.V("id", a.ID), goerr.T(model.ErrTagInvalidInput))
		}
		seen[a.ID] = true
	}
	return &file, nil
}

// LoadSeeds reads the seed file at path and upserts its agents. Seed agent
// ids are taken from the file so loading twice does not duplicate them.
func (u *UseCase) LoadSeeds(ctx context.Context, path string) ([]*model.AgentProfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open seed file", goerr.V("path", path))
	}
	defer f.Close()

	file, err := ParseSeeds(f)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid seed file", goerr.V("path", path))
	}

	return u.PutSeeds(ctx, file)
}

// PutSeeds upserts the agents of file
func (u *UseCase) PutSeeds(ctx context.Context, file *SeedFile) ([]*model.AgentProfile, error) {
	agents := make([]*model.AgentProfile, 0, len(file.Agents))
	for _, seed := range file.Agents {
		now := u.now()
		id := model.AgentID(seed.ID)

		agent, err := u.repo.GetAgent(ctx, id)
		switch {
		case goerr.HasTag(err, model.ErrTagNotFound):
			agent = &model.AgentProfile{ID: id, CreatedAt: now}
		case err != nil:
			return nil, goerr.Wrap(err, "failed to get seed agent", goerr.V("agent_id", id))
		}
		if agent.HasOwner() {
			return nil, goerr.New("seed id collides with an uploaded agent",
				goerr.V("agent_id", id), goerr.T(model.ErrTagInvalidInput))
		}

		agent.DisplayName = strings.TrimSpace(seed.Name)
		agent.PersonaPrompt = strings.TrimSpace(seed.Persona)
		agent.Active = seed.Active == nil || *seed.Active
		agent.UpdatedAt = now

		if err := u.repo.PutAgent(ctx, agent); err != nil {
			return nil, goerr.Wrap(err, "failed to save seed agent", goerr.V("agent_id", id))
		}
		if err := u.putAgentParticipant(ctx, agent); err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}

	logging.From(ctx).Info("seed agents loaded", "count", len(agents))
	return agents, nil
}
