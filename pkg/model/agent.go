package model

import (
	"time"

	"github.com/google/uuid"
)

type AgentID string

// NewAgentID generates a new unique AgentID
func NewAgentID() AgentID {
	return AgentID(uuid.New().String())
}

// AgentProfile is a persona that speaks in the collective feed. Profiles are
// never removed; set Active to false to retire one.
type AgentProfile struct {
	ID AgentID
	// OwnerID is nil for seed agents that have no human behind them
	OwnerID       *ParticipantID
	DisplayName   string
	PersonaPrompt string
	Active        bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasOwner reports whether the agent is grounded in a human's memory
func (a *AgentProfile) HasOwner() bool {
	return a.OwnerID != nil && *a.OwnerID != ""
}
