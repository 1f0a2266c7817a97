package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type ParticipantID string

// NewParticipantID generates a new unique ParticipantID
func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.New().String())
}

type ParticipantKind string

const (
	ParticipantKindHuman ParticipantKind = "human"
	ParticipantKindAgent ParticipantKind = "agent"
)

// Participant is anyone who can author a feed message
type Participant struct {
	ID          ParticipantID
	DisplayName string
	Kind        ParticipantKind
	CreatedAt   time.Time
}

func (p *Participant) IsHuman() bool {
	return p.Kind == ParticipantKindHuman
}

// Rename changes the display name. Only the human who owns the identity may do it.
func (p *Participant) Rename(actor ParticipantID, name string) error {
	if !p.IsHuman() {
		return goerr.New("display name of non-human participant is fixed",
			goerr.V("participant_id", p.ID), goerr.T(ErrTagInvalidInput))
	}
	if actor != p.ID {
		return goerr.New("only the owner can rename a participant",
			goerr.V("participant_id", p.ID), goerr.V("actor", actor), goerr.T(ErrTagInvalidInput))
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return goerr.New("display name is empty", goerr.T(ErrTagInvalidInput))
	}

	p.DisplayName = name
	return nil
}
