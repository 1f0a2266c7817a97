package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionID string

// NewSessionID generates a new unique SessionID
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

type TurnRole string

const (
	TurnRoleInterviewer TurnRole = "interviewer"
	TurnRoleSubject     TurnRole = "subject"
	TurnRoleSystem      TurnRole = "system"
)

type Turn struct {
	Role TurnRole  `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Transcript is the ordered record of one interview session
type Transcript struct {
	SessionID     SessionID     `json:"session_id"`
	ParticipantID ParticipantID `json:"participant_id"`
	Turns         []Turn        `json:"turns"`
	StartedAt     time.Time     `json:"started_at"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
}

// SubjectText joins what the human said into plain prose for ingestion.
// Turns without terminal punctuation get a period so each stays a sentence.
func (t *Transcript) SubjectText() string {
	var parts []string
	for _, turn := range t.Turns {
		if turn.Role != TurnRoleSubject {
			continue
		}
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		if !strings.ContainsAny(text[len(text)-1:], ".!?") {
			text += "."
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}
