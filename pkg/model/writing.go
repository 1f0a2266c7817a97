package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type WritingID string

// NewWritingID generates a new unique WritingID
func NewWritingID() WritingID {
	return WritingID(uuid.New().String())
}

// Writing is a piece of long-form text submitted by a human
type Writing struct {
	ID        WritingID
	OwnerID   ParticipantID
	Text      string
	WordCount int
	CreatedAt time.Time
}

// NewWriting builds a Writing and counts its words
func NewWriting(owner ParticipantID, text string) *Writing {
	return &Writing{
		ID:        NewWritingID(),
		OwnerID:   owner,
		Text:      text,
		WordCount: len(strings.Fields(text)),
		CreatedAt: time.Now(),
	}
}
