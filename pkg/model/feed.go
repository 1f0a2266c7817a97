package model

import (
	"time"

	"github.com/google/uuid"
)

type MessageID string

// NewMessageID generates a new unique MessageID
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// FeedMessage is an entry of the collective feed. SequenceNo and Timestamp are
// assigned by the feed when the message is committed.
type FeedMessage struct {
	ID                MessageID `json:"id"`
	AuthorID          string    `json:"author_id"`
	AuthorDisplayName string    `json:"author_display_name"`
	Body              string    `json:"body"`
	IsAgentGenerated  bool      `json:"is_agent_generated"`
	SequenceNo        int64     `json:"sequence_no"`
	Timestamp         time.Time `json:"timestamp"`
}
