package model

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type ChunkID string

// NewChunkID generates a new unique ChunkID
func NewChunkID() ChunkID {
	return ChunkID(uuid.New().String())
}

type MemorySource string

const (
	MemorySourceInterview MemorySource = "interview"
	MemorySourceWriting   MemorySource = "writing"
)

// Validate checks if the source is known
func (s MemorySource) Validate() error {
	switch s {
	case MemorySourceInterview, MemorySourceWriting:
		return nil
	default:
		return goerr.New("invalid memory source", goerr.V("source", s), goerr.T(ErrTagInvalidInput))
	}
}

// MemoryChunk is one embedded span of a human's text. Chunks are write-once
// and readable only on behalf of their owner.
type MemoryChunk struct {
	ID        ChunkID
	OwnerID   ParticipantID
	Text      string
	Embedding firestore.Vector32
	Source    MemorySource
	CreatedAt time.Time
}
