package repository

import (
	"context"

	"github.com/m-mizutani/collective/pkg/model"
)

// Repository defines the interface for collective data persistence. Lookups
// of missing records return errors tagged with model.ErrTagNotFound.
type Repository interface {
	// PutParticipant creates or replaces a participant
	PutParticipant(ctx context.Context, p *model.Participant) error

	// GetParticipant retrieves a participant by ID
	GetParticipant(ctx context.Context, id model.ParticipantID) (*model.Participant, error)

	// PutAgent creates or replaces an agent profile
	PutAgent(ctx context.Context, agent *model.AgentProfile) error

	// GetAgent retrieves an agent profile by ID
	GetAgent(ctx context.Context, id model.AgentID) (*model.AgentProfile, error)

	// ListAgents retrieves all agent profiles ordered by CreatedAt
	ListAgents(ctx context.Context) ([]*model.AgentProfile, error)

	// ListActiveAgents retrieves agent profiles with Active = true ordered by CreatedAt
	ListActiveAgents(ctx context.Context) ([]*model.AgentProfile, error)

	// PutChunk stores a memory chunk. Chunks are never updated.
	PutChunk(ctx context.Context, chunk *model.MemoryChunk) error

	// SearchChunks performs vector search among chunks of ownerID and returns
	// at most limit chunks nearest-first. Equal distances are ordered by
	// earliest CreatedAt.
	SearchChunks(ctx context.Context, ownerID model.ParticipantID, embedding []float32, limit int) ([]*model.MemoryChunk, error)

	// PutFeedMessage stores a committed feed message. Storing a second message
	// with the same SequenceNo fails.
	PutFeedMessage(ctx context.Context, msg *model.FeedMessage) error

	// ListFeedMessages retrieves the latest limit messages, oldest first
	ListFeedMessages(ctx context.Context, limit int) ([]*model.FeedMessage, error)

	// ListFeedMessagesAfter retrieves up to limit messages whose SequenceNo is
	// greater than afterSeq, oldest first
	ListFeedMessagesAfter(ctx context.Context, afterSeq int64, limit int) ([]*model.FeedMessage, error)

	// PutTranscript saves an interview transcript
	PutTranscript(ctx context.Context, transcript *model.Transcript) error

	// GetLatestTranscript retrieves the most recent transcript of a participant
	GetLatestTranscript(ctx context.Context, participantID model.ParticipantID) (*model.Transcript, error)

	// ClaimIngestion records that the transcript of sessionID is being
	// ingested. It returns false when the session was already claimed.
	ClaimIngestion(ctx context.Context, sessionID model.SessionID) (bool, error)

	// PutWriting saves a submitted writing
	PutWriting(ctx context.Context, writing *model.Writing) error

	// GetLatestWriting retrieves the most recent writing of a participant
	GetLatestWriting(ctx context.Context, ownerID model.ParticipantID) (*model.Writing, error)
}
