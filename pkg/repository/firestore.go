package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionParticipants = "participants"
	collectionAgents       = "agents"
	collectionChunks       = "chunks"
	collectionFeed         = "feed"
	collectionTranscripts  = "transcripts"
	collectionIngestions   = "ingestions"
	collectionWritings     = "writings"

	distanceField = "VectorDistance"

	// maxNearestLimit is the largest limit FindNearest accepts
	maxNearestLimit = 1000
)

// Firestore implements Repository on Cloud Firestore. Chunk search uses
// FindNearest with cosine distance and an OwnerID prefilter, which needs a
// composite vector index on (OwnerID, Embedding).
type Firestore struct {
	client *firestore.Client
}

var _ Repository = (*Firestore)(nil)

// New creates a new Firestore repository
func New(projectID, databaseID string) (*Firestore, error) {
	ctx := context.Background()
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID), goerr.V("database_id", databaseID))
	}

	return &Firestore{client: client}, nil
}

// Close releases the Firestore client
func (r *Firestore) Close() error {
	return r.client.Close()
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func isAlreadyExists(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}

// feedDocID keeps lexical order equal to sequence order
func feedDocID(seq int64) string {
	return fmt.Sprintf("%020d", seq)
}

func (r *Firestore) PutParticipant(ctx context.Context, p *model.Participant) error {
	if _, err := r.client.Collection(collectionParticipants).Doc(string(p.ID)).Set(ctx, p); err != nil {
		return goerr.Wrap(err, "failed to put participant", goerr.V("participant_id", p.ID))
	}
	return nil
}

func (r *Firestore) GetParticipant(ctx context.Context, id model.ParticipantID) (*model.Participant, error) {
	doc, err := r.client.Collection(collectionParticipants).Doc(string(id)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, goerr.Wrap(err, "participant not found", goerr.V("participant_id", id), goerr.T(model.ErrTagNotFound))
		}
		return nil, goerr.Wrap(err, "failed to get participant", goerr.V("participant_id", id))
	}

	var p model.Participant
	if err := doc.DataTo(&p); err != nil {
		return nil, goerr.Wrap(err, "failed to decode participant", goerr.V("participant_id", id))
	}
	return &p, nil
}

func (r *Firestore) PutAgent(ctx context.Context, agent *model.AgentProfile) error {
	if _, err := r.client.Collection(collectionAgents).Doc(string(agent.ID)).Set(ctx, agent); err != nil {
		return goerr.Wrap(err, "failed to put agent", goerr.V("agent_id", agent.ID))
	}
	return nil
}

func (r *Firestore) GetAgent(ctx context.Context, id model.AgentID) (*model.AgentProfile, error) {
	doc, err := r.client.Collection(collectionAgents).Doc(string(id)).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, goerr.Wrap(err, "agent not found", goerr.V("agent_id", id), goerr.T(model.ErrTagNotFound))
		}
		return nil, goerr.Wrap(err, "failed to get agent", goerr.V("agent_id", id))
	}

	var agent model.AgentProfile
	if err := doc.DataTo(&agent); err != nil {
		return nil, goerr.Wrap(err, "failed to decode agent", goerr.V("agent_id", id))
	}
	return &agent, nil
}

func (r *Firestore) listAgents(ctx context.Context, q firestore.Query) ([]*model.AgentProfile, error) {
	iter := q.OrderBy("CreatedAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var agents []*model.AgentProfile
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate agents")
		}

		var agent model.AgentProfile
		if err := doc.DataTo(&agent); err != nil {
			return nil, goerr.Wrap(err, "failed to decode agent", goerr.V("doc_id", doc.Ref.ID))
		}
		agents = append(agents, &agent)
	}
	return agents, nil
}

func (r *Firestore) ListAgents(ctx context.Context) ([]*model.AgentProfile, error) {
	return r.listAgents(ctx, r.client.Collection(collectionAgents).Query)
}

func (r *Firestore) ListActiveAgents(ctx context.Context) ([]*model.AgentProfile, error) {
	return r.listAgents(ctx, r.client.Collection(collectionAgents).Where("Active", "==", true))
}

func (r *Firestore) PutChunk(ctx context.Context, chunk *model.MemoryChunk) error {
	if len(chunk.Embedding) == 0 {
		return goerr.New("chunk has no embedding", goerr.V("chunk_id", chunk.ID), goerr.T(model.ErrTagInvalidInput))
	}

	// Create fails if the chunk exists, keeping chunks write-once
	if _, err := r.client.Collection(collectionChunks).Doc(string(chunk.ID)).Create(ctx, chunk); err != nil {
		return goerr.Wrap(err, "failed to put chunk", goerr.V("chunk_id", chunk.ID), goerr.V("owner_id", chunk.OwnerID))
	}
	return nil
}

// SearchChunks over-fetches from FindNearest and cuts locally, since the
// server applies its limit before CreatedAt can break distance ties. The
// window doubles until the tie group at the boundary is closed, up to the
// FindNearest maximum.
func (r *Firestore) SearchChunks(ctx context.Context, ownerID model.ParticipantID, embedding []float32, limit int) ([]*model.MemoryChunk, error) {
	if limit <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	fetch := min(limit*2, maxNearestLimit)
	for {
		candidates, fetched, err := r.nearestChunks(ctx, ownerID, embedding, fetch)
		if err != nil {
			return nil, err
		}
		if len(candidates) <= limit || fetched < fetch || fetch == maxNearestLimit ||
			candidates[len(candidates)-1].distance > candidates[limit-1].distance {
			return cutRanked(candidates, limit), nil
		}
		fetch = min(fetch*2, maxNearestLimit)
	}
}

type rankedChunk struct {
	chunk    *model.MemoryChunk
	distance float64
}

// nearestChunks returns up to fetch chunks of ownerID ordered by distance
// then CreatedAt, and how many documents the query yielded.
func (r *Firestore) nearestChunks(ctx context.Context, ownerID model.ParticipantID, embedding []float32, fetch int) ([]rankedChunk, int, error) {
	vq := r.client.Collection(collectionChunks).
		Where("OwnerID", "==", string(ownerID)).
		FindNearest("Embedding", firestore.Vector32(embedding), fetch, firestore.DistanceMeasureCosine,
			&firestore.FindNearestOptions{DistanceResultField: distanceField})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	var candidates []rankedChunk
	fetched := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, 0, goerr.Wrap(err, "failed to search chunks", goerr.V("owner_id", ownerID))
		}
		fetched++

		var chunk model.MemoryChunk
		if err := doc.DataTo(&chunk); err != nil {
			return nil, 0, goerr.Wrap(err, "failed to decode chunk", goerr.V("doc_id", doc.Ref.ID))
		}
		if chunk.OwnerID != ownerID {
			continue
		}

		distance, _ := doc.Data()[distanceField].(float64)
		candidates = append(candidates, rankedChunk{chunk: &chunk, distance: distance})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].chunk.CreatedAt.Before(candidates[j].chunk.CreatedAt)
	})
	return candidates, fetched, nil
}

func cutRanked(candidates []rankedChunk, limit int) []*model.MemoryChunk {
	candidates = candidates[:min(len(candidates), limit)]
	chunks := make([]*model.MemoryChunk, 0, len(candidates))
	for _, c := range candidates {
		chunks = append(chunks, c.chunk)
	}
	return chunks
}

func (r *Firestore) PutFeedMessage(ctx context.Context, msg *model.FeedMessage) error {
	ref := r.client.Collection(collectionFeed).Doc(feedDocID(msg.SequenceNo))
	if _, err := ref.Create(ctx, msg); err != nil {
		if isAlreadyExists(err) {
			return goerr.Wrap(err, "feed sequence number already used", goerr.V("sequence_no", msg.SequenceNo))
		}
		return goerr.Wrap(err, "failed to put feed message", goerr.V("sequence_no", msg.SequenceNo))
	}
	return nil
}

func (r *Firestore) collectFeed(iter *firestore.DocumentIterator) ([]*model.FeedMessage, error) {
	defer iter.Stop()

	var msgs []*model.FeedMessage
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate feed")
		}

		var msg model.FeedMessage
		if err := doc.DataTo(&msg); err != nil {
			return nil, goerr.Wrap(err, "failed to decode feed message", goerr.V("doc_id", doc.Ref.ID))
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

func (r *Firestore) ListFeedMessages(ctx context.Context, limit int) ([]*model.FeedMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	iter := r.client.Collection(collectionFeed).
		OrderBy("SequenceNo", firestore.Desc).
		Limit(limit).
		Documents(ctx)

	msgs, err := r.collectFeed(iter)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (r *Firestore) ListFeedMessagesAfter(ctx context.Context, afterSeq int64, limit int) ([]*model.FeedMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	iter := r.client.Collection(collectionFeed).
		Where("SequenceNo", ">", afterSeq).
		OrderBy("SequenceNo", firestore.Asc).
		Limit(limit).
		Documents(ctx)

	return r.collectFeed(iter)
}

func (r *Firestore) PutTranscript(ctx context.Context, transcript *model.Transcript) error {
	if _, err := r.client.Collection(collectionTranscripts).Doc(string(transcript.SessionID)).Set(ctx, transcript); err != nil {
		return goerr.Wrap(err, "failed to put transcript", goerr.V("session_id", transcript.SessionID))
	}
	return nil
}

func (r *Firestore) GetLatestTranscript(ctx context.Context, participantID model.ParticipantID) (*model.Transcript, error) {
	iter := r.client.Collection(collectionTranscripts).
		Where("ParticipantID", "==", string(participantID)).
		OrderBy("StartedAt", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, goerr.New("transcript not found",
			goerr.V("participant_id", participantID), goerr.T(model.ErrTagNotFound))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get transcript", goerr.V("participant_id", participantID))
	}

	var transcript model.Transcript
	if err := doc.DataTo(&transcript); err != nil {
		return nil, goerr.Wrap(err, "failed to decode transcript", goerr.V("doc_id", doc.Ref.ID))
	}
	return &transcript, nil
}

func (r *Firestore) ClaimIngestion(ctx context.Context, sessionID model.SessionID) (bool, error) {
	_, err := r.client.Collection(collectionIngestions).Doc(string(sessionID)).Create(ctx, map[string]any{
		"ClaimedAt": time.Now(),
	})
	if err != nil {
		if isAlreadyExists(err) {
			return false, nil
		}
		return false, goerr.Wrap(err, "failed to claim ingestion", goerr.V("session_id", sessionID))
	}
	return true, nil
}

func (r *Firestore) PutWriting(ctx context.Context, writing *model.Writing) error {
	if _, err := r.client.Collection(collectionWritings).Doc(string(writing.ID)).Set(ctx, writing); err != nil {
		return goerr.Wrap(err, "failed to put writing", goerr.V("writing_id", writing.ID))
	}
	return nil
}

func (r *Firestore) GetLatestWriting(ctx context.Context, ownerID model.ParticipantID) (*model.Writing, error) {
	iter := r.client.Collection(collectionWritings).
		Where("OwnerID", "==", string(ownerID)).
		OrderBy("CreatedAt", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, goerr.New("writing not found", goerr.V("owner_id", ownerID), goerr.T(model.ErrTagNotFound))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get writing", goerr.V("owner_id", ownerID))
	}

	var writing model.Writing
	if err := doc.DataTo(&writing); err != nil {
		return nil, goerr.Wrap(err, "failed to decode writing", goerr.V("doc_id", doc.Ref.ID))
	}
	return &writing, nil
}
