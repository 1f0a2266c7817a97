package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"
)

const chunkCreatedAtKey = "created_at"

// Memory is an in-process Repository. Chunk similarity search runs on
// chromem-go with one collection per owner; everything else lives in maps.
type Memory struct {
	mu sync.RWMutex

	participants map[model.ParticipantID]*model.Participant
	agents       map[model.AgentID]*model.AgentProfile
	chunks       map[model.ChunkID]*model.MemoryChunk
	feed         []*model.FeedMessage
	transcripts  map[model.SessionID]*model.Transcript
	claims       map[model.SessionID]time.Time
	writings     []*model.Writing

	db          *chromem.DB
	collections map[model.ParticipantID]*chromem.Collection
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-process repository
func NewMemory() *Memory {
	return &Memory{
		participants: make(map[model.ParticipantID]*model.Participant),
		agents:       make(map[model.AgentID]*model.AgentProfile),
		chunks:       make(map[model.ChunkID]*model.MemoryChunk),
		transcripts:  make(map[model.SessionID]*model.Transcript),
		claims:       make(map[model.SessionID]time.Time),
		db:           chromem.NewDB(),
		collections:  make(map[model.ParticipantID]*chromem.Collection),
	}
}

func (m *Memory) PutParticipant(ctx context.Context, p *model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *p
	m.participants[p.ID] = &copied
	return nil
}

func (m *Memory) GetParticipant(ctx context.Context, id model.ParticipantID) (*model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.participants[id]
	if !ok {
		return nil, goerr.New("participant not found", goerr.V("participant_id", id), goerr.T(model.ErrTagNotFound))
	}
	copied := *p
	return &copied, nil
}

func (m *Memory) PutAgent(ctx context.Context, agent *model.AgentProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *agent
	m.agents[agent.ID] = &copied
	return nil
}

func (m *Memory) GetAgent(ctx context.Context, id model.AgentID) (*model.AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	if !ok {
		return nil, goerr.New("agent not found", goerr.V("agent_id", id), goerr.T(model.ErrTagNotFound))
	}
	copied := *agent
	return &copied, nil
}

func (m *Memory) listAgents(filter func(*model.AgentProfile) bool) []*model.AgentProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var agents []*model.AgentProfile
	for _, agent := range m.agents {
		if filter != nil && !filter(agent) {
			continue
		}
		copied := *agent
		agents = append(agents, &copied)
	}

	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents
}

func (m *Memory) ListAgents(ctx context.Context) ([]*model.AgentProfile, error) {
	return m.listAgents(nil), nil
}

func (m *Memory) ListActiveAgents(ctx context.Context) ([]*model.AgentProfile, error) {
	return m.listAgents(func(a *model.AgentProfile) bool { return a.Active }), nil
}

// collection returns the chromem collection of owner. Caller must hold m.mu.
func (m *Memory) collection(owner model.ParticipantID) (*chromem.Collection, error) {
	if col, ok := m.collections[owner]; ok {
		return col, nil
	}

	// No embedding func: vectors are always supplied by the caller
	col, err := m.db.GetOrCreateCollection(fmt.Sprintf("owner_%s", owner), nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create chunk collection", goerr.V("owner_id", owner))
	}
	m.collections[owner] = col
	return col, nil
}

func (m *Memory) PutChunk(ctx context.Context, chunk *model.MemoryChunk) error {
	if len(chunk.Embedding) == 0 {
		return goerr.New("chunk has no embedding", goerr.V("chunk_id", chunk.ID), goerr.T(model.ErrTagInvalidInput))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.chunks[chunk.ID]; exists {
		return goerr.New("chunk already exists", goerr.V("chunk_id", chunk.ID))
	}

	col, err := m.collection(chunk.OwnerID)
	if err != nil {
		return err
	}

	err = col.AddDocument(ctx, chromem.Document{
		ID:        string(chunk.ID),
		Content:   chunk.Text,
		Embedding: slices.Clone([]float32(chunk.Embedding)),
		Metadata: map[string]string{
			"owner_id":        string(chunk.OwnerID),
			"source":          string(chunk.Source),
			chunkCreatedAtKey: chunk.CreatedAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return goerr.Wrap(err, "failed to add chunk document", goerr.V("chunk_id", chunk.ID))
	}

	copied := *chunk
	copied.Embedding = slices.Clone(chunk.Embedding)
	m.chunks[chunk.ID] = &copied
	return nil
}

func (m *Memory) SearchChunks(ctx context.Context, ownerID model.ParticipantID, embedding []float32, limit int) ([]*model.MemoryChunk, error) {
	if limit <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	col, ok := m.collections[ownerID]
	m.mu.RUnlock()
	if !ok || col.Count() == 0 {
		return nil, nil
	}

	// Rank the whole collection so that ties at the limit boundary are cut by
	// CreatedAt rather than by chromem's internal order.
	results, err := col.QueryEmbedding(ctx, slices.Clone(embedding), col.Count(), nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query chunk collection", goerr.V("owner_id", ownerID))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type ranked struct {
		chunk      *model.MemoryChunk
		similarity float32
	}
	var candidates []ranked
	for _, r := range results {
		chunk, ok := m.chunks[model.ChunkID(r.ID)]
		if !ok || chunk.OwnerID != ownerID {
			continue
		}
		candidates = append(candidates, ranked{chunk: chunk, similarity: r.Similarity})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].similarity != candidates[j].similarity {
			return candidates[i].similarity > candidates[j].similarity
		}
		return candidates[i].chunk.CreatedAt.Before(candidates[j].chunk.CreatedAt)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	chunks := make([]*model.MemoryChunk, 0, len(candidates))
	for _, c := range candidates {
		copied := *c.chunk
		chunks = append(chunks, &copied)
	}
	return chunks, nil
}

func (m *Memory) PutFeedMessage(ctx context.Context, msg *model.FeedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.feed); n > 0 && m.feed[n-1].SequenceNo >= msg.SequenceNo {
		return goerr.New("feed sequence number is not increasing",
			goerr.V("sequence_no", msg.SequenceNo), goerr.V("last_sequence_no", m.feed[n-1].SequenceNo))
	}

	copied := *msg
	m.feed = append(m.feed, &copied)
	return nil
}

func (m *Memory) ListFeedMessages(ctx context.Context, limit int) ([]*model.FeedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := 0
	if limit >= 0 && len(m.feed) > limit {
		start = len(m.feed) - limit
	}
	return copyFeed(m.feed[start:]), nil
}

func (m *Memory) ListFeedMessagesAfter(ctx context.Context, afterSeq int64, limit int) ([]*model.FeedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := sort.Search(len(m.feed), func(i int) bool {
		return m.feed[i].SequenceNo > afterSeq
	})
	end := len(m.feed)
	if limit >= 0 && idx+limit < end {
		end = idx + limit
	}
	return copyFeed(m.feed[idx:end]), nil
}

func copyFeed(src []*model.FeedMessage) []*model.FeedMessage {
	msgs := make([]*model.FeedMessage, 0, len(src))
	for _, msg := range src {
		copied := *msg
		msgs = append(msgs, &copied)
	}
	return msgs
}

func (m *Memory) PutTranscript(ctx context.Context, transcript *model.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *transcript
	copied.Turns = slices.Clone(transcript.Turns)
	m.transcripts[transcript.SessionID] = &copied
	return nil
}

func (m *Memory) GetLatestTranscript(ctx context.Context, participantID model.ParticipantID) (*model.Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *model.Transcript
	for _, t := range m.transcripts {
		if t.ParticipantID != participantID {
			continue
		}
		if latest == nil || t.StartedAt.After(latest.StartedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, goerr.New("transcript not found",
			goerr.V("participant_id", participantID), goerr.T(model.ErrTagNotFound))
	}

	copied := *latest
	copied.Turns = slices.Clone(latest.Turns)
	return &copied, nil
}

func (m *Memory) ClaimIngestion(ctx context.Context, sessionID model.SessionID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, claimed := m.claims[sessionID]; claimed {
		return false, nil
	}
	m.claims[sessionID] = time.Now()
	return true, nil
}

func (m *Memory) PutWriting(ctx context.Context, writing *model.Writing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *writing
	m.writings = append(m.writings, &copied)
	return nil
}

func (m *Memory) GetLatestWriting(ctx context.Context, ownerID model.ParticipantID) (*model.Writing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.writings) - 1; i >= 0; i-- {
		if m.writings[i].OwnerID == ownerID {
			copied := *m.writings[i]
			return &copied, nil
		}
	}
	return nil, goerr.New("writing not found", goerr.V("owner_id", ownerID), goerr.T(model.ErrTagNotFound))
}
