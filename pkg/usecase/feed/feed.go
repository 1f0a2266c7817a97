package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/collective/pkg/model"
	"github.com/m-mizutani/collective/pkg/policy"
	"github.com/m-mizutani/collective/pkg/repository"
	"github.com/m-mizutani/collective/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Moderator decides whether a human post may enter the feed
type Moderator interface {
	Review(ctx context.Context, msg *model.FeedMessage) (*policy.Decision, error)
}

// Feed is the ordered, append-only collective feed. Append is the single
// serialization point: a lower sequence number means an earlier entry into
// the critical section.
type Feed struct {
	repo      repository.Repository
	moderator Moderator
	now       func() time.Time

	mu          sync.Mutex
	loaded      bool
	lastSeq     int64
	nextSubID   uint64
	subscribers map[uint64]*subscriber
}

// Option is a functional option for Feed
type Option func(*Feed)

// WithModerator enables moderation of Post
func WithModerator(m Moderator) Option {
	return func(f *Feed) { f.moderator = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// New creates a new Feed backed by repo
func New(repo repository.Repository, opts ...Option) *Feed {
	f := &Feed{
		repo:        repo,
		now:         time.Now,
		subscribers: make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Load initializes the sequence counter from the latest persisted message.
// Append calls it lazily, so calling it up front only surfaces errors early.
func (f *Feed) Load(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked(ctx)
}

func (f *Feed) loadLocked(ctx context.Context) error {
	if f.loaded {
		return nil
	}

	latest, err := f.repo.ListFeedMessages(ctx, 1)
	if err != nil {
		return goerr.Wrap(err, "failed to load latest feed message")
	}
	if len(latest) > 0 {
		f.lastSeq = latest[len(latest)-1].SequenceNo
	}
	f.loaded = true

	logging.From(ctx).Debug("feed loaded", "last_sequence_no", f.lastSeq)
	return nil
}

// Append commits msg to the feed. ID, SequenceNo and Timestamp are assigned
// here. The message is persisted before any subscriber sees it; when
// persistence fails the sequence number is not consumed.
func (f *Feed) Append(ctx context.Context, msg *model.FeedMessage) (*model.FeedMessage, error) {
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return nil, goerr.New("feed message body is empty", goerr.T(model.ErrTagInvalidInput))
	}
	if msg.AuthorID == "" {
		return nil, goerr.New("feed message has no author", goerr.T(model.ErrTagInvalidInput))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.loadLocked(ctx); err != nil {
		return nil, err
	}

	committed := *msg
	committed.Body = body
	committed.ID = model.NewMessageID()
	committed.SequenceNo = f.lastSeq + 1
	committed.Timestamp = f.now().UTC()

	if err := f.repo.PutFeedMessage(ctx, &committed); err != nil {
		return nil, goerr.Wrap(err, "failed to persist feed message",
			goerr.V("sequence_no", committed.SequenceNo), goerr.V("author_id", committed.AuthorID))
	}
	f.lastSeq = committed.SequenceNo

	for _, sub := range f.subscribers {
		copied := committed
		sub.push(&copied)
	}

	logging.From(ctx).Debug("feed message committed",
		"sequence_no", committed.SequenceNo,
		"author", committed.AuthorDisplayName,
		"agent", committed.IsAgentGenerated,
	)

	result := committed
	return &result, nil
}

// Post appends a message written by a human participant
func (f *Feed) Post(ctx context.Context, participantID model.ParticipantID, body string) (*model.FeedMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, goerr.New("post body is empty", goerr.T(model.ErrTagInvalidInput))
	}

	participant, err := f.repo.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to resolve post author", goerr.V("participant_id", participantID))
	}
	if !participant.IsHuman() {
		return nil, goerr.New("agents post through the scheduler only",
			goerr.V("participant_id", participantID), goerr.T(model.ErrTagInvalidInput))
	}

	msg := &model.FeedMessage{
		AuthorID:          string(participant.ID),
		AuthorDisplayName: participant.DisplayName,
		Body:              body,
		IsAgentGenerated:  false,
	}

	if f.moderator != nil {
		decision, err := f.moderator.Review(ctx, msg)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to moderate post")
		}
		if !decision.Allow {
			return nil, goerr.New("post rejected by moderation policy",
				goerr.V("participant_id", participantID),
				goerr.V("reason", decision.Reason),
				goerr.T(model.ErrTagInvalidInput))
		}
	}

	return f.Append(ctx, msg)
}

// Recent returns up to n latest messages, oldest first
func (f *Feed) Recent(ctx context.Context, n int) ([]*model.FeedMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := f.repo.ListFeedMessages(ctx, n)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list recent feed messages", goerr.V("n", n))
	}
	return msgs, nil
}

// Since returns up to limit messages with a sequence number above afterSeq
func (f *Feed) Since(ctx context.Context, afterSeq int64, limit int) ([]*model.FeedMessage, error) {
	msgs, err := f.repo.ListFeedMessagesAfter(ctx, afterSeq, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list feed messages", goerr.V("after", afterSeq))
	}
	return msgs, nil
}

// Subscribe streams every message committed after the call returns, in
// commit order and without drops. Cancelling ctx detaches the subscriber
// and closes the channel.
func (f *Feed) Subscribe(ctx context.Context) <-chan *model.FeedMessage {
	sub := newSubscriber()

	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	f.subscribers[id] = sub
	f.mu.Unlock()

	go sub.run(ctx, func() {
		f.mu.Lock()
		delete(f.subscribers, id)
		f.mu.Unlock()
	})

	return sub.out
}

// Subscribers returns the number of attached subscribers
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}
