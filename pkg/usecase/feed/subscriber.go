package feed

import (
	"context"
	"sync"

	"github.com/m-mizutani/collective/pkg/model"
)

// subscriber buffers messages in an unbounded queue so that a slow reader
// never blocks Append. A single goroutine drains the queue into out.
type subscriber struct {
	mu     sync.Mutex
	queue  []*model.FeedMessage
	notify chan struct{}
	out    chan *model.FeedMessage
}

func newSubscriber() *subscriber {
	return &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan *model.FeedMessage),
	}
}

func (s *subscriber) push(msg *model.FeedMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (*model.FeedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return msg, true
}

func (s *subscriber) run(ctx context.Context, detach func()) {
	defer close(s.out)
	defer detach()

	for {
		msg, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.notify:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case s.out <- msg:
		}
	}
}
