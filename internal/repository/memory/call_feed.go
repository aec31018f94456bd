package memory

import (
	"context"
	"sync"

	"voicecall-backend/internal/domain"
	"voicecall-backend/pkg/constants"
)

// CallFeed delivers row changes to in-process subscribers. Delivery is
// asynchronous: each subscription has its own buffered queue.
type CallFeed struct {
	mu   sync.Mutex
	subs map[*feedSubscription]struct{}
}

// NewCallFeed creates a feed with no subscribers
func NewCallFeed() *CallFeed {
	return &CallFeed{subs: make(map[*feedSubscription]struct{})}
}

// Publish delivers change to every matching subscription. It is also how tests
// inject duplicated or out-of-order events.
func (f *CallFeed) Publish(_ context.Context, change domain.RowChange) error {
	f.mu.Lock()
	targets := make([]*feedSubscription, 0, len(f.subs))
	for sub := range f.subs {
		if sub.filter.Matches(change.Record) {
			targets = append(targets, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(domain.RowChange{Type: change.Type, Record: change.Record.Clone()})
	}
	return nil
}

// Subscribe opens a subscription scoped to filter
func (f *CallFeed) Subscribe(_ context.Context, filter domain.RowFilter) (domain.Subscription, error) {
	sub := &feedSubscription{
		feed:   f,
		filter: filter,
		events: make(chan domain.RowChange, constants.FeedBufferSize),
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	return sub, nil
}

// Subscribers returns the number of open subscriptions
func (f *CallFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type feedSubscription struct {
	feed   *CallFeed
	filter domain.RowFilter

	mu        sync.Mutex
	closed    bool
	events    chan domain.RowChange
	done      chan struct{}
	closeOnce sync.Once
}

func (s *feedSubscription) Events() <-chan domain.RowChange {
	return s.events
}

func (s *feedSubscription) deliver(change domain.RowChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- change:
	case <-s.done:
	}
}

func (s *feedSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s)
		s.feed.mu.Unlock()

		close(s.done)

		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return nil
}
