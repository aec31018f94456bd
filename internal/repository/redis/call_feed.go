package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicecall-backend/internal/database"
	"voicecall-backend/internal/domain"
	"voicecall-backend/pkg/constants"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/logger"
)

// CallFeed is the row-change event source for the calls table, carried over
// Redis Pub/Sub. Every written row goes to its call channel and to its
// receiver channel.
type CallFeed struct {
	client *database.RedisClient
}

// NewCallFeed creates a new CallFeed
func NewCallFeed(client *database.RedisClient) *CallFeed {
	return &CallFeed{client: client}
}

func callChannel(callID uuid.UUID) string {
	return fmt.Sprintf("calls:id:%s", callID)
}

func receiverChannel(receiverID uuid.UUID) string {
	return fmt.Sprintf("calls:receiver:%s", receiverID)
}

// Publish broadcasts a written row to its subscribers
func (f *CallFeed) Publish(ctx context.Context, change domain.RowChange) error {
	if change.Record == nil {
		return fmt.Errorf("row change without record")
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal row change: %w", err)
	}

	for _, channel := range []string{callChannel(change.Record.ID), receiverChannel(change.Record.ReceiverID)} {
		if err := f.client.SafePublish(ctx, channel, payload).Err(); err != nil {
			return apperrors.WrapWithStatus(apperrors.ErrCodeServiceUnavail, "Failed to publish row change", http.StatusServiceUnavailable, err)
		}
	}

	return nil
}

// Subscribe opens a subscription scoped to filter. It returns once Redis has
// confirmed the subscription, so rows written afterwards are not missed.
func (f *CallFeed) Subscribe(ctx context.Context, filter domain.RowFilter) (domain.Subscription, error) {
	var channel string
	switch {
	case filter.CallID != uuid.Nil:
		channel = callChannel(filter.CallID)
	case filter.ReceiverID != uuid.Nil:
		channel = receiverChannel(filter.ReceiverID)
	default:
		return nil, apperrors.ValidationError("subscription filter needs a call or receiver id")
	}

	pubsub := f.client.SafeSubscribe(ctx, channel)
	if pubsub == nil {
		return nil, apperrors.ServiceUnavailableError("Row change feed is degraded")
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, apperrors.WrapWithStatus(apperrors.ErrCodeServiceUnavail, "Failed to subscribe to row changes", http.StatusServiceUnavailable, err)
	}

	sub := &feedSubscription{
		pubsub: pubsub,
		filter: filter,
		events: make(chan domain.RowChange, constants.FeedBufferSize),
		done:   make(chan struct{}),
	}
	go sub.pump(channel)

	return sub, nil
}

type feedSubscription struct {
	pubsub    *redis.PubSub
	filter    domain.RowFilter
	events    chan domain.RowChange
	done      chan struct{}
	closeOnce sync.Once
}

func (s *feedSubscription) Events() <-chan domain.RowChange {
	return s.events
}

func (s *feedSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *feedSubscription) pump(channel string) {
	defer close(s.events)

	msgs := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var change domain.RowChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				logger.Warn("Dropping malformed row change",
					zap.String("channel", channel),
					zap.Error(err))
				continue
			}
			if !s.filter.Matches(change.Record) {
				continue
			}
			select {
			case s.events <- change:
			case <-s.done:
				return
			}
		}
	}
}
