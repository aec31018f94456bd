package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"voicecall-backend/internal/database"
	"voicecall-backend/internal/domain"
	apperrors "voicecall-backend/pkg/errors"
)

// RoomBroker allocates two-participant media rooms and keeps them resolvable
// for their TTL
type RoomBroker struct {
	client      *database.RedisClient
	joinURLBase string
	ttl         time.Duration
	clock       clockwork.Clock
}

// NewRoomBroker creates a new RoomBroker
func NewRoomBroker(client *database.RedisClient, joinURLBase string, ttl time.Duration, clock clockwork.Clock) *RoomBroker {
	return &RoomBroker{
		client:      client,
		joinURLBase: strings.TrimRight(joinURLBase, "/"),
		ttl:         ttl,
		clock:       clock,
	}
}

func roomKey(roomID string) string {
	return fmt.Sprintf("rooms:%s", roomID)
}

// CreateRoom allocates a fresh room. Room ids are never reused.
func (b *RoomBroker) CreateRoom(ctx context.Context) (*domain.Room, error) {
	id := uuid.New().String()
	room := &domain.Room{
		ID:        id,
		JoinURL:   fmt.Sprintf("%s/%s", b.joinURLBase, id),
		ExpiresAt: b.clock.Now().Add(b.ttl).UTC(),
	}

	data, err := json.Marshal(room)
	if err != nil {
		return nil, apperrors.RoomUnavailableError(err)
	}

	created, err := b.client.SafeSetNX(ctx, roomKey(id), data, b.ttl).Result()
	if err != nil {
		return nil, apperrors.RoomUnavailableError(err)
	}
	if !created {
		return nil, apperrors.RoomUnavailableError(fmt.Errorf("room %s already allocated", id))
	}

	return room, nil
}

// ResolveRoom returns the joinable room for roomID
func (b *RoomBroker) ResolveRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	data, err := b.client.SafeGet(ctx, roomKey(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.RoomUnavailableError(fmt.Errorf("room %s expired", roomID))
		}
		return nil, apperrors.RoomUnavailableError(err)
	}

	room := &domain.Room{}
	if err := json.Unmarshal(data, room); err != nil {
		return nil, apperrors.RoomUnavailableError(err)
	}

	return room, nil
}
