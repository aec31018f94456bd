package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"voicecall-backend/internal/domain"
	apperrors "voicecall-backend/pkg/errors"
)

// RoomBroker hands out rooms from memory
type RoomBroker struct {
	mu      sync.Mutex
	rooms   map[string]*domain.Room
	ttl     time.Duration
	clock   clockwork.Clock
	failing bool
	created int
}

// NewRoomBroker creates a broker whose rooms live for ttl
func NewRoomBroker(ttl time.Duration, clock clockwork.Clock) *RoomBroker {
	return &RoomBroker{
		rooms: make(map[string]*domain.Room),
		ttl:   ttl,
		clock: clock,
	}
}

// SetFailing makes every allocation and lookup fail until reset
func (b *RoomBroker) SetFailing(failing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = failing
}

// Created returns the number of rooms allocated so far
func (b *RoomBroker) Created() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// CreateRoom allocates a room
func (b *RoomBroker) CreateRoom(_ context.Context) (*domain.Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failing {
		return nil, apperrors.RoomUnavailableError(errors.New("room quota exhausted"))
	}

	id := uuid.New().String()
	room := &domain.Room{
		ID:        id,
		JoinURL:   fmt.Sprintf("memory://rooms/%s", id),
		ExpiresAt: b.clock.Now().Add(b.ttl),
	}
	b.rooms[id] = room
	b.created++

	out := *room
	return &out, nil
}

// ResolveRoom looks up a room that has not yet expired
func (b *RoomBroker) ResolveRoom(_ context.Context, roomID string) (*domain.Room, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failing {
		return nil, apperrors.RoomUnavailableError(errors.New("room broker unreachable"))
	}
	room, ok := b.rooms[roomID]
	if !ok || b.clock.Now().After(room.ExpiresAt) {
		return nil, apperrors.RoomUnavailableError(fmt.Errorf("room %s expired", roomID))
	}

	out := *room
	return &out, nil
}
