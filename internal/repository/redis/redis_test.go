package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-backend/internal/database"
	"voicecall-backend/internal/domain"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/push"
)

// newClient connects to the Redis named by REDIS_ADDR (host:port) or skips.
func newClient(t *testing.T) *database.RedisClient {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := database.NewRedisDB(&database.RedisConfig{
		Host:     host,
		Port:     port,
		PoolSize: 4,
		Timeout:  2 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.HealthCheck(context.Background()))
	return client
}

func nextChange(t *testing.T, sub domain.Subscription) domain.RowChange {
	t.Helper()
	select {
	case change, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("no row change delivered")
		return domain.RowChange{}
	}
}

func TestCallFeed_DeliversToCallAndReceiverSubscriptions(t *testing.T) {
	client := newClient(t)
	feed := NewCallFeed(client)
	ctx := context.Background()

	rec := &domain.CallRecord{
		ID:         uuid.New(),
		RoomID:     "room-1",
		CallerID:   uuid.New(),
		ReceiverID: uuid.New(),
		Status:     domain.CallStatusRinging,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	byCall, err := feed.Subscribe(ctx, domain.RowFilter{CallID: rec.ID})
	require.NoError(t, err)
	defer byCall.Close()
	byReceiver, err := feed.Subscribe(ctx, domain.RowFilter{ReceiverID: rec.ReceiverID})
	require.NoError(t, err)
	defer byReceiver.Close()

	require.NoError(t, feed.Publish(ctx, domain.RowChange{Type: domain.RowEventInsert, Record: rec}))

	for _, sub := range []domain.Subscription{byCall, byReceiver} {
		change := nextChange(t, sub)
		assert.Equal(t, domain.RowEventInsert, change.Type)
		assert.Equal(t, rec.ID, change.Record.ID)
		assert.Equal(t, domain.CallStatusRinging, change.Record.Status)
	}
}

func TestCallFeed_RequiresFilter(t *testing.T) {
	feed := NewCallFeed(newClient(t))

	_, err := feed.Subscribe(context.Background(), domain.RowFilter{})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
}

func TestRoomBroker_CreateAndResolve(t *testing.T) {
	broker := NewRoomBroker(newClient(t), "https://rooms.test/join/", time.Minute, clockwork.NewRealClock())
	ctx := context.Background()

	room, err := broker.CreateRoom(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://rooms.test/join/"+room.ID, room.JoinURL)

	resolved, err := broker.ResolveRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.JoinURL, resolved.JoinURL)

	_, err = broker.ResolveRoom(ctx, uuid.NewString())
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeRoomUnavailable))
}

type countingSource struct {
	mu    sync.Mutex
	calls int
	name  string
}

func (s *countingSource) GetDisplayName(_ context.Context, _ uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.name, nil
}

func TestDirectoryRepository_CachesDisplayName(t *testing.T) {
	source := &countingSource{name: "Alice"}
	directory := NewDirectoryRepository(newClient(t), source, time.Minute)
	ctx := context.Background()
	userID := uuid.New()
	t.Cleanup(func() { _ = directory.Invalidate(context.Background(), userID) })

	for i := 0; i < 3; i++ {
		name, err := directory.GetDisplayName(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "Alice", name)
	}
	assert.Equal(t, 1, source.calls)

	require.NoError(t, directory.Invalidate(ctx, userID))
	source.name = "Alice B."
	name, err := directory.GetDisplayName(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, "Alice B.", name)
	assert.Equal(t, 2, source.calls)
}

func TestPushTokenRepository_Lifecycle(t *testing.T) {
	repo := NewPushTokenRepository(newClient(t), time.Minute, clockwork.NewRealClock())
	ctx := context.Background()
	user := uuid.New()
	value := "token-" + uuid.NewString()
	t.Cleanup(func() { _ = repo.Delete(context.Background(), user, value) })

	token := &push.Token{UserID: user, Token: value, Type: push.TokenTypeFCM, Active: true}
	require.NoError(t, repo.Store(ctx, token))
	assert.NotEqual(t, uuid.Nil, token.ID)

	tokens, err := repo.GetByUserID(ctx, user)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, token.ID, tokens[0].ID)

	require.NoError(t, repo.MarkInactive(ctx, value))
	stored, err := repo.GetByToken(ctx, value)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.Active)

	err = repo.Delete(ctx, uuid.New(), value)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))

	require.NoError(t, repo.Delete(ctx, user, value))
	stored, err = repo.GetByToken(ctx, value)
	require.NoError(t, err)
	assert.Nil(t, stored)
}
