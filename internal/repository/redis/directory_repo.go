package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicecall-backend/internal/database"
	"voicecall-backend/pkg/logger"
)

// NameSource is the authoritative display name lookup
type NameSource interface {
	GetDisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// DirectoryRepository resolves caller display names through a Redis cache in
// front of the users table. Redis being down only costs the cache.
type DirectoryRepository struct {
	client *database.RedisClient
	source NameSource
	ttl    time.Duration
}

// NewDirectoryRepository creates a new DirectoryRepository
func NewDirectoryRepository(client *database.RedisClient, source NameSource, ttl time.Duration) *DirectoryRepository {
	return &DirectoryRepository{
		client: client,
		source: source,
		ttl:    ttl,
	}
}

func displayNameKey(userID uuid.UUID) string {
	return fmt.Sprintf("directory:name:%s", userID)
}

// GetDisplayName returns the cached name or loads and caches it
func (r *DirectoryRepository) GetDisplayName(ctx context.Context, userID uuid.UUID) (string, error) {
	key := displayNameKey(userID)

	name, err := r.client.SafeGet(ctx, key).Result()
	if err == nil && name != "" {
		return name, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		logger.Debug("Directory cache read skipped", zap.String("user_id", userID.String()), zap.Error(err))
	}

	name, err = r.source.GetDisplayName(ctx, userID)
	if err != nil {
		return "", err
	}

	if err := r.client.SafeSetNX(ctx, key, name, r.ttl).Err(); err != nil {
		logger.Debug("Directory cache write skipped", zap.String("user_id", userID.String()), zap.Error(err))
	}
	return name, nil
}

// Invalidate drops the cached name after a profile change
func (r *DirectoryRepository) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if r.client.IsDegraded() {
		return nil
	}
	if err := r.client.Client.Del(ctx, displayNameKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate display name: %w", err)
	}
	return nil
}
