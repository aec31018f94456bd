package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voicecall-backend/internal/database"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/push"
)

// PushTokenRepository keeps device tokens in Redis.
// Key layout: push:token:{token} holds the JSON token, push:user:{id}:tokens
// is the set of a user's token values.
type PushTokenRepository struct {
	client *database.RedisClient
	ttl    time.Duration
	clock  clockwork.Clock
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *database.RedisClient, ttl time.Duration, clock clockwork.Clock) *PushTokenRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PushTokenRepository{
		client: client,
		ttl:    ttl,
		clock:  clock,
	}
}

func pushTokenKey(token string) string {
	return fmt.Sprintf("push:token:%s", token)
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

func (r *PushTokenRepository) available() error {
	if r.client.IsDegraded() {
		return apperrors.ServiceUnavailableError("Push token storage is unavailable")
	}
	return nil
}

// Store saves a new token and adds it to its owner's set
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if err := r.available(); err != nil {
		return err
	}
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := r.clock.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	setKey := userTokensKey(token.UserID)
	_, err = r.client.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, pushTokenKey(token.Token), data, r.ttl)
		pipe.SAdd(ctx, setKey, token.Token)
		pipe.Expire(ctx, setKey, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID.String()),
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))
	return nil
}

// GetByToken returns the token or nil when it is unknown
func (r *PushTokenRepository) GetByToken(ctx context.Context, value string) (*push.Token, error) {
	if err := r.available(); err != nil {
		return nil, err
	}
	data, err := r.client.Client.Get(ctx, pushTokenKey(value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// GetByUserID returns every stored token of a user. Set members whose token
// key expired are pruned.
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	if err := r.available(); err != nil {
		return nil, err
	}
	values, err := r.client.Client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, value := range values {
		token, err := r.GetByToken(ctx, value)
		if err != nil {
			logger.Warn("Failed to load push token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		if token == nil || token.UserID != userID {
			r.client.Client.SRem(ctx, userTokensKey(userID), value)
			continue
		}
		result = append(result, token)
	}
	return result, nil
}

// Update rewrites an existing token and refreshes its expiry
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	if err := r.available(); err != nil {
		return err
	}
	token.UpdatedAt = r.clock.Now().Unix()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	setKey := userTokensKey(token.UserID)
	_, err = r.client.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, pushTokenKey(token.Token), data, r.ttl)
		pipe.SAdd(ctx, setKey, token.Token)
		pipe.Expire(ctx, setKey, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

// Delete removes the token if it belongs to userID
func (r *PushTokenRepository) Delete(ctx context.Context, userID uuid.UUID, value string) error {
	token, err := r.GetByToken(ctx, value)
	if err != nil {
		return err
	}
	if token != nil && token.UserID != userID {
		return apperrors.NotFoundError("Push token")
	}

	_, err = r.client.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, userTokensKey(userID), value)
		if token != nil {
			pipe.Del(ctx, pushTokenKey(value))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	logger.Debug("Push token deleted", zap.String("user_id", userID.String()))
	return nil
}

// MarkInactive flags a token the provider rejected. Unknown tokens are ignored.
func (r *PushTokenRepository) MarkInactive(ctx context.Context, value string) error {
	token, err := r.GetByToken(ctx, value)
	if err != nil || token == nil {
		return err
	}
	token.Active = false
	return r.Update(ctx, token)
}
