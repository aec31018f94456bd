package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/push"
)

// PushTokenRepository keeps device tokens in memory
type PushTokenRepository struct {
	mu     sync.Mutex
	tokens map[string]push.Token
}

// NewPushTokenRepository creates an empty repository
func NewPushTokenRepository() *PushTokenRepository {
	return &PushTokenRepository{tokens: make(map[string]push.Token)}
}

// Store saves a new token
func (r *PushTokenRepository) Store(_ context.Context, token *push.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	r.tokens[token.Token] = *token
	return nil
}

// GetByToken returns the token or nil when it is unknown
func (r *PushTokenRepository) GetByToken(_ context.Context, value string) (*push.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[value]
	if !ok {
		return nil, nil
	}
	return &token, nil
}

// GetByUserID returns every token of a user
func (r *PushTokenRepository) GetByUserID(_ context.Context, userID uuid.UUID) ([]*push.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*push.Token
	for _, token := range r.tokens {
		if token.UserID == userID {
			t := token
			result = append(result, &t)
		}
	}
	return result, nil
}

// Update rewrites an existing token
func (r *PushTokenRepository) Update(_ context.Context, token *push.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token.Token] = *token
	return nil
}

// Delete removes the token if it belongs to userID
func (r *PushTokenRepository) Delete(_ context.Context, userID uuid.UUID, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[value]
	if !ok {
		return nil
	}
	if token.UserID != userID {
		return apperrors.NotFoundError("Push token")
	}
	delete(r.tokens, value)
	return nil
}

// MarkInactive flags a token the provider rejected
func (r *PushTokenRepository) MarkInactive(_ context.Context, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token, ok := r.tokens[value]; ok {
		token.Active = false
		r.tokens[value] = token
	}
	return nil
}
