// Package push wakes a user's devices for call events through FCM or APNs.
package push

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicecall-backend/pkg/logger"
)

// Provider delivers one notification to a batch of device tokens
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// CallAlert describes the call a notification is about
type CallAlert struct {
	CallID     uuid.UUID
	CallerID   uuid.UUID
	CallerName string
	ReceiverID uuid.UUID
	CreatedAt  int64
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token is one registered device of a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository stores device tokens per user
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByToken(ctx context.Context, token string) (*Token, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	Update(ctx context.Context, token *Token) error
	Delete(ctx context.Context, userID uuid.UUID, token string) error
	MarkInactive(ctx context.Context, token string) error
}

// Service registers device tokens and sends call notifications
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken stores a device token, reactivating it when already known.
// A token that moved to another account is reassigned to the new owner.
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err != nil {
		return err
	}
	if existing != nil && existing.UserID == token.UserID {
		existing.Active = true
		existing.Type = token.Type
		existing.DeviceID = token.DeviceID
		existing.Platform = token.Platform
		token.ID = existing.ID
		return s.repo.Update(ctx, existing)
	}
	if existing != nil {
		if err := s.repo.Delete(ctx, existing.UserID, existing.Token); err != nil {
			return err
		}
	}

	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes one of the user's device tokens
func (s *Service) UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error {
	return s.repo.Delete(ctx, userID, token)
}

// SendIncomingCall wakes the receiver's devices for a ringing call
func (s *Service) SendIncomingCall(ctx context.Context, alert *CallAlert) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", alert.CallerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":        "call",
			"call_id":     alert.CallID.String(),
			"caller_id":   alert.CallerID.String(),
			"caller_name": alert.CallerName,
			"timestamp":   strconv.FormatInt(alert.CreatedAt, 10),
		},
	}

	return s.sendToUser(ctx, alert, notification)
}

// SendMissedCall tells the receiver about a call that rang out
func (s *Service) SendMissedCall(ctx context.Context, alert *CallAlert) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", alert.CallerName),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":        "missed_call",
			"call_id":     alert.CallID.String(),
			"caller_id":   alert.CallerID.String(),
			"caller_name": alert.CallerName,
		},
	}

	return s.sendToUser(ctx, alert, notification)
}

func (s *Service) sendToUser(ctx context.Context, alert *CallAlert, notification *Notification) error {
	tokens, err := s.repo.GetByUserID(ctx, alert.ReceiverID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}
	if len(active) == 0 {
		logger.Debug("No active push tokens for receiver",
			zap.String("receiver_id", alert.ReceiverID.String()))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		logger.Error("Failed to send call notification",
			zap.String("call_id", alert.CallID.String()),
			zap.String("title", notification.Title),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		return fmt.Errorf("failed to send call notification: %w", err)
	}

	logger.Info("Call notification sent",
		zap.String("call_id", alert.CallID.String()),
		zap.String("title", notification.Title),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	s.handleInvalidTokens(ctx, result.InvalidTokens)
	return nil
}

// handleInvalidTokens marks tokens the provider rejected as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, token := range invalidTokens {
		if err := s.repo.MarkInactive(ctx, token); err != nil {
			logger.Warn("Failed to mark push token as inactive",
				zap.String("token_prefix", maskPushToken(token)),
				zap.Error(err))
		}
	}
}

// maskPushToken keeps the first and last 8 characters for logging
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}

// MockProvider records notifications instead of delivering them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification

	// Invalid lists tokens the mock reports back as unregistered
	Invalid map[string]bool
}

// Send implements Provider
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	result := &SendResult{}
	for _, token := range tokens {
		if m.Invalid[token] {
			result.FailureCount++
			result.InvalidTokens = append(result.InvalidTokens, token)
			continue
		}
		result.SuccessCount++
	}
	return result, nil
}

// Sent returns the notifications sent so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
