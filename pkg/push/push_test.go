package push

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-backend/pkg/config"
)

type stubRepo struct {
	tokens map[string]Token
}

func newStubRepo() *stubRepo {
	return &stubRepo{tokens: make(map[string]Token)}
}

func (r *stubRepo) Store(_ context.Context, token *Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	r.tokens[token.Token] = *token
	return nil
}

func (r *stubRepo) GetByToken(_ context.Context, value string) (*Token, error) {
	token, ok := r.tokens[value]
	if !ok {
		return nil, nil
	}
	return &token, nil
}

func (r *stubRepo) GetByUserID(_ context.Context, userID uuid.UUID) ([]*Token, error) {
	var result []*Token
	for _, token := range r.tokens {
		if token.UserID == userID {
			t := token
			result = append(result, &t)
		}
	}
	return result, nil
}

func (r *stubRepo) Update(_ context.Context, token *Token) error {
	r.tokens[token.Token] = *token
	return nil
}

func (r *stubRepo) Delete(_ context.Context, userID uuid.UUID, value string) error {
	if token, ok := r.tokens[value]; ok && token.UserID == userID {
		delete(r.tokens, value)
	}
	return nil
}

func (r *stubRepo) MarkInactive(_ context.Context, value string) error {
	if token, ok := r.tokens[value]; ok {
		token.Active = false
		r.tokens[value] = token
	}
	return nil
}

func TestRegisterToken_ReusesExistingRegistration(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(&MockProvider{}, repo)
	ctx := context.Background()
	user := uuid.New()

	first := &Token{UserID: user, Token: "device-token-a", Type: TokenTypeFCM, Platform: "android"}
	require.NoError(t, svc.RegisterToken(ctx, first))
	require.NoError(t, repo.MarkInactive(ctx, "device-token-a"))

	again := &Token{UserID: user, Token: "device-token-a", Type: TokenTypeFCM, Platform: "android"}
	require.NoError(t, svc.RegisterToken(ctx, again))

	assert.Equal(t, first.ID, again.ID)
	stored, err := repo.GetByToken(ctx, "device-token-a")
	require.NoError(t, err)
	assert.True(t, stored.Active)
}

func TestRegisterToken_MovesTokenToNewOwner(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(&MockProvider{}, repo)
	ctx := context.Background()
	oldOwner, newOwner := uuid.New(), uuid.New()

	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: oldOwner, Token: "shared", Type: TokenTypeAPNs}))
	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: newOwner, Token: "shared", Type: TokenTypeAPNs}))

	stored, err := repo.GetByToken(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, newOwner, stored.UserID)

	old, err := repo.GetByUserID(ctx, oldOwner)
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestSendIncomingCall(t *testing.T) {
	repo := newStubRepo()
	provider := &MockProvider{}
	svc := NewService(provider, repo)
	ctx := context.Background()
	receiver := uuid.New()

	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: receiver, Token: "phone", Type: TokenTypeFCM}))
	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: uuid.New(), Token: "someone-else", Type: TokenTypeFCM}))

	alert := &CallAlert{
		CallID:     uuid.New(),
		CallerID:   uuid.New(),
		CallerName: "Alice",
		ReceiverID: receiver,
		CreatedAt:  1700000000,
	}
	require.NoError(t, svc.SendIncomingCall(ctx, alert))

	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Incoming Call", sent[0].Title)
	assert.Equal(t, "Alice is calling you", sent[0].Body)
	assert.Equal(t, "high", sent[0].Priority)
	assert.Equal(t, "call", sent[0].Data["type"])
	assert.Equal(t, alert.CallID.String(), sent[0].Data["call_id"])
	assert.Equal(t, "1700000000", sent[0].Data["timestamp"])
}

func TestSendMissedCall_SkipsUsersWithoutDevices(t *testing.T) {
	provider := &MockProvider{}
	svc := NewService(provider, newStubRepo())

	err := svc.SendMissedCall(context.Background(), &CallAlert{
		CallID:     uuid.New(),
		CallerID:   uuid.New(),
		CallerName: "Alice",
		ReceiverID: uuid.New(),
	})
	require.NoError(t, err)
	assert.Empty(t, provider.Sent())
}

func TestSend_DeactivatesRejectedTokens(t *testing.T) {
	repo := newStubRepo()
	provider := &MockProvider{Invalid: map[string]bool{"stale": true}}
	svc := NewService(provider, repo)
	ctx := context.Background()
	receiver := uuid.New()

	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: receiver, Token: "stale", Type: TokenTypeAPNs}))
	require.NoError(t, svc.RegisterToken(ctx, &Token{UserID: receiver, Token: "fresh", Type: TokenTypeAPNs}))

	alert := &CallAlert{CallID: uuid.New(), CallerID: uuid.New(), CallerName: "Bob", ReceiverID: receiver}
	require.NoError(t, svc.SendMissedCall(ctx, alert))

	stale, _ := repo.GetByToken(ctx, "stale")
	fresh, _ := repo.GetByToken(ctx, "fresh")
	assert.False(t, stale.Active)
	assert.True(t, fresh.Active)

	// inactive tokens are no longer addressed
	require.NoError(t, svc.SendMissedCall(ctx, alert))
	sent := provider.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "You missed a call from Bob", sent[1].Body)
}

func TestMaskPushToken(t *testing.T) {
	assert.Equal(t, "********", maskPushToken("short"))
	assert.Equal(t, "abcdefgh...stuvwxyz", maskPushToken("abcdefghijklmnopqrstuvwxyz"))
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()

	provider, err := NewProvider(ctx, &config.PushConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &MockProvider{}, provider)

	provider, err = NewProvider(ctx, &config.PushConfig{Provider: "carrier-pigeon"})
	require.NoError(t, err)
	assert.IsType(t, &MockProvider{}, provider)

	_, err = NewProvider(ctx, &config.PushConfig{Provider: "fcm"})
	assert.Error(t, err)

	_, err = NewProvider(ctx, &config.PushConfig{Provider: "apns", APNsBundleID: "com.example.voice"})
	assert.Error(t, err)
}
