package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-testing-purposes"

func TestNewJWTManager(t *testing.T) {
	manager := NewJWTManager(testSecret, "voicecall-api", 15*time.Minute)

	assert.NotNil(t, manager)
	assert.Equal(t, testSecret, manager.secretKey)
	assert.Equal(t, "voicecall-api", manager.audience)
	assert.Equal(t, 15*time.Minute, manager.accessTokenDuration)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager(testSecret, "voicecall-api", 15*time.Minute)
	userID := uuid.New()

	token, err := manager.GenerateAccessToken(userID, "alice")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, userID.String(), claims.Subject)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	other := NewJWTManager(testSecret, "other-api", 15*time.Minute)
	token, err := other.GenerateAccessToken(uuid.New(), "alice")
	require.NoError(t, err)

	manager := NewJWTManager(testSecret, "voicecall-api", 15*time.Minute)
	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTManager("another-secret", "voicecall-api", 15*time.Minute).GenerateAccessToken(uuid.New(), "alice")
	require.NoError(t, err)

	_, err = NewJWTManager(testSecret, "voicecall-api", 15*time.Minute).ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewJWTManager(testSecret, "voicecall-api", -time.Minute)
	token, err := manager.GenerateAccessToken(uuid.New(), "alice")
	require.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Malformed(t *testing.T) {
	manager := NewJWTManager(testSecret, "voicecall-api", 15*time.Minute)

	_, err := manager.ValidateToken("not.a.token")
	assert.Error(t, err)
}
