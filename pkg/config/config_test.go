package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Signaling.RingTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Signaling.WriteRetryBackoff)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Signaling.ICEServers)
	assert.Equal(t, 26257, cfg.Database.Port)
	assert.Equal(t, "mock", cfg.Push.Provider)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RING_TIMEOUT", "30s")
	t.Setenv("ICE_SERVERS", "stun:a.example:3478, turn:b.example:3478")
	t.Setenv("PUSH_PROVIDER", "apns")
	t.Setenv("APNS_PRODUCTION", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Signaling.RingTimeout)
	assert.Equal(t, []string{"stun:a.example:3478", "turn:b.example:3478"}, cfg.Signaling.ICEServers)
	assert.Equal(t, "apns", cfg.Push.Provider)
	assert.True(t, cfg.Push.APNsProduction)
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestValidate_RoomMustOutliveRinging(t *testing.T) {
	cfg := &Config{
		Signaling: SignalingConfig{
			RingTimeout:            45 * time.Second,
			RoomTTL:                10 * time.Second,
			MaxRealtimeConnections: 1,
		},
	}

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ROOM_TTL")
}
