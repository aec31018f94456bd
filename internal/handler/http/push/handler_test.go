package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-backend/internal/repository/memory"
	"voicecall-backend/pkg/push"
)

type fixture struct {
	router *gin.Engine
	repo   *memory.PushTokenRepository
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)
	repo := memory.NewPushTokenRepository()

	router := gin.New()
	group := router.Group("/v1/calls", func(c *gin.Context) {
		if id, err := uuid.Parse(c.GetHeader("X-Test-User")); err == nil {
			c.Set("user_id", id)
		}
		c.Next()
	})
	NewHandler(push.NewService(&push.MockProvider{}, repo)).RegisterRoutes(group)

	return &fixture{router: router, repo: repo}
}

func (f *fixture) do(t *testing.T, method string, user uuid.UUID, body any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(method, "/v1/calls/push-tokens", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if user != uuid.Nil {
		req.Header.Set("X-Test-User", user.String())
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec.Code
}

func TestRegisterAndUnregisterToken(t *testing.T) {
	f := newFixture()
	user := uuid.New()
	ctx := context.Background()

	code := f.do(t, http.MethodPost, user, gin.H{"token": "device-1", "type": "apns", "platform": "ios"})
	require.Equal(t, http.StatusOK, code)

	tokens, err := f.repo.GetByUserID(ctx, user)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, push.TokenTypeAPNs, tokens[0].Type)
	assert.True(t, tokens[0].Active)

	code = f.do(t, http.MethodDelete, user, gin.H{"token": "device-1"})
	require.Equal(t, http.StatusOK, code)

	tokens, err = f.repo.GetByUserID(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestRegisterToken_Validation(t *testing.T) {
	f := newFixture()
	user := uuid.New()

	tests := []struct {
		name string
		body gin.H
	}{
		{"missing token", gin.H{"type": "fcm"}},
		{"unknown type", gin.H{"token": "t", "type": "web"}},
		{"unknown platform", gin.H{"token": "t", "type": "fcm", "platform": "symbian"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, user, tt.body))
		})
	}
}

func TestUnregisterToken_OtherUsersTokenIsNotFound(t *testing.T) {
	f := newFixture()
	owner, other := uuid.New(), uuid.New()

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, owner, gin.H{"token": "device-1", "type": "fcm"}))
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, other, gin.H{"token": "device-1"}))

	token, err := f.repo.GetByToken(context.Background(), "device-1")
	require.NoError(t, err)
	assert.NotNil(t, token)
}

func TestRegisterToken_RequiresUser(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, uuid.Nil, gin.H{"token": "t", "type": "fcm"}))
}
