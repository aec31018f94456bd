package push

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/push"
	"voicecall-backend/pkg/response"
)

// TokenService registers and removes device tokens
type TokenService interface {
	RegisterToken(ctx context.Context, token *push.Token) error
	UnregisterToken(ctx context.Context, userID uuid.UUID, token string) error
}

// Handler handles push token HTTP requests
type Handler struct {
	service TokenService
}

// NewHandler creates a new push token handler
func NewHandler(service TokenService) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes mounts the push token routes on an authenticated group
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/push-tokens", h.RegisterToken)
	group.DELETE("/push-tokens", h.UnregisterToken)
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required,max=4096"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns"`
	DeviceID string         `json:"device_id" binding:"max=256"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android"`
}

// UnregisterTokenRequest represents request to unregister a push token
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// RegisterToken registers a device for incoming-call pushes
// POST /v1/calls/push-tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token := &push.Token{
		UserID:   userID,
		Token:    req.Token,
		Type:     req.Type,
		DeviceID: req.DeviceID,
		Platform: req.Platform,
	}
	if err := h.service.RegisterToken(c.Request.Context(), token); err != nil {
		response.FromError(c, err)
		return
	}

	logger.Info("Push token registered",
		zap.String("user_id", userID.String()),
		zap.String("token_type", string(req.Type)),
		zap.String("platform", req.Platform))

	response.Success(c, http.StatusOK, gin.H{
		"token_id": token.ID,
	})
}

// UnregisterToken removes a device token
// DELETE /v1/calls/push-tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.service.UnregisterToken(c.Request.Context(), userID, req.Token); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Token unregistered",
	})
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
