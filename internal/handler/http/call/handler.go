package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"voicecall-backend/internal/domain"
	"voicecall-backend/internal/service/callstore"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/response"
)

// Store is the call record write path the handler exposes
type Store interface {
	CreateCall(ctx context.Context, callerID, receiverID uuid.UUID) (*domain.CallRecord, error)
	AttachOffer(ctx context.Context, callID uuid.UUID, offer string) (*domain.CallRecord, error)
	Transition(ctx context.Context, callID uuid.UUID, target domain.CallStatus, fields callstore.TransitionFields) (*domain.CallRecord, error)
	Get(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	FindRinging(ctx context.Context, receiverID uuid.UUID) ([]*domain.CallRecord, error)
	JoinURL(ctx context.Context, call *domain.CallRecord) (string, error)
}

// Handler handles call record HTTP requests
type Handler struct {
	store Store
}

// NewHandler creates a new call handler
func NewHandler(store Store) *Handler {
	return &Handler{
		store: store,
	}
}

// RegisterRoutes mounts the call routes on an authenticated group
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("", h.CreateCall)
	group.GET("/ringing", h.ListRinging)
	group.GET("/:id", h.GetCall)
	group.POST("/:id/offer", h.AttachOffer)
	group.POST("/:id/transition", h.Transition)
	group.GET("/:id/room", h.GetRoom)
}

// CreateCallRequest represents call creation request
type CreateCallRequest struct {
	ReceiverID string `json:"receiver_id" binding:"required,uuid"`
}

// AttachOfferRequest carries the caller's negotiation offer
type AttachOfferRequest struct {
	Offer string `json:"offer" binding:"required"`
}

// TransitionRequest represents a status change request
type TransitionRequest struct {
	Status     string `json:"status" binding:"required,oneof=active rejected cancelled missed ended"`
	Answer     string `json:"answer"`
	AnsweredBy string `json:"answered_by"`
	Reason     string `json:"reason" binding:"omitempty,oneof=hangup transport_interrupted declined cancelled timeout media_failure"`
}

// CreateCall places a new call from the authenticated user
// POST /v1/calls
func (h *Handler) CreateCall(c *gin.Context) {
	var req CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := currentUser(c)
	if !ok {
		return
	}

	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		response.ValidationError(c, "Invalid receiver ID")
		return
	}

	call, err := h.store.CreateCall(c.Request.Context(), callerID, receiverID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// GetCall returns a call record to one of its participants
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	call, ok := h.loadParticipantCall(c)
	if !ok {
		return
	}

	response.Success(c, http.StatusOK, call)
}

// AttachOffer stores the caller's offer on a ringing call
// POST /v1/calls/:id/offer
func (h *Handler) AttachOffer(c *gin.Context) {
	var req AttachOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, ok := h.loadParticipantCall(c)
	if !ok {
		return
	}
	userID, _ := currentUser(c)
	if call.CallerID != userID {
		response.FromError(c, apperrors.ForbiddenError("Only the caller can attach an offer"))
		return
	}

	updated, err := h.store.AttachOffer(c.Request.Context(), call.ID, req.Offer)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// Transition moves a call to a new status on behalf of a participant
// POST /v1/calls/:id/transition
func (h *Handler) Transition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, ok := h.loadParticipantCall(c)
	if !ok {
		return
	}
	userID, _ := currentUser(c)

	reason := domain.EndReason(req.Reason)
	if reason != domain.EndReasonNone && !reason.Valid() {
		response.ValidationError(c, "Unknown end reason")
		return
	}

	target := domain.CallStatus(req.Status)
	if err := callstore.CheckActor(call, userID, target); err != nil {
		response.FromError(c, err)
		return
	}

	updated, err := h.store.Transition(c.Request.Context(), call.ID, target, callstore.TransitionFields{
		Answer:     req.Answer,
		AnsweredBy: req.AnsweredBy,
		Reason:     reason,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, updated)
}

// ListRinging returns ringing calls addressed to the authenticated user
// GET /v1/calls/ringing
func (h *Handler) ListRinging(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	calls, err := h.store.FindRinging(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if calls == nil {
		calls = []*domain.CallRecord{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls": calls,
	})
}

// GetRoom resolves the call's room into a join URL
// GET /v1/calls/:id/room
func (h *Handler) GetRoom(c *gin.Context) {
	call, ok := h.loadParticipantCall(c)
	if !ok {
		return
	}

	joinURL, err := h.store.JoinURL(c.Request.Context(), call)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"room_id":  call.RoomID,
		"join_url": joinURL,
	})
}

func (h *Handler) loadParticipantCall(c *gin.Context) (*domain.CallRecord, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return nil, false
	}

	userID, ok := currentUser(c)
	if !ok {
		return nil, false
	}

	call, err := h.store.Get(c.Request.Context(), callID)
	if err != nil {
		response.FromError(c, err)
		return nil, false
	}
	if !call.IsParticipant(userID) {
		// non-participants get the same answer as for a missing call
		response.FromError(c, apperrors.CallNotFoundError())
		return nil, false
	}

	return call, true
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
