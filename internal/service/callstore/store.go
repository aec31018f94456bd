// Package callstore is the only write path to call records. It allocates the
// room, checks every status change against the lifecycle graph, applies it
// with compare-and-set on updated_at, and publishes the written row.
package callstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"voicecall-backend/internal/domain"
	"voicecall-backend/pkg/constants"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/metrics"
)

// Repository persists call records
type Repository interface {
	Insert(ctx context.Context, call *domain.CallRecord) error
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	// Update writes call only if the stored row still has expectedUpdatedAt.
	Update(ctx context.Context, call *domain.CallRecord, expectedUpdatedAt time.Time) (bool, error)
	FindRinging(ctx context.Context, receiverID uuid.UUID, limit int) ([]*domain.CallRecord, error)
}

// Publisher fans a written row out to row-change subscribers
type Publisher interface {
	Publish(ctx context.Context, change domain.RowChange) error
}

// RoomBroker allocates and resolves media rooms
type RoomBroker interface {
	CreateRoom(ctx context.Context) (*domain.Room, error)
	ResolveRoom(ctx context.Context, roomID string) (*domain.Room, error)
}

// TransitionFields carries the payload that travels with a status change
type TransitionFields struct {
	Answer     string
	AnsweredBy string
	Reason     domain.EndReason
	// AnsweredAt is what the requester believes; it is only legal on ringing -> active.
	AnsweredAt *time.Time
}

// Store handles call record business logic
type Store struct {
	repo      Repository
	publisher Publisher
	rooms     RoomBroker
	clock     clockwork.Clock
	metrics   *metrics.Metrics
}

// NewStore creates a new call record store
func NewStore(repo Repository, publisher Publisher, rooms RoomBroker, clock clockwork.Clock, m *metrics.Metrics) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		repo:      repo,
		publisher: publisher,
		rooms:     rooms,
		clock:     clock,
		metrics:   m,
	}
}

// CreateCall allocates a room and inserts a ringing record. Nothing is written
// when the room broker fails.
func (s *Store) CreateCall(ctx context.Context, callerID, receiverID uuid.UUID) (*domain.CallRecord, error) {
	if callerID == uuid.Nil || receiverID == uuid.Nil {
		return nil, apperrors.ValidationError("caller and receiver are required")
	}
	if callerID == receiverID {
		return nil, apperrors.ValidationError("cannot call yourself")
	}

	room, err := s.rooms.CreateRoom(ctx)
	if err != nil {
		s.metrics.RecordRoomUnavailable()
		if apperrors.Is(err, apperrors.ErrCodeRoomUnavailable) {
			return nil, err
		}
		return nil, apperrors.RoomUnavailableError(err)
	}

	now := s.now()
	call := &domain.CallRecord{
		ID:         uuid.New(),
		RoomID:     room.ID,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     domain.CallStatusRinging,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.Insert(ctx, call); err != nil {
		return nil, err
	}
	s.metrics.RecordCallCreated()

	logger.ForCall(call.ID, callerID).Info("Call record created",
		zap.String("receiver_id", receiverID.String()),
		zap.String("room_id", room.ID))

	s.publish(ctx, domain.RowEventInsert, call)
	return call.Clone(), nil
}

// AttachOffer stores the caller's negotiation offer. Once the call has left
// ringing the offer is irrelevant and the current record is returned as is.
func (s *Store) AttachOffer(ctx context.Context, callID uuid.UUID, offer string) (*domain.CallRecord, error) {
	if offer == "" {
		return nil, apperrors.ValidationError("offer is required")
	}

	for attempt := 0; attempt < constants.MaxCASAttempts; attempt++ {
		current, err := s.repo.GetByID(ctx, callID)
		if err != nil {
			return nil, err
		}
		if current.Status != domain.CallStatusRinging || current.Offer == offer {
			return current, nil
		}

		next := current.Clone()
		next.Offer = offer
		next.UpdatedAt = s.stamp(current)

		ok, err := s.repo.Update(ctx, next, current.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.staleWrite(current, "attach_offer")
			continue
		}

		s.publish(ctx, domain.RowEventUpdate, next)
		return next.Clone(), nil
	}

	return nil, apperrors.StaleWriteError(fmt.Sprintf("offer for call %s kept losing to newer writes", callID))
}

// Transition moves a call to target. Requests the record already satisfies or
// has moved past return the current record; requests that skip a required
// step fail with InvalidTransition.
func (s *Store) Transition(ctx context.Context, callID uuid.UUID, target domain.CallStatus, fields TransitionFields) (*domain.CallRecord, error) {
	for attempt := 0; attempt < constants.MaxCASAttempts; attempt++ {
		current, err := s.repo.GetByID(ctx, callID)
		if err != nil {
			return nil, err
		}
		log := logger.ForCall(callID, current.CallerID).With(
			zap.String("from", string(current.Status)),
			zap.String("to", string(target)))

		if claimsUnearnedAnswer(current, target, fields) {
			s.metrics.RecordTransition(string(target), domain.VerdictInvalid.String())
			log.Warn("Transition claims an answer the record never had")
			return nil, apperrors.InvalidTransitionError(string(current.Status), string(target))
		}

		verdict := domain.CheckTransition(current.Status, target)
		switch verdict {
		case domain.VerdictInvalid:
			s.metrics.RecordTransition(string(target), verdict.String())
			log.Warn("Invalid call transition requested")
			return nil, apperrors.InvalidTransitionError(string(current.Status), string(target))
		case domain.VerdictNoop:
			s.metrics.RecordTransition(string(target), verdict.String())
			log.Debug("Call transition already satisfied")
			return current, nil
		}

		next := s.apply(current, target, fields)
		ok, err := s.repo.Update(ctx, next, current.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.staleWrite(current, string(target))
			continue
		}

		s.metrics.RecordTransition(string(target), verdict.String())
		if next.Status.IsTerminal() && next.AnsweredAt != nil {
			s.metrics.RecordCallDuration(next.DurationSeconds)
		}
		log.Info("Call transition applied", zap.String("reason", string(next.EndReason)))

		s.publish(ctx, domain.RowEventUpdate, next)
		return next.Clone(), nil
	}

	return nil, apperrors.StaleWriteError(fmt.Sprintf("transition of call %s to %s kept losing to newer writes", callID, target))
}

// Get returns the current record
func (s *Store) Get(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	return s.repo.GetByID(ctx, callID)
}

// FindRinging returns ringing calls addressed to receiverID
func (s *Store) FindRinging(ctx context.Context, receiverID uuid.UUID) ([]*domain.CallRecord, error) {
	return s.repo.FindRinging(ctx, receiverID, constants.DefaultRingingLimit)
}

// JoinURL resolves the record's room into a joinable URL
func (s *Store) JoinURL(ctx context.Context, call *domain.CallRecord) (string, error) {
	room, err := s.rooms.ResolveRoom(ctx, call.RoomID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrCodeRoomUnavailable) {
			return "", err
		}
		return "", apperrors.RoomUnavailableError(err)
	}
	return room.JoinURL, nil
}

// Now returns the store's notion of the current time
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

func (s *Store) apply(current *domain.CallRecord, target domain.CallStatus, fields TransitionFields) *domain.CallRecord {
	now := s.now()
	next := current.Clone()
	next.Status = target
	next.UpdatedAt = s.stamp(current)

	if target == domain.CallStatusActive {
		next.AnsweredAt = &now
		next.Answer = fields.Answer
		next.AnsweredBy = fields.AnsweredBy
	}

	if target.IsTerminal() {
		next.EndedAt = &now
		next.EndReason = fields.Reason
		if next.EndReason == domain.EndReasonNone {
			next.EndReason = defaultReason(target)
		}
		if next.AnsweredAt != nil {
			next.DurationSeconds = int(now.Sub(*next.AnsweredAt).Round(time.Second) / time.Second)
		}
	}

	return next
}

func (s *Store) staleWrite(current *domain.CallRecord, operation string) {
	s.metrics.RecordStaleWrite()
	logger.Debug("Call record write lost to a newer update",
		zap.String("call_id", current.ID.String()),
		zap.String("operation", operation),
		zap.Time("seen_updated_at", current.UpdatedAt))
}

func (s *Store) publish(ctx context.Context, eventType domain.RowEventType, call *domain.CallRecord) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, domain.RowChange{Type: eventType, Record: call.Clone()})
	if err != nil {
		// The row is committed; receivers recover through reconciliation.
		logger.Warn("Failed to publish call row change",
			zap.String("call_id", call.ID.String()),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// stamp returns an updated_at strictly after the previous one
func (s *Store) stamp(prev *domain.CallRecord) time.Time {
	now := s.now()
	floor := prev.UpdatedAt.Add(time.Microsecond)
	if now.Before(floor) {
		return floor
	}
	return now
}

func claimsUnearnedAnswer(current *domain.CallRecord, target domain.CallStatus, fields TransitionFields) bool {
	if fields.AnsweredAt == nil || current.AnsweredAt != nil {
		return false
	}
	return !(current.Status == domain.CallStatusRinging && target == domain.CallStatusActive)
}

func defaultReason(target domain.CallStatus) domain.EndReason {
	switch target {
	case domain.CallStatusRejected:
		return domain.EndReasonDeclined
	case domain.CallStatusCancelled:
		return domain.EndReasonCancelled
	case domain.CallStatusMissed:
		return domain.EndReasonTimeout
	default:
		return domain.EndReasonHangup
	}
}
