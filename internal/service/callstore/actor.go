package callstore

import (
	"github.com/google/uuid"

	"voicecall-backend/internal/domain"
	apperrors "voicecall-backend/pkg/errors"
)

// CheckActor verifies that actorID may request target on call. Accepting,
// declining and timing out belong to the receiver, cancelling to the caller,
// hanging up to either.
func CheckActor(call *domain.CallRecord, actorID uuid.UUID, target domain.CallStatus) error {
	if !call.IsParticipant(actorID) {
		return apperrors.ForbiddenError("Not a participant of this call")
	}

	switch target {
	case domain.CallStatusActive, domain.CallStatusRejected, domain.CallStatusMissed:
		if actorID != call.ReceiverID {
			return apperrors.ForbiddenError("Only the receiver can " + verb(target) + " this call")
		}
	case domain.CallStatusCancelled:
		if actorID != call.CallerID {
			return apperrors.ForbiddenError("Only the caller can cancel this call")
		}
	case domain.CallStatusEnded:
	default:
		return apperrors.ValidationError("unsupported target status")
	}

	return nil
}

func verb(target domain.CallStatus) string {
	switch target {
	case domain.CallStatusActive:
		return "accept"
	case domain.CallStatusRejected:
		return "decline"
	default:
		return "time out"
	}
}
