package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicecall-backend/internal/domain"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/media"
)

// LocalCallSession is this tab's hold on one call: the media session and the
// row-change subscription scoped to the call. It references the record by id
// only.
type LocalCallSession struct {
	CallID uuid.UUID
	Role   domain.Role

	media media.Session
	sub   domain.Subscription

	lastSeen      time.Time
	lastStatus    domain.CallStatus
	answerApplied bool
	connected     bool

	releaseOnce sync.Once
}

func newLocalCallSession(callID uuid.UUID, role domain.Role) *LocalCallSession {
	return &LocalCallSession{CallID: callID, Role: role}
}

// observe records rec as the newest state seen. It returns false for rows that
// are older than, or identical to, what was already seen.
func (s *LocalCallSession) observe(rec *domain.CallRecord) (fresh bool, stale bool) {
	if !s.lastSeen.IsZero() {
		if rec.UpdatedAt.Before(s.lastSeen) {
			return false, true
		}
		if rec.UpdatedAt.Equal(s.lastSeen) {
			return false, false
		}
	}
	s.lastSeen = rec.UpdatedAt
	s.lastStatus = rec.Status
	return true, false
}

// release closes the media session and the subscription. Only the first call
// does anything; it reports whether this call was the one that released.
func (s *LocalCallSession) release() bool {
	released := false
	s.releaseOnce.Do(func() {
		released = true
		if s.sub != nil {
			if err := s.sub.Close(); err != nil {
				logger.Debug("Failed to close call subscription",
					zap.String("call_id", s.CallID.String()), zap.Error(err))
			}
		}
		if s.media != nil {
			if err := s.media.Close(); err != nil {
				logger.Debug("Failed to close media session",
					zap.String("call_id", s.CallID.String()), zap.Error(err))
			}
		}
	})
	return released
}

// SessionInfo is a read-only snapshot of the active local session
type SessionInfo struct {
	CallID    uuid.UUID         `json:"call_id"`
	Role      domain.Role       `json:"role"`
	Status    domain.CallStatus `json:"status"`
	Connected bool              `json:"connected"`
}
