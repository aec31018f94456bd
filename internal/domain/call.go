package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of a call record
type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusActive    CallStatus = "active"
	CallStatusEnded     CallStatus = "ended"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusCancelled CallStatus = "cancelled"
	CallStatusMissed    CallStatus = "missed"
)

// IsTerminal reports whether no further transition can leave s
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusEnded, CallStatusRejected, CallStatusCancelled, CallStatusMissed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusRinging, CallStatusActive, CallStatusEnded, CallStatusRejected, CallStatusCancelled, CallStatusMissed:
		return true
	default:
		return false
	}
}

// EndReason records why a call reached its terminal status
type EndReason string

const (
	EndReasonNone                 EndReason = ""
	EndReasonHangup               EndReason = "hangup"
	EndReasonTransportInterrupted EndReason = "transport_interrupted"
	EndReasonDeclined             EndReason = "declined"
	EndReasonCancelled            EndReason = "cancelled"
	EndReasonTimeout              EndReason = "timeout"
	EndReasonMediaFailure         EndReason = "media_failure"
)

// Valid reports whether r is a known reason. EndReasonNone is not one.
func (r EndReason) Valid() bool {
	switch r {
	case EndReasonHangup, EndReasonTransportInterrupted, EndReasonDeclined,
		EndReasonCancelled, EndReasonTimeout, EndReasonMediaFailure:
		return true
	default:
		return false
	}
}

// CallRecord is the single persisted source of truth for one call attempt.
// Maps to the CockroachDB calls table.
type CallRecord struct {
	ID              uuid.UUID  `json:"id" db:"call_id"`
	RoomID          string     `json:"room_id" db:"room_id"`
	CallerID        uuid.UUID  `json:"caller_id" db:"caller_id"`
	ReceiverID      uuid.UUID  `json:"receiver_id" db:"receiver_id"`
	Status          CallStatus `json:"status" db:"status"`
	Offer           string     `json:"offer,omitempty" db:"offer_sdp"`
	Answer          string     `json:"answer,omitempty" db:"answer_sdp"`
	AnsweredBy      string     `json:"answered_by,omitempty" db:"answered_by"` // tab session that accepted
	EndReason       EndReason  `json:"end_reason,omitempty" db:"end_reason"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds int        `json:"duration_seconds" db:"duration_seconds"`
}

// Clone returns a deep copy so callers never share timestamp pointers
func (c *CallRecord) Clone() *CallRecord {
	if c == nil {
		return nil
	}
	out := *c
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		out.AnsweredAt = &t
	}
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// IsParticipant reports whether userID is the caller or the receiver
func (c *CallRecord) IsParticipant(userID uuid.UUID) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}

// Room is a two-participant media room handed out by the room broker
type Room struct {
	ID        string    `json:"room_id"`
	JoinURL   string    `json:"join_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RowEventType distinguishes inserts from updates on the calls table
type RowEventType string

const (
	RowEventInsert RowEventType = "INSERT"
	RowEventUpdate RowEventType = "UPDATE"
)

// RowChange is one notification from the row-change event source
type RowChange struct {
	Type   RowEventType `json:"event_type"`
	Record *CallRecord  `json:"new"`
}

// RowFilter scopes a subscription to one call or to one receiver
type RowFilter struct {
	CallID     uuid.UUID `json:"call_id,omitempty"`
	ReceiverID uuid.UUID `json:"receiver_id,omitempty"`
}

// Matches reports whether a written record falls inside the filter
func (f RowFilter) Matches(rec *CallRecord) bool {
	if rec == nil {
		return false
	}
	if f.CallID != uuid.Nil && rec.ID != f.CallID {
		return false
	}
	if f.ReceiverID != uuid.Nil && rec.ReceiverID != f.ReceiverID {
		return false
	}
	return f.CallID != uuid.Nil || f.ReceiverID != uuid.Nil
}

// IncomingCallHint is the session-scoped summary of the last incoming call,
// kept so the call view can render its first frame without a fetch.
type IncomingCallHint struct {
	CallID     uuid.UUID `json:"id"`
	RoomID     string    `json:"room_id"`
	CallerID   uuid.UUID `json:"caller_id"`
	CallerName string    `json:"caller_name"`
}

// Role is the side a local session plays in a call
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)
