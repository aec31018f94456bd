// Package media defines the capability set the call signaling core needs from
// a real-time media stack. The core never inspects transport internals; it
// negotiates through a Session and reacts to its connection state.
package media

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	apperrors "voicecall-backend/pkg/errors"
)

// ConnectionState is the transport state reported by a Session
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Ends reports whether the state terminates the call
func (s ConnectionState) Ends() bool {
	return s == StateFailed || s == StateClosed
}

// Candidate is one ICE candidate exchanged between peers
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Adapter creates media sessions
type Adapter interface {
	CreateSession(ctx context.Context) (Session, error)
}

// Session is one peer connection carrying the call audio
type Session interface {
	CreateOffer(ctx context.Context) (string, error)
	ApplyRemoteOffer(ctx context.Context, offer string) error
	CreateAnswer(ctx context.Context) (string, error)
	ApplyRemoteAnswer(ctx context.Context, answer string) error
	AddRemoteCandidate(candidate Candidate) error
	OnLocalCandidate(fn func(Candidate))
	OnConnectionStateChange(fn func(ConnectionState))
	Close() error
}

// Cause tells permission, device and negotiation failures apart
type Cause string

const (
	CausePermission  Cause = "permission"
	CauseDevice      Cause = "device"
	CauseNegotiation Cause = "negotiation"
)

var (
	// ErrPermissionDenied is returned when the user refused microphone access
	ErrPermissionDenied = stderrors.New("microphone permission denied")
	// ErrDeviceUnavailable is returned when no usable capture device exists
	ErrDeviceUnavailable = stderrors.New("audio device unavailable")
)

// SetupError is a failure to create or negotiate a session
type SetupError struct {
	Cause Cause
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("media setup failed (%s): %v", e.Cause, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// NewSetupError wraps err with its cause
func NewSetupError(cause Cause, err error) *SetupError {
	return &SetupError{Cause: cause, Err: err}
}

// Classify finds the cause of a setup failure
func Classify(err error) Cause {
	var setupErr *SetupError
	switch {
	case stderrors.As(err, &setupErr):
		return setupErr.Cause
	case stderrors.Is(err, ErrPermissionDenied):
		return CausePermission
	case stderrors.Is(err, ErrDeviceUnavailable):
		return CauseDevice
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "notallowed"):
		return CausePermission
	case strings.Contains(msg, "device") || strings.Contains(msg, "notreadable") || strings.Contains(msg, "busy"):
		return CauseDevice
	default:
		return CauseNegotiation
	}
}

// Describe returns the reason shown to the user
func Describe(cause Cause) string {
	switch cause {
	case CausePermission:
		return "Microphone access denied"
	case CauseDevice:
		return "Microphone is unavailable or in use"
	default:
		return "Could not negotiate audio with the other party"
	}
}

// ToAppError converts a setup failure into a MEDIA_SETUP_FAILURE error
func ToAppError(err error) *apperrors.AppError {
	if apperrors.Is(err, apperrors.ErrCodeMediaSetupFailure) {
		return apperrors.GetAppError(err)
	}
	cause := Classify(err)
	return apperrors.MediaSetupError(string(cause), Describe(cause), err)
}
