package signaling

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicecall-backend/internal/domain"
)

// EffectKind names a side effect the state machine asks the UI or audio layer to perform
type EffectKind string

const (
	EffectShowCalling     EffectKind = "show_calling"
	EffectShowIncoming    EffectKind = "show_incoming"
	EffectDismissIncoming EffectKind = "dismiss_incoming"
	EffectStartRingtone   EffectKind = "start_ringtone"
	EffectStopRingtone    EffectKind = "stop_ringtone"
	EffectShowConnecting  EffectKind = "show_connecting"
	EffectShowConnected   EffectKind = "show_connected"
	EffectOpenCallView    EffectKind = "open_call_view"
	EffectShowEnded       EffectKind = "show_ended"
	EffectShowError       EffectKind = "show_error"
)

// Effect is one instruction for the local UI or audio layer
type Effect struct {
	Kind       EffectKind        `json:"kind"`
	CallID     uuid.UUID         `json:"call_id"`
	Status     domain.CallStatus `json:"status,omitempty"`
	Reason     domain.EndReason  `json:"reason,omitempty"`
	Message    string            `json:"message,omitempty"`
	JoinURL    string            `json:"join_url,omitempty"`
	CallerName string            `json:"caller_name,omitempty"`
}

// Label renders the user-facing text for the effect, if it has one
func (e Effect) Label() string {
	switch e.Kind {
	case EffectShowCalling:
		return "Calling…"
	case EffectShowIncoming:
		return "Incoming call"
	case EffectShowConnecting:
		return "Connecting…"
	case EffectShowConnected:
		return "Connected"
	case EffectShowEnded:
		switch e.Status {
		case domain.CallStatusRejected:
			return "Call was rejected"
		case domain.CallStatusCancelled:
			return "Call was cancelled"
		case domain.CallStatusMissed:
			return "Call was missed"
		default:
			return "Call ended"
		}
	case EffectShowError:
		return e.Message
	default:
		return ""
	}
}

// EffectSink receives effects. Emit is called from the tab loop and must not block for long.
type EffectSink interface {
	Emit(effect Effect)
}

// EffectFunc adapts a function to EffectSink
type EffectFunc func(Effect)

// Emit calls f
func (f EffectFunc) Emit(effect Effect) {
	f(effect)
}

// LogSink writes every effect to a zap logger
type LogSink struct {
	Logger *zap.Logger
}

// Emit logs the effect
func (s LogSink) Emit(effect Effect) {
	s.Logger.Info("Call effect",
		zap.String("kind", string(effect.Kind)),
		zap.String("call_id", effect.CallID.String()),
		zap.String("label", effect.Label()),
		zap.String("status", string(effect.Status)),
		zap.String("reason", string(effect.Reason)),
		zap.String("join_url", effect.JoinURL),
		zap.String("caller_name", effect.CallerName))
}

// Recorder keeps every effect it receives
type Recorder struct {
	mu      sync.Mutex
	effects []Effect
}

// Emit stores effect
func (r *Recorder) Emit(effect Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, effect)
}

// Effects returns a copy of everything recorded so far
func (r *Recorder) Effects() []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Effect, len(r.effects))
	copy(out, r.effects)
	return out
}

// Count returns how many effects of kind were recorded
func (r *Recorder) Count(kind EffectKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.effects {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent effect of kind
func (r *Recorder) Last(kind EffectKind) (Effect, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.effects) - 1; i >= 0; i-- {
		if r.effects[i].Kind == kind {
			return r.effects[i], true
		}
	}
	return Effect{}, false
}
