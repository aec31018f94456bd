// Package notification presents incoming calls to the local user. It watches
// ringing calls addressed to self, shows one at a time with a ringtone, and
// marks a call missed when nobody answers within the ring timeout.
package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"voicecall-backend/internal/domain"
	"voicecall-backend/internal/service/callstore"
	"voicecall-backend/internal/service/signaling"
	"voicecall-backend/pkg/cache"
	"voicecall-backend/pkg/constants"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/metrics"
	"voicecall-backend/pkg/resilience"
	"voicecall-backend/pkg/sanitize"
)

// UnknownCaller is shown when the caller's profile cannot be loaded
const UnknownCaller = "Unknown caller"

// CallAgent is the part of the signaling agent the notifier drives
type CallAgent interface {
	Accept(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, bool, error)
	Decline(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	Busy() bool
}

// Directory resolves caller display names
type Directory interface {
	GetDisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// Deps is the explicit context one tab hands to its notifier. Loop must be
// the same loop the agent runs on.
type Deps struct {
	Self        uuid.UUID
	Loop        *signaling.Loop
	Agent       CallAgent
	Store       signaling.CallStore
	Feed        signaling.Feed
	Directory   Directory
	Hints       *cache.HintCache
	Effects     signaling.EffectSink
	Clock       clockwork.Clock
	RingTimeout time.Duration
	// OnCallView reports whether the tab is showing the call view, where
	// incoming calls are not presented.
	OnCallView func() bool
	Metrics    *metrics.Metrics
	Retrier    *resilience.Retrier
}

// Notifier is the incoming-call listener of one tab
type Notifier struct {
	self        uuid.UUID
	loop        *signaling.Loop
	agent       CallAgent
	store       signaling.CallStore
	feed        signaling.Feed
	directory   Directory
	hints       *cache.HintCache
	effects     signaling.EffectSink
	clock       clockwork.Clock
	ringTimeout time.Duration
	onCallView  func() bool
	metrics     *metrics.Metrics
	retrier     *resilience.Retrier

	ctx    context.Context
	cancel context.CancelFunc

	// loop-owned
	sub    domain.Subscription
	shown  *domain.CallRecord
	seen   map[uuid.UUID]seenCall
	timers map[uuid.UUID]clockwork.Timer
}

// seenCall is the newest version of a call this tab has handled. Settled
// calls are forgotten once their ring window is over, since a late ringing
// copy of them can no longer be shown.
type seenCall struct {
	updatedAt time.Time
	forgetAt  time.Time // zero until the call is terminal
}

// NewNotifier creates a notifier. Call Start to begin listening.
func NewNotifier(deps Deps) *Notifier {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.RingTimeout <= 0 {
		deps.RingTimeout = constants.RingTimeout
	}
	if deps.Effects == nil {
		deps.Effects = signaling.EffectFunc(func(signaling.Effect) {})
	}
	if deps.OnCallView == nil {
		deps.OnCallView = func() bool { return false }
	}
	if deps.Retrier == nil {
		deps.Retrier = resilience.NewRetrier(constants.WriteAttempts, constants.WriteRetryBackoff, deps.Clock, deps.Metrics)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		self:        deps.Self,
		loop:        deps.Loop,
		agent:       deps.Agent,
		store:       deps.Store,
		feed:        deps.Feed,
		directory:   deps.Directory,
		hints:       deps.Hints,
		effects:     deps.Effects,
		clock:       deps.Clock,
		ringTimeout: deps.RingTimeout,
		onCallView:  deps.OnCallView,
		metrics:     deps.Metrics,
		retrier:     deps.Retrier,
		ctx:         ctx,
		cancel:      cancel,
		seen:        make(map[uuid.UUID]seenCall),
		timers:      make(map[uuid.UUID]clockwork.Timer),
	}
}

// Start subscribes to calls addressed to self, then runs one reconciliation
// query to pick up calls that started ringing before the subscription was open.
func (n *Notifier) Start(ctx context.Context) error {
	sub, err := n.feed.Subscribe(ctx, domain.RowFilter{ReceiverID: n.self})
	if err != nil {
		return err
	}
	if err := n.loop.Call(ctx, func() { n.sub = sub }); err != nil {
		_ = sub.Close()
		return err
	}
	go n.pump(sub)

	return n.Reconcile(ctx)
}

// Reconcile fetches ringing calls for self and treats each as a fresh event
func (n *Notifier) Reconcile(ctx context.Context) error {
	var ringing []*domain.CallRecord
	err := n.retrier.Execute(ctx, "find_ringing", func(ctx context.Context) error {
		var err error
		ringing, err = n.store.FindRinging(ctx, n.self)
		return err
	})
	if err != nil {
		logger.Warn("Incoming call reconciliation failed",
			zap.String("user_id", n.self.String()), zap.Error(err))
		return err
	}

	return n.loop.Call(ctx, func() {
		gap := 0
		for _, rec := range ringing {
			if _, known := n.seen[rec.ID]; !known {
				gap++
			}
			n.handleChange(rec)
		}
		if gap > 0 {
			n.metrics.RecordDeliveryGap(gap)
			logger.Info(apperrors.DeliveryGapError(gap).Message, zap.String("user_id", n.self.String()))
		}
	})
}

// Accept dismisses the notification for callID and hands the call to the
// agent. The watchdog keeps running until the call is seen leaving ringing.
func (n *Notifier) Accept(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, bool, error) {
	if err := n.loop.Call(ctx, func() { n.dismissIfShown(callID) }); err != nil {
		return nil, false, err
	}
	rec, joined, err := n.agent.Accept(ctx, callID)
	n.settle(ctx, callID, rec, err)
	return rec, joined, err
}

// Decline dismisses the notification for callID and rejects the call
func (n *Notifier) Decline(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	if err := n.loop.Call(ctx, func() { n.dismissIfShown(callID) }); err != nil {
		return nil, err
	}
	rec, err := n.agent.Decline(ctx, callID)
	n.settle(ctx, callID, rec, err)
	return rec, err
}

// settle stops the watchdog once the call left ringing. If the agent failed
// and the call still rings, the watchdog is kept or re-armed for what is left
// of the ring window so the caller is not left ringing.
func (n *Notifier) settle(ctx context.Context, callID uuid.UUID, rec *domain.CallRecord, opErr error) {
	if opErr != nil || rec == nil {
		fresh, err := n.store.Get(ctx, callID)
		if err != nil {
			logger.ForCall(callID, n.self).Warn("Could not re-read call after failed answer", zap.Error(err))
		}
		rec = fresh
	}

	_ = n.loop.Call(ctx, func() {
		if rec == nil {
			return
		}
		if rec.Status != domain.CallStatusRinging {
			if last, ok := n.seen[callID]; !ok || rec.UpdatedAt.After(last.updatedAt) {
				n.remember(rec)
			}
			n.release(callID)
			return
		}
		if rec.ReceiverID != n.self {
			return
		}
		remaining := rec.CreatedAt.Add(n.ringTimeout).Sub(n.clock.Now())
		if remaining <= 0 {
			n.onTimeout(callID)
			return
		}
		n.arm(callID, remaining)
	})
}

// Shown returns the call currently presented, or nil
func (n *Notifier) Shown(ctx context.Context) (*domain.CallRecord, error) {
	var shown *domain.CallRecord
	err := n.loop.Call(ctx, func() {
		if n.shown != nil {
			shown = n.shown.Clone()
		}
	})
	return shown, err
}

// LastIncoming returns the hint left by the most recent presented call
func (n *Notifier) LastIncoming() (*domain.IncomingCallHint, bool) {
	if n.hints == nil {
		return nil, false
	}
	return n.hints.Get(n.self)
}

// Stop releases everything the notifier holds. Call records are not touched.
func (n *Notifier) Stop(ctx context.Context) error {
	err := n.loop.Call(ctx, func() {
		for callID, timer := range n.timers {
			timer.Stop()
			delete(n.timers, callID)
		}
		if n.shown != nil {
			n.dismiss(n.shown.ID)
		}
		if n.sub != nil {
			_ = n.sub.Close()
			n.sub = nil
		}
	})
	n.cancel()
	return err
}

func (n *Notifier) pump(sub domain.Subscription) {
	for change := range sub.Events() {
		rec := change.Record
		if !n.loop.Post(func() { n.handleChange(rec) }) {
			return
		}
	}
}

func (n *Notifier) handleChange(rec *domain.CallRecord) {
	if rec == nil || rec.ReceiverID != n.self {
		return
	}
	if last, ok := n.seen[rec.ID]; ok && !rec.UpdatedAt.After(last.updatedAt) {
		if rec.UpdatedAt.Before(last.updatedAt) {
			n.metrics.RecordStaleEvent()
		} else {
			n.metrics.RecordDuplicateEvent()
		}
		return
	}
	n.remember(rec)

	if rec.Status == domain.CallStatusRinging {
		n.handleRinging(rec)
		return
	}

	// left ringing: cancelled by the caller, or answered or declined on some device
	n.release(rec.ID)
}

func (n *Notifier) handleRinging(rec *domain.CallRecord) {
	log := logger.ForCall(rec.ID, n.self)

	remaining := rec.CreatedAt.Add(n.ringTimeout).Sub(n.clock.Now())
	if remaining <= 0 {
		log.Info("Ringing call outlived the ring timeout")
		n.onTimeout(rec.ID)
		return
	}
	if n.onCallView() {
		log.Debug("Incoming call ignored on call view")
		return
	}

	n.arm(rec.ID, remaining)
	if n.shown != nil {
		if n.shown.ID == rec.ID {
			n.shown = rec
		}
		return
	}
	if n.agent.Busy() {
		log.Debug("Incoming call not shown, local call in progress")
		return
	}
	n.show(rec)
}

func (n *Notifier) show(rec *domain.CallRecord) {
	name := n.callerName(rec.CallerID)
	if n.hints != nil {
		hint := domain.IncomingCallHint{
			CallID:     rec.ID,
			RoomID:     rec.RoomID,
			CallerID:   rec.CallerID,
			CallerName: name,
		}
		if err := n.hints.Put(n.self, hint); err != nil {
			logger.ForCall(rec.ID, n.self).Warn("Failed to store incoming call hint", zap.Error(err))
		}
	}

	n.shown = rec
	n.metrics.RecordIncomingShown()
	logger.ForCall(rec.ID, n.self).Info("Incoming call shown", zap.String("caller_name", name))

	n.effects.Emit(signaling.Effect{Kind: signaling.EffectShowIncoming, CallID: rec.ID, Status: rec.Status, CallerName: name})
	n.effects.Emit(signaling.Effect{Kind: signaling.EffectStartRingtone, CallID: rec.ID})
}

func (n *Notifier) callerName(callerID uuid.UUID) string {
	if n.directory == nil {
		return UnknownCaller
	}
	ctx, cancel := context.WithTimeout(n.ctx, constants.DefaultTimeout)
	defer cancel()

	name, err := n.directory.GetDisplayName(ctx, callerID)
	name = sanitize.DisplayName(name)
	if err != nil || name == "" {
		logger.Debug("Caller display name unavailable",
			zap.String("caller_id", callerID.String()), zap.Error(err))
		return UnknownCaller
	}
	return name
}

// arm starts the watchdog for callID unless one is already running
func (n *Notifier) arm(callID uuid.UUID, after time.Duration) {
	if _, armed := n.timers[callID]; armed {
		return
	}
	n.timers[callID] = n.clock.AfterFunc(after, func() {
		n.loop.Post(func() {
			if _, armed := n.timers[callID]; armed {
				n.onTimeout(callID)
			}
		})
	})
}

func (n *Notifier) onTimeout(callID uuid.UUID) {
	delete(n.timers, callID)
	log := logger.ForCall(callID, n.self)

	var rec *domain.CallRecord
	err := n.retrier.Execute(n.ctx, "transition_missed", func(ctx context.Context) error {
		var err error
		rec, err = n.store.Transition(ctx, callID, domain.CallStatusMissed, callstore.TransitionFields{Reason: domain.EndReasonTimeout})
		return err
	})
	if err != nil {
		log.Error("Failed to mark call missed", zap.Error(err))
		n.release(callID)
		return
	}
	if last, ok := n.seen[callID]; !ok || rec.UpdatedAt.After(last.updatedAt) {
		n.remember(rec)
	}
	if rec.Status != domain.CallStatusMissed {
		// accepted, declined or cancelled just before the timeout
		n.release(callID)
		return
	}

	n.metrics.RecordWatchdogFired()
	log.Info("Ringing call marked missed")

	wasShown := n.shown != nil && n.shown.ID == callID
	n.release(callID)
	if wasShown {
		n.effects.Emit(signaling.Effect{Kind: signaling.EffectShowEnded, CallID: callID, Status: rec.Status, Reason: rec.EndReason})
	}
}

// remember records rec as the newest version seen and forgets settled calls
// whose ring window has passed
func (n *Notifier) remember(rec *domain.CallRecord) {
	entry := seenCall{updatedAt: rec.UpdatedAt}
	if rec.Status.IsTerminal() {
		entry.forgetAt = rec.CreatedAt.Add(n.ringTimeout)
	}
	n.seen[rec.ID] = entry

	now := n.clock.Now()
	for callID, seen := range n.seen {
		if !seen.forgetAt.IsZero() && now.After(seen.forgetAt) {
			delete(n.seen, callID)
		}
	}
}

// release stops the watchdog for callID and dismisses it if shown
func (n *Notifier) release(callID uuid.UUID) {
	if timer, ok := n.timers[callID]; ok {
		timer.Stop()
		delete(n.timers, callID)
	}
	if n.shown != nil && n.shown.ID == callID {
		n.dismiss(callID)
	}
}

func (n *Notifier) dismissIfShown(callID uuid.UUID) {
	if n.shown != nil && n.shown.ID == callID {
		n.dismiss(callID)
	}
}

func (n *Notifier) dismiss(callID uuid.UUID) {
	n.shown = nil
	n.effects.Emit(signaling.Effect{Kind: signaling.EffectStopRingtone, CallID: callID})
	n.effects.Emit(signaling.Effect{Kind: signaling.EffectDismissIncoming, CallID: callID})
}
