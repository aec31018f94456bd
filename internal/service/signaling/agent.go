// Package signaling drives one tab's side of a two-party call. It turns local
// actions, row-change events and media callbacks into transitions on the call
// record and into effects for the UI.
package signaling

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"voicecall-backend/internal/domain"
	"voicecall-backend/internal/service/callstore"
	"voicecall-backend/pkg/constants"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/media"
	"voicecall-backend/pkg/metrics"
	"voicecall-backend/pkg/resilience"
)

var errOfferMissing = errors.New("caller offer never arrived")

// CallStore is the validated write path to call records
type CallStore interface {
	CreateCall(ctx context.Context, callerID, receiverID uuid.UUID) (*domain.CallRecord, error)
	AttachOffer(ctx context.Context, callID uuid.UUID, offer string) (*domain.CallRecord, error)
	Transition(ctx context.Context, callID uuid.UUID, target domain.CallStatus, fields callstore.TransitionFields) (*domain.CallRecord, error)
	Get(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
	FindRinging(ctx context.Context, receiverID uuid.UUID) ([]*domain.CallRecord, error)
	JoinURL(ctx context.Context, call *domain.CallRecord) (string, error)
}

// Feed opens row-change subscriptions
type Feed interface {
	Subscribe(ctx context.Context, filter domain.RowFilter) (domain.Subscription, error)
}

// Deps is the explicit context one tab hands to its agent
type Deps struct {
	Self      uuid.UUID
	SessionID string
	Loop      *Loop
	Store     CallStore
	Feed      Feed
	Media     media.Adapter
	Effects   EffectSink
	Clock     clockwork.Clock
	Retrier   *resilience.Retrier
	Metrics   *metrics.Metrics
}

// Agent is the signaling state machine of one tab. It holds at most one local
// call session at a time.
type Agent struct {
	self      uuid.UUID
	sessionID string
	loop      *Loop
	store     CallStore
	feed      Feed
	media     media.Adapter
	effects   EffectSink
	clock     clockwork.Clock
	retrier   *resilience.Retrier
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// loop-owned
	current *LocalCallSession

	busy atomic.Bool
}

// NewAgent creates an agent bound to deps.Loop
func NewAgent(deps Deps) *Agent {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.SessionID == "" {
		deps.SessionID = uuid.NewString()
	}
	if deps.Effects == nil {
		deps.Effects = EffectFunc(func(Effect) {})
	}
	if deps.Retrier == nil {
		deps.Retrier = resilience.NewRetrier(constants.WriteAttempts, constants.WriteRetryBackoff, deps.Clock, deps.Metrics)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		self:      deps.Self,
		sessionID: deps.SessionID,
		loop:      deps.Loop,
		store:     deps.Store,
		feed:      deps.Feed,
		media:     deps.Media,
		effects:   deps.Effects,
		clock:     deps.Clock,
		retrier:   deps.Retrier,
		metrics:   deps.Metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SessionID identifies this tab in AnsweredBy
func (a *Agent) SessionID() string {
	return a.sessionID
}

// Busy reports whether the tab holds a local call session. Safe from any goroutine.
func (a *Agent) Busy() bool {
	return a.busy.Load()
}

// Current returns a snapshot of the local session, or nil
func (a *Agent) Current(ctx context.Context) (*SessionInfo, error) {
	var info *SessionInfo
	err := a.loop.Call(ctx, func() {
		if s := a.current; s != nil {
			info = &SessionInfo{CallID: s.CallID, Role: s.Role, Status: s.lastStatus, Connected: s.connected}
		}
	})
	return info, err
}

// PlaceCall starts an outgoing call to receiverID
func (a *Agent) PlaceCall(ctx context.Context, receiverID uuid.UUID) (*domain.CallRecord, error) {
	var rec *domain.CallRecord
	var opErr error
	if err := a.loop.Call(ctx, func() { rec, opErr = a.placeCall(ctx, receiverID) }); err != nil {
		return nil, err
	}
	return rec, opErr
}

// Accept answers the ringing call callID. joined is false when another device
// or tab got there first, or the call stopped ringing; that is not an error.
func (a *Agent) Accept(ctx context.Context, callID uuid.UUID) (rec *domain.CallRecord, joined bool, err error) {
	var opErr error
	if err := a.loop.Call(ctx, func() { rec, joined, opErr = a.accept(ctx, callID) }); err != nil {
		return nil, false, err
	}
	return rec, joined, opErr
}

// Decline rejects the ringing call callID without opening any media
func (a *Agent) Decline(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	var rec *domain.CallRecord
	var opErr error
	if err := a.loop.Call(ctx, func() { rec, opErr = a.decline(ctx, callID) }); err != nil {
		return nil, err
	}
	return rec, opErr
}

// Cancel withdraws the outgoing call before it is answered. If the receiver
// answered first the call is hung up instead.
func (a *Agent) Cancel(ctx context.Context) (*domain.CallRecord, error) {
	var rec *domain.CallRecord
	var opErr error
	if err := a.loop.Call(ctx, func() { rec, opErr = a.cancelCall(ctx) }); err != nil {
		return nil, err
	}
	return rec, opErr
}

// HangUp ends the local call
func (a *Agent) HangUp(ctx context.Context) (*domain.CallRecord, error) {
	var rec *domain.CallRecord
	var opErr error
	if err := a.loop.Call(ctx, func() { rec, opErr = a.hangUp(ctx) }); err != nil {
		return nil, err
	}
	return rec, opErr
}

// Close releases local resources as on page unload. The call record is left
// alone; the peer learns of the loss through its own transport.
func (a *Agent) Close(ctx context.Context) error {
	err := a.loop.Call(ctx, func() {
		if s := a.current; s != nil {
			a.log(s).Info("Releasing call session on close")
			a.teardown(s)
		}
	})
	a.cancel()
	return err
}

func (a *Agent) placeCall(ctx context.Context, receiverID uuid.UUID) (*domain.CallRecord, error) {
	if a.current != nil {
		return nil, apperrors.CallBusyError()
	}

	var rec *domain.CallRecord
	err := a.retrier.Execute(ctx, "create_call", func(ctx context.Context) error {
		var err error
		rec, err = a.store.CreateCall(ctx, a.self, receiverID)
		return err
	})
	if err != nil {
		// nothing was acquired yet
		a.emitError(uuid.Nil, err)
		return nil, err
	}

	s := a.begin(rec.ID, domain.RoleCaller)
	s.observe(rec)
	log := a.log(s)

	if err := a.subscribe(ctx, s); err != nil {
		log.Error("Failed to subscribe to outgoing call", zap.Error(err))
		return a.abort(ctx, s, domain.CallStatusCancelled, domain.EndReasonCancelled, err)
	}
	a.emit(Effect{Kind: EffectShowCalling, CallID: rec.ID, Status: rec.Status})

	offer, err := a.openMedia(ctx, s, func(mctx context.Context, ms media.Session) (string, error) {
		return ms.CreateOffer(mctx)
	})
	if err != nil {
		return a.mediaFailure(ctx, s, domain.CallStatusCancelled, err)
	}

	var offered *domain.CallRecord
	err = a.retrier.Execute(ctx, "attach_offer", func(ctx context.Context) error {
		var err error
		offered, err = a.store.AttachOffer(ctx, rec.ID, offer)
		return err
	})
	if err != nil {
		log.Error("Failed to persist call offer", zap.Error(err))
		return a.abort(ctx, s, domain.CallStatusCancelled, domain.EndReasonCancelled, err)
	}

	log.Info("Outgoing call placed", zap.String("receiver_id", receiverID.String()))

	// a decline or cancel may have landed before the subscription was open
	if fresh, _ := s.observe(offered); fresh && offered.Status != domain.CallStatusRinging {
		a.applyRecord(s, offered)
	}
	return offered, nil
}

func (a *Agent) accept(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, bool, error) {
	if s := a.current; s != nil {
		if s.CallID == callID && s.Role == domain.RoleReceiver {
			rec, err := a.store.Get(ctx, callID)
			return rec, err == nil && rec.AnsweredBy == a.sessionID, err
		}
		return nil, false, apperrors.CallBusyError()
	}

	rec, err := a.fetchWithOffer(ctx, callID)
	if err != nil {
		a.emitError(callID, err)
		return nil, false, err
	}
	if rec.ReceiverID != a.self {
		return nil, false, apperrors.ForbiddenError("Only the receiver can accept this call")
	}
	if rec.Status != domain.CallStatusRinging {
		// already answered elsewhere, or the caller gave up
		return rec, rec.Status == domain.CallStatusActive && rec.AnsweredBy == a.sessionID, nil
	}

	s := a.begin(callID, domain.RoleReceiver)
	s.observe(rec)
	log := a.log(s)

	if rec.Offer == "" {
		// the caller can no longer be answered, end it instead of leaving it ringing
		out, err := a.mediaFailure(ctx, s, domain.CallStatusRejected, media.NewSetupError(media.CauseNegotiation, errOfferMissing))
		return out, false, err
	}

	if err := a.subscribe(ctx, s); err != nil {
		log.Error("Failed to subscribe to incoming call", zap.Error(err))
		out, err := a.abort(ctx, s, domain.CallStatusRejected, domain.EndReasonMediaFailure, err)
		return out, false, err
	}
	a.emit(Effect{Kind: EffectShowConnecting, CallID: callID, Status: rec.Status})

	answer, err := a.openMedia(ctx, s, func(mctx context.Context, ms media.Session) (string, error) {
		if err := ms.ApplyRemoteOffer(mctx, rec.Offer); err != nil {
			return "", err
		}
		return ms.CreateAnswer(mctx)
	})
	if err != nil {
		out, err := a.mediaFailure(ctx, s, domain.CallStatusRejected, err)
		return out, false, err
	}

	active, err := a.transition(ctx, callID, domain.CallStatusActive, callstore.TransitionFields{
		Answer:     answer,
		AnsweredBy: a.sessionID,
	})
	if err != nil {
		log.Error("Failed to record answer", zap.Error(err))
		a.teardown(s)
		a.emitError(callID, err)
		return nil, false, err
	}
	s.observe(active)

	if active.Status != domain.CallStatusActive || active.AnsweredBy != a.sessionID {
		log.Info("Call was taken elsewhere before this answer landed",
			zap.String("status", string(active.Status)))
		a.teardown(s)
		if active.Status.IsTerminal() {
			a.emitEnded(active)
		}
		return active, false, nil
	}

	log.Info("Incoming call accepted")
	a.emit(Effect{Kind: EffectOpenCallView, CallID: callID, Status: active.Status, JoinURL: a.joinURL(ctx, active)})
	return active, true, nil
}

// fetchWithOffer re-reads the record, waiting briefly for a ringing call's offer
func (a *Agent) fetchWithOffer(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	var rec *domain.CallRecord
	for attempt := 0; ; attempt++ {
		err := a.retrier.Execute(ctx, "get_call", func(ctx context.Context) error {
			var err error
			rec, err = a.store.Get(ctx, callID)
			return err
		})
		if err != nil {
			return nil, err
		}
		if rec.Status != domain.CallStatusRinging || rec.Offer != "" || attempt >= constants.OfferWaitAttempts {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.clock.After(constants.OfferWaitInterval):
		}
	}
}

func (a *Agent) decline(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	rec, err := a.transition(ctx, callID, domain.CallStatusRejected, callstore.TransitionFields{Reason: domain.EndReasonDeclined})
	if err != nil {
		a.emitError(callID, err)
		return nil, err
	}
	logger.ForCall(callID, a.self).Info("Incoming call declined", zap.String("status", string(rec.Status)))
	return rec, nil
}

func (a *Agent) cancelCall(ctx context.Context) (*domain.CallRecord, error) {
	s := a.current
	if s == nil || s.Role != domain.RoleCaller {
		return nil, apperrors.InvalidInputError("no outgoing call to cancel")
	}
	return a.finish(ctx, s, domain.CallStatusCancelled, domain.EndReasonCancelled)
}

func (a *Agent) hangUp(ctx context.Context) (*domain.CallRecord, error) {
	s := a.current
	if s == nil {
		return nil, apperrors.InvalidInputError("no call to hang up")
	}
	if s.Role == domain.RoleCaller && s.lastStatus == domain.CallStatusRinging {
		return a.finish(ctx, s, domain.CallStatusCancelled, domain.EndReasonCancelled)
	}
	return a.finish(ctx, s, domain.CallStatusEnded, domain.EndReasonHangup)
}

// finish writes a terminal status and always tears the session down, whether
// or not the write succeeded
func (a *Agent) finish(ctx context.Context, s *LocalCallSession, target domain.CallStatus, reason domain.EndReason) (*domain.CallRecord, error) {
	log := a.log(s)

	rec, err := a.transition(ctx, s.CallID, target, callstore.TransitionFields{Reason: reason})
	if err == nil && target == domain.CallStatusCancelled && rec.Status == domain.CallStatusActive {
		log.Info("Cancel lost to an answer, hanging up instead")
		rec, err = a.transition(ctx, s.CallID, domain.CallStatusEnded, callstore.TransitionFields{Reason: domain.EndReasonHangup})
	}

	a.teardown(s)
	if err != nil {
		log.Error("Failed to record call end", zap.Error(err))
		a.emitError(s.CallID, err)
		return nil, err
	}

	a.emitEnded(rec)
	return rec, nil
}

// abort is the fail-safe path once resources are held: best-effort terminal
// write, unconditional teardown, then surface cause
func (a *Agent) abort(ctx context.Context, s *LocalCallSession, target domain.CallStatus, reason domain.EndReason, cause error) (*domain.CallRecord, error) {
	if _, err := a.transition(ctx, s.CallID, target, callstore.TransitionFields{Reason: reason}); err != nil {
		a.log(s).Warn("Could not close call record during abort", zap.Error(err))
	}
	a.teardown(s)
	a.emitError(s.CallID, cause)
	return nil, cause
}

func (a *Agent) mediaFailure(ctx context.Context, s *LocalCallSession, target domain.CallStatus, err error) (*domain.CallRecord, error) {
	appErr := media.ToAppError(err)
	cause, _ := appErr.Details.(string)
	a.metrics.RecordMediaFailure(cause)
	a.log(s).Warn("Media session setup failed", zap.String("cause", cause), zap.Error(err))
	return a.abort(ctx, s, target, domain.EndReasonMediaFailure, appErr)
}

// openMedia creates the session, wires its callbacks and runs negotiate under the setup timeout
func (a *Agent) openMedia(ctx context.Context, s *LocalCallSession, negotiate func(context.Context, media.Session) (string, error)) (string, error) {
	mctx, cancel := context.WithTimeout(ctx, constants.MediaSetupTimeout)
	defer cancel()

	ms, err := a.media.CreateSession(mctx)
	if err != nil {
		return "", err
	}
	s.media = ms
	ms.OnConnectionStateChange(func(state media.ConnectionState) {
		a.loop.Post(func() { a.onMediaState(s, state) })
	})

	return negotiate(mctx, ms)
}

func (a *Agent) subscribe(ctx context.Context, s *LocalCallSession) error {
	sub, err := a.feed.Subscribe(ctx, domain.RowFilter{CallID: s.CallID})
	if err != nil {
		return err
	}
	s.sub = sub
	go a.pump(s, sub)
	return nil
}

// pump hands each delivered row to the loop
func (a *Agent) pump(s *LocalCallSession, sub domain.Subscription) {
	for change := range sub.Events() {
		if !a.loop.Post(func() { a.handleRow(s, change) }) {
			return
		}
	}
}

func (a *Agent) handleRow(s *LocalCallSession, change domain.RowChange) {
	if a.current != s || change.Record == nil {
		return
	}
	rec := change.Record

	fresh, stale := s.observe(rec)
	if stale {
		a.metrics.RecordStaleEvent()
		a.log(s).Debug("Ignoring stale row change",
			zap.String("status", string(rec.Status)),
			zap.Time("updated_at", rec.UpdatedAt))
		return
	}
	if !fresh {
		a.metrics.RecordDuplicateEvent()
		return
	}

	a.applyRecord(s, rec)
}

// applyRecord reacts to a newer version of the session's record
func (a *Agent) applyRecord(s *LocalCallSession, rec *domain.CallRecord) {
	log := a.log(s)

	switch {
	case rec.Status == domain.CallStatusActive && s.Role == domain.RoleCaller:
		if s.answerApplied {
			return
		}
		if err := s.media.ApplyRemoteAnswer(a.ctx, rec.Answer); err != nil {
			a.mediaFailure(a.ctx, s, domain.CallStatusEnded, err)
			return
		}
		s.answerApplied = true
		log.Info("Call answered")
		a.emit(Effect{Kind: EffectShowConnecting, CallID: rec.ID, Status: rec.Status})
		a.emit(Effect{Kind: EffectOpenCallView, CallID: rec.ID, Status: rec.Status, JoinURL: a.joinURL(a.ctx, rec)})

	case rec.Status == domain.CallStatusActive && rec.AnsweredBy != a.sessionID:
		log.Info("Call answered on another device")
		a.teardown(s)

	case rec.Status.IsTerminal():
		log.Info("Call reached terminal status",
			zap.String("status", string(rec.Status)),
			zap.String("reason", string(rec.EndReason)))
		a.teardown(s)
		a.emitEnded(rec)
	}
}

func (a *Agent) onMediaState(s *LocalCallSession, state media.ConnectionState) {
	if a.current != s {
		return
	}
	log := a.log(s)

	switch state {
	case media.StateConnected:
		if !s.connected {
			s.connected = true
			a.emit(Effect{Kind: EffectShowConnected, CallID: s.CallID, Status: s.lastStatus})
		}
	case media.StateDisconnected:
		log.Info("Media transport disconnected, waiting for recovery or failure")
	case media.StateFailed, media.StateClosed:
		a.metrics.RecordTransportInterrupted()
		log.Warn("Media transport lost", zap.String("state", string(state)))

		target := domain.CallStatusEnded
		if s.lastStatus == domain.CallStatusRinging {
			target = domain.CallStatusCancelled
		}
		rec, err := a.transition(a.ctx, s.CallID, target, callstore.TransitionFields{Reason: domain.EndReasonTransportInterrupted})
		a.teardown(s)
		if err != nil {
			log.Error("Failed to record transport loss", zap.Error(err))
			a.emitError(s.CallID, apperrors.TransportInterruptedError())
			return
		}
		a.emitEnded(rec)
	}
}

func (a *Agent) transition(ctx context.Context, callID uuid.UUID, target domain.CallStatus, fields callstore.TransitionFields) (*domain.CallRecord, error) {
	var rec *domain.CallRecord
	err := a.retrier.Execute(ctx, "transition_"+string(target), func(ctx context.Context) error {
		var err error
		rec, err = a.store.Transition(ctx, callID, target, fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s := a.current; s != nil && s.CallID == callID {
		s.observe(rec)
	}
	return rec, nil
}

func (a *Agent) begin(callID uuid.UUID, role domain.Role) *LocalCallSession {
	s := newLocalCallSession(callID, role)
	a.current = s
	a.busy.Store(true)
	a.metrics.AddLocalSessions(1)
	return s
}

func (a *Agent) teardown(s *LocalCallSession) {
	if s.release() {
		a.metrics.AddLocalSessions(-1)
	}
	if a.current == s {
		a.current = nil
		a.busy.Store(false)
	}
}

func (a *Agent) joinURL(ctx context.Context, rec *domain.CallRecord) string {
	url, err := a.store.JoinURL(ctx, rec)
	if err != nil {
		logger.ForCall(rec.ID, a.self).Warn("Could not resolve call room", zap.Error(err))
		return ""
	}
	return url
}

func (a *Agent) emit(effect Effect) {
	a.effects.Emit(effect)
}

func (a *Agent) emitEnded(rec *domain.CallRecord) {
	a.emit(Effect{Kind: EffectShowEnded, CallID: rec.ID, Status: rec.Status, Reason: rec.EndReason})
}

func (a *Agent) emitError(callID uuid.UUID, err error) {
	appErr := apperrors.GetAppError(err)
	a.emit(Effect{Kind: EffectShowError, CallID: callID, Message: appErr.Message})
}

func (a *Agent) log(s *LocalCallSession) *zap.Logger {
	return logger.ForCall(s.CallID, a.self).With(
		zap.String("session_id", a.sessionID),
		zap.String("role", string(s.Role)))
}
