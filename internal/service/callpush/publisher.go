// Package callpush turns call row changes into device push notifications so a
// receiver with no open tab still learns about incoming and missed calls.
package callpush

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voicecall-backend/internal/domain"
	"voicecall-backend/internal/service/callstore"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/push"
	"voicecall-backend/pkg/sanitize"
)

// unknownCaller is the alert name when the caller's profile cannot be loaded
const unknownCaller = "Someone"

// Alerter sends the call notifications
type Alerter interface {
	SendIncomingCall(ctx context.Context, alert *push.CallAlert) error
	SendMissedCall(ctx context.Context, alert *push.CallAlert) error
}

// Directory resolves caller display names
type Directory interface {
	GetDisplayName(ctx context.Context, userID uuid.UUID) (string, error)
}

// Publisher forwards row changes to the next publisher and pushes a
// notification for every new ringing call and every call that rang out.
// Pushes run in the background and never fail the write.
type Publisher struct {
	next      callstore.Publisher
	alerts    Alerter
	directory Directory
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewPublisher wraps next with push delivery
func NewPublisher(next callstore.Publisher, alerts Alerter, directory Directory, timeout time.Duration) *Publisher {
	return &Publisher{
		next:      next,
		alerts:    alerts,
		directory: directory,
		timeout:   timeout,
	}
}

// Publish implements callstore.Publisher
func (p *Publisher) Publish(ctx context.Context, change domain.RowChange) error {
	err := p.next.Publish(ctx, change)

	if send := p.senderFor(change); send != nil {
		rec := change.Record.Clone()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.deliver(context.WithoutCancel(ctx), rec, send)
		}()
	}

	return err
}

// Wait blocks until in-flight pushes finish
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) senderFor(change domain.RowChange) func(context.Context, *push.CallAlert) error {
	if change.Record == nil {
		return nil
	}
	switch {
	case change.Type == domain.RowEventInsert && change.Record.Status == domain.CallStatusRinging:
		return p.alerts.SendIncomingCall
	case change.Type == domain.RowEventUpdate && change.Record.Status == domain.CallStatusMissed:
		return p.alerts.SendMissedCall
	default:
		return nil
	}
}

func (p *Publisher) deliver(ctx context.Context, rec *domain.CallRecord, send func(context.Context, *push.CallAlert) error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	alert := &push.CallAlert{
		CallID:     rec.ID,
		CallerID:   rec.CallerID,
		CallerName: p.callerName(ctx, rec.CallerID),
		ReceiverID: rec.ReceiverID,
		CreatedAt:  rec.CreatedAt.Unix(),
	}

	if err := send(ctx, alert); err != nil {
		logger.ForCall(rec.ID, rec.CallerID).Warn("Call push failed",
			zap.String("status", string(rec.Status)),
			zap.Error(err))
	}
}

func (p *Publisher) callerName(ctx context.Context, callerID uuid.UUID) string {
	if p.directory == nil {
		return unknownCaller
	}
	name, err := p.directory.GetDisplayName(ctx, callerID)
	if err != nil {
		return unknownCaller
	}
	if name = sanitize.DisplayName(name); name == "" {
		return unknownCaller
	}
	return name
}
