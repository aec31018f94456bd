// Package memory holds in-process implementations of the call repositories,
// the row-change feed and the room broker. They back the tests and let a
// whole multi-tab call run without CockroachDB or Redis.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"voicecall-backend/internal/domain"
	apperrors "voicecall-backend/pkg/errors"
)

// CallRepository keeps call records in a map
type CallRepository struct {
	mu          sync.Mutex
	calls       map[uuid.UUID]*domain.CallRecord
	failUpdates int
	failErr     error
	updates     int
}

// NewCallRepository creates an empty repository
func NewCallRepository() *CallRepository {
	return &CallRepository{calls: make(map[uuid.UUID]*domain.CallRecord)}
}

// FailNextUpdates makes the next n Update calls return err
func (r *CallRepository) FailNextUpdates(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failUpdates = n
	r.failErr = err
}

// Updates returns how many updates were committed
func (r *CallRepository) Updates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates
}

// Insert stores a new record
func (r *CallRepository) Insert(_ context.Context, call *domain.CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.ID]; exists {
		return apperrors.DatabaseError(apperrors.New(apperrors.ErrCodeDatabase, "duplicate call id"))
	}
	for _, existing := range r.calls {
		if existing.RoomID == call.RoomID {
			return apperrors.DatabaseError(apperrors.New(apperrors.ErrCodeDatabase, "duplicate room id"))
		}
	}
	r.calls[call.ID] = call.Clone()
	return nil
}

// GetByID returns a copy of the stored record
func (r *CallRepository) GetByID(_ context.Context, callID uuid.UUID) (*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return call.Clone(), nil
}

// Update replaces the record if its stored updated_at still equals expectedUpdatedAt
func (r *CallRepository) Update(_ context.Context, call *domain.CallRecord, expectedUpdatedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failUpdates > 0 {
		r.failUpdates--
		return false, r.failErr
	}

	current, ok := r.calls[call.ID]
	if !ok {
		return false, nil
	}
	if !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return false, nil
	}
	r.calls[call.ID] = call.Clone()
	r.updates++
	return true, nil
}

// FindRinging returns the newest ringing calls for receiverID
func (r *CallRepository) FindRinging(_ context.Context, receiverID uuid.UUID, limit int) ([]*domain.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var calls []*domain.CallRecord
	for _, call := range r.calls {
		if call.ReceiverID == receiverID && call.Status == domain.CallStatusRinging {
			calls = append(calls, call.Clone())
		}
	}
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].CreatedAt.After(calls[j].CreatedAt)
	})
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}

// ProfileRepository is a fixed set of display names
type ProfileRepository struct {
	mu    sync.Mutex
	names map[uuid.UUID]string
}

// NewProfileRepository creates an empty profile directory
func NewProfileRepository() *ProfileRepository {
	return &ProfileRepository{names: make(map[uuid.UUID]string)}
}

// Add registers a display name
func (p *ProfileRepository) Add(userID uuid.UUID, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[userID] = name
}

// GetDisplayName returns the display name for userID
func (p *ProfileRepository) GetDisplayName(_ context.Context, userID uuid.UUID) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.names[userID]
	if !ok {
		return "", apperrors.NotFoundError("User")
	}
	return name, nil
}
