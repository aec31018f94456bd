package callstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"voicecall-backend/internal/domain"
	"voicecall-backend/internal/repository/memory"
	apperrors "voicecall-backend/pkg/errors"
	"voicecall-backend/pkg/metrics"
)

// MockPublisher is a mock implementation of Publisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, change domain.RowChange) error {
	args := m.Called(ctx, change)
	return args.Error(0)
}

// MockRoomBroker is a mock implementation of RoomBroker
type MockRoomBroker struct {
	mock.Mock
}

func (m *MockRoomBroker) CreateRoom(ctx context.Context) (*domain.Room, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Room), args.Error(1)
}

func (m *MockRoomBroker) ResolveRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Room), args.Error(1)
}

type fixture struct {
	store   *Store
	repo    *memory.CallRepository
	feed    *memory.CallFeed
	rooms   *memory.RoomBroker
	clock   *clockwork.FakeClock
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	f := &fixture{
		repo:    memory.NewCallRepository(),
		feed:    memory.NewCallFeed(),
		rooms:   memory.NewRoomBroker(time.Hour, clock),
		clock:   clock,
		metrics: metrics.NewMetrics("callstore-test"),
	}
	f.store = NewStore(f.repo, f.feed, f.rooms, clock, f.metrics)
	return f
}

func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestCreateCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	callerID, receiverID := uuid.New(), uuid.New()

	call, err := f.store.CreateCall(ctx, callerID, receiverID)

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, call.Status)
	assert.Equal(t, callerID, call.CallerID)
	assert.Equal(t, receiverID, call.ReceiverID)
	assert.NotEmpty(t, call.RoomID)
	assert.Nil(t, call.AnsweredAt)
	assert.Nil(t, call.EndedAt)
	assert.Equal(t, f.clock.Now().UTC().Truncate(time.Microsecond), call.CreatedAt)

	stored, err := f.store.Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, call.RoomID, stored.RoomID)
}

func TestCreateCall_NewAttemptGetsNewIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	callerID, receiverID := uuid.New(), uuid.New()

	first, err := f.store.CreateCall(ctx, callerID, receiverID)
	require.NoError(t, err)
	second, err := f.store.CreateCall(ctx, callerID, receiverID)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.RoomID, second.RoomID)
}

func TestCreateCall_PublishesInsert(t *testing.T) {
	repo := memory.NewCallRepository()
	publisher := new(MockPublisher)
	rooms := new(MockRoomBroker)
	store := NewStore(repo, publisher, rooms, clockwork.NewFakeClock(), nil)

	rooms.On("CreateRoom", mock.Anything).Return(&domain.Room{ID: "room-1", JoinURL: "https://rooms/room-1"}, nil)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(c domain.RowChange) bool {
		return c.Type == domain.RowEventInsert && c.Record.Status == domain.CallStatusRinging && c.Record.RoomID == "room-1"
	})).Return(nil).Once()

	_, err := store.CreateCall(context.Background(), uuid.New(), uuid.New())

	require.NoError(t, err)
	publisher.AssertExpectations(t)
	rooms.AssertExpectations(t)
}

func TestCreateCall_RoomUnavailable(t *testing.T) {
	repo := memory.NewCallRepository()
	publisher := new(MockPublisher)
	rooms := new(MockRoomBroker)
	m := metrics.NewMetrics("callstore-test")
	store := NewStore(repo, publisher, rooms, clockwork.NewFakeClock(), m)

	receiverID := uuid.New()
	rooms.On("CreateRoom", mock.Anything).Return(nil, errors.New("quota exceeded"))

	call, err := store.CreateCall(context.Background(), uuid.New(), receiverID)

	assert.Nil(t, call)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeRoomUnavailable))
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)

	ringing, err := repo.FindRinging(context.Background(), receiverID, 10)
	require.NoError(t, err)
	assert.Empty(t, ringing)
	assert.Equal(t, 1.0, counterValue(t, m, "call_room_unavailable_total"))
}

func TestCreateCall_RejectsSelfCall(t *testing.T) {
	f := newFixture(t)
	self := uuid.New()

	_, err := f.store.CreateCall(context.Background(), self, self)

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	assert.Equal(t, 0, f.rooms.Created())
}

func TestAttachOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.store.CreateCall(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)

	updated, err := f.store.AttachOffer(ctx, call.ID, "v=0 offer")
	require.NoError(t, err)
	assert.Equal(t, "v=0 offer", updated.Offer)
	assert.True(t, updated.UpdatedAt.After(call.UpdatedAt))

	_, err = f.store.Transition(ctx, call.ID, domain.CallStatusCancelled, TransitionFields{})
	require.NoError(t, err)

	late, err := f.store.AttachOffer(ctx, call.ID, "v=0 other")
	require.NoError(t, err)
	assert.Equal(t, "v=0 offer", late.Offer)
	assert.Equal(t, domain.CallStatusCancelled, late.Status)
}

func TestTransition_DuplicateAcceptIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.store.CreateCall(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	active, err := f.store.Transition(ctx, call.ID, domain.CallStatusActive, TransitionFields{Answer: "answer", AnsweredBy: "tab-1"})
	require.NoError(t, err)
	require.NotNil(t, active.AnsweredAt)

	f.clock.Advance(5 * time.Second)
	again, err := f.store.Transition(ctx, call.ID, domain.CallStatusActive, TransitionFields{Answer: "other", AnsweredBy: "tab-2"})

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, again.Status)
	assert.Equal(t, *active.AnsweredAt, *again.AnsweredAt)
	assert.Equal(t, active.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, "tab-1", again.AnsweredBy)
	assert.Equal(t, 0, again.DurationSeconds)
	assert.Equal(t, 1, f.repo.Updates())
}

func TestTransition_RejectsUnearnedAnsweredAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.store.CreateCall(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)
	claimed := f.clock.Now()

	_, err = f.store.Transition(ctx, call.ID, domain.CallStatusEnded, TransitionFields{AnsweredAt: &claimed})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidTransition))

	_, err = f.store.Transition(ctx, call.ID, domain.CallStatusCancelled, TransitionFields{AnsweredAt: &claimed})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidTransition))

	stored, err := f.store.Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, stored.Status)
	assert.Nil(t, stored.AnsweredAt)

	active, err := f.store.Transition(ctx, call.ID, domain.CallStatusActive, TransitionFields{AnsweredAt: &claimed})
	require.NoError(t, err)
	assert.NotNil(t, active.AnsweredAt)
}

func TestTransition_EndWithoutAnswerIsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.store.CreateCall(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)

	_, err = f.store.Transition(ctx, call.ID, domain.CallStatusEnded, TransitionFields{})

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidTransition))
	assert.Equal(t, 1.0, counterValue(t, f.metrics, "call_transitions_total"))
}

func TestTransition_UnknownCall(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Transition(context.Background(), uuid.New(), domain.CallStatusActive, TransitionFields{})

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeCallNotFound))
}

func TestTransition_HappyPathDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.store.CreateCall(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)

	f.clock.Advance(4 * time.Second)
	_, err = f.store.Transition(ctx, call.ID, domain.CallStatusActive, TransitionFields{Answer: "a"})
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	ended, err := f.store.Transition(ctx, call.ID, domain.CallStatusEnded, TransitionFields{Reason: domain.EndReasonHangup})

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Equal(t, 30, ended.DurationSeconds)
	assert.Equal(t, domain.EndReasonHangup, ended.EndReason)
	require.NotNil(t, ended.EndedAt)
}

func TestTransition_UnansweredTerminalHasZeroDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.store.CreateCall(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)

	f.clock.Advance(45 * time.Second)
	missed, err := f.store.Transition(ctx, call.ID, domain.CallStatusMissed, TransitionFields{})

	require.NoError(t, err)
	assert.Equal(t, 0, missed.DurationSeconds)
	assert.Equal(t, domain.EndReasonTimeout, missed.EndReason)
	assert.Nil(t, missed.AnsweredAt)
	require.NotNil(t, missed.EndedAt)
}

func TestTransition_SingleTerminalWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.store.CreateCall(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, call.ID, domain.CallStatusActive, TransitionFields{})
	require.NoError(t, err)
	f.clock.Advance(10 * time.Second)

	reasons := []domain.EndReason{
		domain.EndReasonHangup,
		domain.EndReasonTransportInterrupted,
		domain.EndReasonHangup,
		domain.EndReasonTransportInterrupted,
	}
	results := make([]*domain.CallRecord, len(reasons))
	var wg sync.WaitGroup
	for i, reason := range reasons {
		wg.Add(1)
		go func(i int, reason domain.EndReason) {
			defer wg.Done()
			rec, err := f.store.Transition(ctx, call.ID, domain.CallStatusEnded, TransitionFields{Reason: reason})
			assert.NoError(t, err)
			results[i] = rec
		}(i, reason)
	}
	wg.Wait()

	// one for active, one for ended
	assert.Equal(t, 2, f.repo.Updates())
	for _, rec := range results {
		require.NotNil(t, rec)
		assert.Equal(t, domain.CallStatusEnded, rec.Status)
		assert.Equal(t, *results[0].EndedAt, *rec.EndedAt)
		assert.Equal(t, results[0].EndReason, rec.EndReason)
	}
}

// racingRepository lets another writer commit between the store's read and its write
type racingRepository struct {
	*memory.CallRepository
	once   sync.Once
	before func()
}

func (r *racingRepository) Update(ctx context.Context, call *domain.CallRecord, expected time.Time) (bool, error) {
	r.once.Do(r.before)
	return r.CallRepository.Update(ctx, call, expected)
}

func TestTransition_LostRaceIsReevaluated(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := memory.NewCallRepository()
	m := metrics.NewMetrics("callstore-test")
	rooms := memory.NewRoomBroker(time.Hour, clock)
	repo := &racingRepository{CallRepository: inner}
	store := NewStore(repo, nil, rooms, clock, m)
	other := NewStore(inner, nil, rooms, clock, nil)
	ctx := context.Background()

	call, err := store.CreateCall(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)

	// the receiver's accept lands while the caller's cancel is in flight
	repo.before = func() {
		_, err := other.Transition(ctx, call.ID, domain.CallStatusActive, TransitionFields{AnsweredBy: "receiver-tab"})
		require.NoError(t, err)
	}

	result, err := store.Transition(ctx, call.ID, domain.CallStatusCancelled, TransitionFields{})

	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, result.Status)
	assert.Equal(t, "receiver-tab", result.AnsweredBy)
	assert.Nil(t, result.EndedAt)
	assert.Equal(t, 1.0, counterValue(t, m, "call_stale_writes_total"))
}

func TestTransition_UpdatedAtIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.store.CreateCall(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)

	// the clock does not move between writes
	offered, err := f.store.AttachOffer(ctx, call.ID, "offer")
	require.NoError(t, err)
	active, err := f.store.Transition(ctx, call.ID, domain.CallStatusActive, TransitionFields{})
	require.NoError(t, err)

	assert.True(t, offered.UpdatedAt.After(call.UpdatedAt))
	assert.True(t, active.UpdatedAt.After(offered.UpdatedAt))
}

func TestFindRingingAndJoinURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	receiverID := uuid.New()

	ringing, err := f.store.CreateCall(ctx, uuid.New(), receiverID)
	require.NoError(t, err)
	cancelled, err := f.store.CreateCall(ctx, uuid.New(), receiverID)
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, cancelled.ID, domain.CallStatusCancelled, TransitionFields{})
	require.NoError(t, err)

	calls, err := f.store.FindRinging(ctx, receiverID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, ringing.ID, calls[0].ID)

	url, err := f.store.JoinURL(ctx, ringing)
	require.NoError(t, err)
	assert.Contains(t, url, ringing.RoomID)
}

func TestCheckActor(t *testing.T) {
	call := &domain.CallRecord{CallerID: uuid.New(), ReceiverID: uuid.New()}

	assert.NoError(t, CheckActor(call, call.ReceiverID, domain.CallStatusActive))
	assert.NoError(t, CheckActor(call, call.ReceiverID, domain.CallStatusRejected))
	assert.NoError(t, CheckActor(call, call.CallerID, domain.CallStatusCancelled))
	assert.NoError(t, CheckActor(call, call.CallerID, domain.CallStatusEnded))
	assert.NoError(t, CheckActor(call, call.ReceiverID, domain.CallStatusEnded))

	assert.True(t, apperrors.Is(CheckActor(call, call.CallerID, domain.CallStatusActive), apperrors.ErrCodeForbidden))
	assert.True(t, apperrors.Is(CheckActor(call, call.ReceiverID, domain.CallStatusCancelled), apperrors.ErrCodeForbidden))
	assert.True(t, apperrors.Is(CheckActor(call, uuid.New(), domain.CallStatusEnded), apperrors.ErrCodeForbidden))
	assert.True(t, apperrors.Is(CheckActor(call, call.CallerID, domain.CallStatusRinging), apperrors.ErrCodeValidation))
}
