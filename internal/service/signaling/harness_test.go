package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"voicecall-backend/internal/repository/memory"
	"voicecall-backend/internal/service/callstore"
	"voicecall-backend/pkg/media/mediatest"
	"voicecall-backend/pkg/metrics"
	"voicecall-backend/pkg/resilience"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type world struct {
	store *callstore.Store
	repo  *memory.CallRepository
	feed  *memory.CallFeed
	rooms *memory.RoomBroker
	clock *clockwork.FakeClock
}

func newWorld(t *testing.T) *world {
	t.Helper()
	clock := clockwork.NewFakeClock()
	w := &world{
		repo:  memory.NewCallRepository(),
		feed:  memory.NewCallFeed(),
		rooms: memory.NewRoomBroker(time.Hour, clock),
		clock: clock,
	}
	w.store = callstore.NewStore(w.repo, w.feed, w.rooms, clock, nil)
	return w
}

type tab struct {
	user    uuid.UUID
	loop    *Loop
	agent   *Agent
	effects *Recorder
	media   *mediatest.Adapter
	metrics *metrics.Metrics
}

func (w *world) newTab(t *testing.T, user uuid.UUID, name string) *tab {
	return w.newTabWithClock(t, user, name, w.clock)
}

func (w *world) newTabWithClock(t *testing.T, user uuid.UUID, name string, clock clockwork.Clock) *tab {
	t.Helper()
	tb := &tab{
		user:    user,
		loop:    NewLoop(),
		effects: &Recorder{},
		media:   mediatest.NewAdapter(name),
		metrics: metrics.NewMetrics(name),
	}
	tb.agent = NewAgent(Deps{
		Self:      user,
		SessionID: name + "-" + uuid.NewString(),
		Loop:      tb.loop,
		Store:     w.store,
		Feed:      w.feed,
		Media:     tb.media,
		Effects:   tb.effects,
		Clock:     clock,
		Retrier:   resilience.NewRetrier(2, time.Millisecond, clockwork.NewRealClock(), tb.metrics),
		Metrics:   tb.metrics,
	})
	t.Cleanup(func() {
		_ = tb.agent.Close(context.Background())
		tb.loop.Close()
	})
	return tb
}

func (tb *tab) current(t *testing.T) *SessionInfo {
	t.Helper()
	info, err := tb.agent.Current(context.Background())
	require.NoError(t, err)
	return info
}

func (tb *tab) hasEffect(kind EffectKind) func() bool {
	return func() bool { return tb.effects.Count(kind) > 0 }
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
