package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicecall-backend/internal/domain"
	"voicecall-backend/internal/repository/memory"
	"voicecall-backend/internal/service/callstore"
)

const testOrigin = "http://localhost:3000"

type fixture struct {
	server *httptest.Server
	hub    *RealtimeHub
	feed   *memory.CallFeed
	store  *callstore.Store
}

func newFixture(t *testing.T, maxConnections int) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := clockwork.NewFakeClock()
	feed := memory.NewCallFeed()
	store := callstore.NewStore(memory.NewCallRepository(), feed, memory.NewRoomBroker(time.Hour, clock), clock, nil)
	hub := NewRealtimeHub(feed, store, []string{testOrigin}, maxConnections, nil)

	router := gin.New()
	router.GET("/v1/calls/ws/realtime", func(c *gin.Context) {
		if id, err := uuid.Parse(c.Query("user")); err == nil {
			c.Set("user_id", id)
		}
		c.Next()
	}, hub.ServeWS)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fixture{server: server, hub: hub, feed: feed, store: store}
}

func (f *fixture) dial(t *testing.T, user uuid.UUID, query string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/calls/ws/realtime?user=" + user.String() + query
	header := http.Header{}
	header.Set("Origin", origin)
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readChange(t *testing.T, conn *websocket.Conn) domain.RowChange {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var change domain.RowChange
	require.NoError(t, conn.ReadJSON(&change))
	return change
}

func TestRealtimeHub_FollowsOneCall(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	call, err := f.store.CreateCall(ctx, alice, bob)
	require.NoError(t, err)

	conn, _, err := f.dial(t, alice, "&call_id="+call.ID.String(), testOrigin)
	require.NoError(t, err)

	snapshot := readChange(t, conn)
	assert.Equal(t, call.ID, snapshot.Record.ID)
	assert.Equal(t, domain.CallStatusRinging, snapshot.Record.Status)

	_, err = f.store.Transition(ctx, call.ID, domain.CallStatusRejected, callstore.TransitionFields{})
	require.NoError(t, err)

	change := readChange(t, conn)
	assert.Equal(t, domain.RowEventUpdate, change.Type)
	assert.Equal(t, domain.CallStatusRejected, change.Record.Status)
	assert.Equal(t, domain.EndReasonDeclined, change.Record.EndReason)
}

func TestRealtimeHub_StreamsIncomingCalls(t *testing.T) {
	f := newFixture(t, 10)
	alice, bob := uuid.New(), uuid.New()

	conn, _, err := f.dial(t, bob, "", testOrigin)
	require.NoError(t, err)
	assert.Equal(t, 1, f.feed.Subscribers())

	call, err := f.store.CreateCall(context.Background(), alice, bob)
	require.NoError(t, err)

	change := readChange(t, conn)
	assert.Equal(t, domain.RowEventInsert, change.Type)
	assert.Equal(t, call.ID, change.Record.ID)

	// calls to someone else never arrive
	_, err = f.store.CreateCall(context.Background(), bob, alice)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var other domain.RowChange
	assert.Error(t, conn.ReadJSON(&other))
}

func TestRealtimeHub_RejectsOutsiders(t *testing.T) {
	f := newFixture(t, 10)
	call, err := f.store.CreateCall(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)

	_, resp, err := f.dial(t, uuid.New(), "&call_id="+call.ID.String(), testOrigin)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, f.feed.Subscribers())
}

func TestRealtimeHub_RejectsUnknownOrigin(t *testing.T) {
	f := newFixture(t, 10)

	_, resp, err := f.dial(t, uuid.New(), "", "http://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Eventually(t, func() bool { return f.feed.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.hub.Connections())
}

func TestRealtimeHub_CapacityAndRelease(t *testing.T) {
	f := newFixture(t, 1)
	bob := uuid.New()

	conn, _, err := f.dial(t, bob, "", testOrigin)
	require.NoError(t, err)

	_, resp, err := f.dial(t, bob, "", testOrigin)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return f.hub.Connections() == 0 && f.feed.Subscribers() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, _, err = f.dial(t, bob, "", testOrigin)
	assert.NoError(t, err)
}
