package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voicecall-backend/internal/domain"
	"voicecall-backend/pkg/constants"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/metrics"
	"voicecall-backend/pkg/response"
)

// Feed opens row-change subscriptions
type Feed interface {
	Subscribe(ctx context.Context, filter domain.RowFilter) (domain.Subscription, error)
}

// CallReader loads call records for the participant check
type CallReader interface {
	Get(ctx context.Context, callID uuid.UUID) (*domain.CallRecord, error)
}

// RealtimeHub streams call row changes to browser tabs over WebSocket. A
// connection either follows one call (call_id query) or every call addressed
// to the authenticated user.
type RealtimeHub struct {
	feed    Feed
	calls   CallReader
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	// Concurrency limit: maxConnections is the maximum number of concurrent WebSocket connections
	maxConnections int
	semaphore      chan struct{}

	mu      sync.Mutex
	clients map[*RealtimeClient]struct{}
}

// RealtimeClient is one browser tab connection
type RealtimeClient struct {
	hub    *RealtimeHub
	conn   *websocket.Conn
	sub    domain.Subscription
	userID uuid.UUID
	filter domain.RowFilter
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRealtimeHub creates a hub accepting connections from allowedOrigins
func NewRealtimeHub(feed Feed, calls CallReader, allowedOrigins []string, maxConnections int, m *metrics.Metrics) *RealtimeHub {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origins[origin] = true
	}

	return &RealtimeHub{
		feed:    feed,
		calls:   calls,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Reject empty origins - require explicit origin
				return origins[r.Header.Get("Origin")]
			},
		},
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
		clients:        make(map[*RealtimeClient]struct{}),
	}
}

// Connections returns the number of open connections
func (h *RealtimeHub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS handles WebSocket requests for the realtime call feed
// GET /v1/calls/ws/realtime[?call_id=]
func (h *RealtimeHub) ServeWS(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return
	}

	filter := domain.RowFilter{ReceiverID: userID}
	var snapshot *domain.CallRecord
	if callIDStr := c.Query("call_id"); callIDStr != "" {
		callID, err := uuid.Parse(callIDStr)
		if err != nil {
			response.ValidationError(c, "Invalid call_id")
			return
		}
		call, err := h.calls.Get(c.Request.Context(), callID)
		if err != nil {
			response.FromError(c, err)
			return
		}
		if !call.IsParticipant(userID) {
			response.Forbidden(c, "Not a participant of this call")
			return
		}
		filter = domain.RowFilter{CallID: callID}
		snapshot = call
	}

	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Server at capacity, please try again later")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.feed.Subscribe(ctx, filter)
	if err != nil {
		cancel()
		<-h.semaphore
		response.FromError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		_ = sub.Close()
		cancel()
		<-h.semaphore
		return
	}

	client := &RealtimeClient{
		hub:    h,
		conn:   conn,
		sub:    sub,
		userID: userID,
		filter: filter,
		ctx:    ctx,
		cancel: cancel,
	}
	h.register(client)

	go client.writePump(snapshot)
	go client.readPump()
}

func (h *RealtimeHub) register(client *RealtimeClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.metrics.AddWebSocketConnections(1)
}

func (h *RealtimeHub) unregister(client *RealtimeClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()
	if !ok {
		return
	}

	client.cancel()
	_ = client.sub.Close()
	h.metrics.AddWebSocketConnections(-1)
	<-h.semaphore
}

// readPump only keeps the connection alive; clients write through the HTTP API
func (c *RealtimeClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * constants.WebSocketPingInterval))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}
		c.hub.metrics.RecordWebSocketMessage("client", "inbound")
	}
}

// writePump forwards row changes, starting with the snapshot if there is one
func (c *RealtimeClient) writePump(snapshot *domain.CallRecord) {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	if snapshot != nil {
		if err := c.write(domain.RowChange{Type: domain.RowEventUpdate, Record: snapshot}); err != nil {
			return
		}
	}

	events := c.sub.Events()
	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case change, ok := <-events:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(change); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *RealtimeClient) write(change domain.RowChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		logger.Warn("Failed to marshal row change", zap.Error(err))
		return nil
	}

	c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	c.hub.metrics.RecordWebSocketMessage(string(change.Type), "outbound")
	return nil
}
