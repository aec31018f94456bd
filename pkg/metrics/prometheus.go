package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec

	// Call Record Store Metrics
	callsCreatedTotal    prometheus.Counter
	transitionsTotal     *prometheus.CounterVec
	staleWritesTotal     prometheus.Counter
	roomUnavailableTotal prometheus.Counter
	writeRetriesTotal    *prometheus.CounterVec
	callDuration         prometheus.Histogram

	// Signaling Metrics
	staleEventsTotal     prometheus.Counter
	duplicateEventsTotal prometheus.Counter
	mediaFailuresTotal   *prometheus.CounterVec
	transportLossTotal   prometheus.Counter
	watchdogFiredTotal   prometheus.Counter
	deliveryGapsTotal    prometheus.Counter
	localSessionsActive  prometheus.Gauge
	incomingShownTotal   prometheus.Counter
}

// NewMetrics creates all metrics on a dedicated registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "Current number of HTTP requests being served",
			ConstLabels: labels,
		}),

		websocketConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "websocket_connections",
			Help:        "Current number of realtime WebSocket connections",
			ConstLabels: labels,
		}),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),

		callsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "calls_created_total",
			Help:        "Total number of call records inserted",
			ConstLabels: labels,
		}),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_transitions_total",
				Help:        "Call status transitions by target status and outcome (applied, noop, invalid)",
				ConstLabels: labels,
			},
			[]string{"target", "outcome"},
		),
		staleWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "call_stale_writes_total",
			Help:        "Writes that lost a compare-and-set race and were re-evaluated",
			ConstLabels: labels,
		}),
		roomUnavailableTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "call_room_unavailable_total",
			Help:        "Room allocations that failed",
			ConstLabels: labels,
		}),
		writeRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_write_retries_total",
				Help:        "Retried call record writes by operation",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "call_duration_seconds",
			Help:        "Duration of answered calls",
			ConstLabels: labels,
			Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		staleEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "call_stale_events_total",
			Help:        "Row-change events ignored because a newer updated_at was already seen",
			ConstLabels: labels,
		}),
		duplicateEventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "call_duplicate_events_total",
			Help:        "Row-change events delivered more than once",
			ConstLabels: labels,
		}),
		mediaFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "call_media_failures_total",
				Help:        "Media session setup failures by cause",
				ConstLabels: labels,
			},
			[]string{"cause"},
		),
		transportLossTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "call_transport_interrupted_total",
			Help:        "Active calls ended by a failed or closed media transport",
			ConstLabels: labels,
		}),
		watchdogFiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "call_ring_watchdog_fired_total",
			Help:        "Ringing calls marked missed by the receiver-side watchdog",
			ConstLabels: labels,
		}),
		deliveryGapsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "call_delivery_gaps_total",
			Help:        "Ringing calls recovered by the reconciliation query",
			ConstLabels: labels,
		}),
		localSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "call_local_sessions_active",
			Help:        "Local call sessions currently holding media resources",
			ConstLabels: labels,
		}),
		incomingShownTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "call_incoming_notifications_total",
			Help:        "Incoming call notifications presented",
			ConstLabels: labels,
		}),
	}

	return m
}

// GetRegistry returns the registry backing the /metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// HTTP Metrics Methods

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m == nil {
		return
	}
	m.httpRequestsInFlight.Dec()
}

// WebSocket Metrics Methods

// AddWebSocketConnections moves the realtime connection gauge by delta
func (m *Metrics) AddWebSocketConnections(delta int) {
	if m == nil {
		return
	}
	m.websocketConnections.Add(float64(delta))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m == nil {
		return
	}
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// Call Record Store Methods

// RecordCallCreated counts an inserted call record
func (m *Metrics) RecordCallCreated() {
	if m == nil {
		return
	}
	m.callsCreatedTotal.Inc()
}

// RecordTransition counts a transition request by target and outcome
func (m *Metrics) RecordTransition(target, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(target, outcome).Inc()
}

// RecordStaleWrite counts a lost compare-and-set
func (m *Metrics) RecordStaleWrite() {
	if m == nil {
		return
	}
	m.staleWritesTotal.Inc()
}

// RecordRoomUnavailable counts a failed room allocation
func (m *Metrics) RecordRoomUnavailable() {
	if m == nil {
		return
	}
	m.roomUnavailableTotal.Inc()
}

// RecordWriteRetry counts a retried write
func (m *Metrics) RecordWriteRetry(operation string) {
	if m == nil {
		return
	}
	m.writeRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordCallDuration observes the talk time of a finished call
func (m *Metrics) RecordCallDuration(seconds int) {
	if m == nil {
		return
	}
	m.callDuration.Observe(float64(seconds))
}

// Signaling Methods

// RecordStaleEvent counts an out-of-order row-change that was ignored
func (m *Metrics) RecordStaleEvent() {
	if m == nil {
		return
	}
	m.staleEventsTotal.Inc()
}

// RecordDuplicateEvent counts a re-delivered row-change
func (m *Metrics) RecordDuplicateEvent() {
	if m == nil {
		return
	}
	m.duplicateEventsTotal.Inc()
}

// RecordMediaFailure counts a media setup failure by cause
func (m *Metrics) RecordMediaFailure(cause string) {
	if m == nil {
		return
	}
	m.mediaFailuresTotal.WithLabelValues(cause).Inc()
}

// RecordTransportInterrupted counts an active call lost to the transport
func (m *Metrics) RecordTransportInterrupted() {
	if m == nil {
		return
	}
	m.transportLossTotal.Inc()
}

// RecordWatchdogFired counts a missed call
func (m *Metrics) RecordWatchdogFired() {
	if m == nil {
		return
	}
	m.watchdogFiredTotal.Inc()
}

// RecordDeliveryGap counts calls recovered by resync
func (m *Metrics) RecordDeliveryGap(count int) {
	if m == nil {
		return
	}
	m.deliveryGapsTotal.Add(float64(count))
}

// AddLocalSessions moves the local session gauge by delta
func (m *Metrics) AddLocalSessions(delta int) {
	if m == nil {
		return
	}
	m.localSessionsActive.Add(float64(delta))
}

// RecordIncomingShown counts a presented incoming-call notification
func (m *Metrics) RecordIncomingShown() {
	if m == nil {
		return
	}
	m.incomingShownTotal.Inc()
}
