package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the chat room and its calls.
//
// Naming convention: namespace_subsystem_name
// - namespace: roomcall
// - subsystem: call, signaling, room (client) and websocket, room, bus, ratelimit (server)
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time, call length)

const namespace = "roomcall"

// --- Client side ---

var (
	// CallPhaseTransitions counts state machine transitions (CounterVec - cumulative)
	CallPhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "call",
		Name:      "phase_transitions_total",
		Help:      "Call state machine transitions",
	}, []string{"from", "to"})

	// CallsTotal counts finished calls by direction (outbound, inbound) and how they ended
	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "call",
		Name:      "calls_total",
		Help:      "Calls by direction and outcome",
	}, []string{"direction", "outcome"})

	// CallDuration tracks how long calls stayed connected (Histogram - distribution)
	CallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "call",
		Name:      "active_duration_seconds",
		Help:      "Time calls spent in the Active phase",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	// ICECandidates counts trickled candidates (direction: local, remote; result: sent, applied, buffered, dropped, failed)
	ICECandidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "call",
		Name:      "ice_candidates_total",
		Help:      "ICE candidates by direction and result",
	}, []string{"direction", "result"})

	// SignalingConnected is 1 while the signaling WebSocket is up
	SignalingConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "signaling",
		Name:      "connected",
		Help:      "Whether the signaling connection is currently established",
	})

	// SignalingReconnects counts reconnection attempts by result (success, failure)
	SignalingReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signaling",
		Name:      "reconnect_attempts_total",
		Help:      "Signaling reconnection attempts",
	}, []string{"result"})

	// SignalingInboundEvents counts dispatched inbound events (result: handled, unhandled, error)
	SignalingInboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signaling",
		Name:      "inbound_events_total",
		Help:      "Inbound signaling events by name and result",
	}, []string{"event", "result"})

	// RoomSystemMessages counts locally synthesized system messages
	RoomSystemMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "system_messages_total",
		Help:      "System messages written to the local log",
	})
)

// --- Server side ---

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks online participants in each room (GaugeVec with room_code label)
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of online participants in each room",
	}, []string{"room_code"})

	// WebsocketEvents tracks the total number of WebSocket events processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// CircuitBreakerState is 0 closed, 1 half-open, 2 open
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts operations rejected or failed behind the breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations that failed or were rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitRequests counts requests checked by the limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked by the rate limiter",
	}, []string{"scope"})

	// RateLimitExceeded counts requests rejected by the limiter
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests rejected by the rate limiter",
	}, []string{"scope"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}

// SetSignalingConnected flips the signaling gauge.
func SetSignalingConnected(up bool) {
	if up {
		SignalingConnected.Set(1)
		return
	}
	SignalingConnected.Set(0)
}
