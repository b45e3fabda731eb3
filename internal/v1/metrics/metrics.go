// Package metrics declares the process's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Naming convention: meshsignal_<subsystem>_<name>.
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshsignal",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "Current number of live transport connections.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "meshsignal",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of non-empty rooms.",
	})

	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshsignal",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room.",
	}, []string{"room_id"})

	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshsignal",
		Subsystem: "router",
		Name:      "events_total",
		Help:      "Total inbound events dispatched, by event name and outcome.",
	}, []string{"event", "outcome"})

	EventProcessingSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "meshsignal",
		Subsystem: "router",
		Name:      "event_processing_seconds",
		Help:      "Time spent handling one inbound event.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	HostTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshsignal",
		Subsystem: "host",
		Name:      "transitions_total",
		Help:      "Host-election state transitions, by reason.",
	}, []string{"reason"})

	SessionCollisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshsignal",
		Subsystem: "session",
		Name:      "collisions_total",
		Help:      "Connections evicted by the session-collision resolver, by reason.",
	}, []string{"reason"})

	StaleSweepRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "meshsignal",
		Subsystem: "lifecycle",
		Name:      "stale_sweep_removed_total",
		Help:      "Participants removed by the periodic stale-connection sweep.",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "meshsignal",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshsignal",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Requests rejected by an open circuit breaker.",
	}, []string{"service"})

	RateLimitExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshsignal",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Requests that exceeded a rate limit, by scope.",
	}, []string{"scope"})
)

func IncConnection() { ActiveConnections.Inc() }
func DecConnection() { ActiveConnections.Dec() }
