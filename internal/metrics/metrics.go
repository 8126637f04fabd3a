// Package metrics holds the Prometheus instruments of the control plane.
// All collectors are registered on a package-owned registry so exposition
// stays opt-in: cmd/server mounts Handler() only when debug routes are
// enabled, and the instruments keep counting either way.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// ActiveAgentConnections tracks live agent channels in the registry.
	ActiveAgentConnections = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "taskwire_active_agent_connections",
		Help: "Number of currently connected agent channels.",
	})

	// TasksDeadLettered counts tasks published to the dead-letter topic
	// after the assigner exhausted its delivery attempts.
	TasksDeadLettered = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "taskwire_tasks_dead_lettered_total",
		Help: "Total number of tasks moved to the dead-letter topic.",
	})

	// TasksAssigned counts successful envelope deliveries to agents.
	TasksAssigned = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "taskwire_tasks_assigned_total",
		Help: "Total number of tasks delivered to an agent channel.",
	})

	// AgentFrames counts frames received from agents by frame type.
	AgentFrames = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "taskwire_agent_frames_total",
		Help: "Total number of frames received on agent channels by type.",
	}, []string{"type"})

	// WebhookDeliveries counts webhook delivery attempts by final outcome.
	WebhookDeliveries = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "taskwire_webhook_deliveries_total",
		Help: "Total number of webhook deliveries by outcome.",
	}, []string{"outcome"})

	// NotificationsDropped counts notifications discarded because a
	// subscriber's buffer was full or the fan-out queue overflowed.
	NotificationsDropped = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "taskwire_notifications_dropped_total",
		Help: "Total number of notifications dropped due to slow or dead subscribers.",
	})

	// RateLimitedRequests counts requests rejected by the per-IP limiter.
	RateLimitedRequests = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "taskwire_rate_limited_requests_total",
		Help: "Total number of HTTP requests rejected by the rate limiter.",
	})
)

// Handler serves the package registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
