package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegistered(t *testing.T) {
	// Vec collectors only appear in Gather output once a label set exists.
	AgentFrames.WithLabelValues("heartbeat")
	WebhookDeliveries.WithLabelValues("delivered")

	mfs, err := registry.Gather()
	require.NoError(t, err)

	expected := map[string]bool{
		"taskwire_active_agent_connections":    false,
		"taskwire_tasks_dead_lettered_total":   false,
		"taskwire_tasks_assigned_total":        false,
		"taskwire_agent_frames_total":          false,
		"taskwire_webhook_deliveries_total":    false,
		"taskwire_notifications_dropped_total": false,
		"taskwire_rate_limited_requests_total": false,
	}
	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "metric %q not registered", name)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	TasksDeadLettered.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "taskwire_tasks_dead_lettered_total")
}
