package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/types"
)

// startHub runs a hub whose Run loop stops with the test.
func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub, cancel
}

// startServer exposes the hub the way the API does, with the authenticated
// user ID arriving out of band — here a query parameter stands in for the
// access-token claims.
func startServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
		if err != nil {
			http.Error(w, "bad user id", http.StatusBadRequest)
			return
		}
		client, err := NewClient(hub, w, r, userID, zap.NewNop())
		if err != nil {
			return
		}
		client.Run()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user_id=" + userID.String()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitConnected(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ConnectedCount() == n },
		2*time.Second, 10*time.Millisecond)
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func TestPublishReachesConnectedUser(t *testing.T) {
	hub, _ := startHub(t)
	srv := startServer(t, hub)

	userID := uuid.New()
	ws := dial(t, srv, userID)
	waitConnected(t, hub, 1)

	taskID := uuid.New()
	hub.Publish(events.Event{
		Type:      types.EventTaskCompleted,
		UserID:    userID,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"title": "collect uptime"},
	})

	env := readEnvelope(t, ws)
	assert.Equal(t, types.EventTaskCompleted, env.Type)
	assert.Equal(t, "collect uptime", env.Data["title"])
	assert.Equal(t, taskID.String(), env.Data["task_id"])
	assert.False(t, env.Timestamp.IsZero())
}

func TestPublishIsScopedToAddressedUser(t *testing.T) {
	hub, _ := startHub(t)
	srv := startServer(t, hub)

	alice, bob := uuid.New(), uuid.New()
	aliceWS := dial(t, srv, alice)
	bobWS := dial(t, srv, bob)
	waitConnected(t, hub, 2)

	hub.Publish(events.Event{Type: types.EventTaskFailed, UserID: alice, Timestamp: time.Now()})
	hub.Publish(events.Event{Type: types.EventDeviceOnline, UserID: bob, Timestamp: time.Now()})

	// The first frame on each socket must be that user's own event — if the
	// hub leaked across users, bob's first frame would be the task failure.
	assert.Equal(t, types.EventTaskFailed, readEnvelope(t, aliceWS).Type)
	assert.Equal(t, types.EventDeviceOnline, readEnvelope(t, bobWS).Type)
}

func TestPublishDoesNotMutateEventData(t *testing.T) {
	hub, _ := startHub(t)

	userID := uuid.New()
	c := &Client{hub: hub, send: make(chan Envelope, 1), userID: userID, logger: zap.NewNop()}
	hub.Subscribe(c)
	waitConnected(t, hub, 1)

	data := map[string]any{"title": "nightly check"}
	hub.Publish(events.Event{
		Type:    types.EventTaskAssigned,
		UserID:  userID,
		TaskID:  uuid.New(),
		AgentID: uuid.New(),
		Data:    data,
	})

	env := <-c.send
	assert.Contains(t, env.Data, "task_id")
	assert.Contains(t, env.Data, "agent_id")
	// The event's own map is shared with other fan-out surfaces.
	assert.NotContains(t, data, "task_id")
	assert.NotContains(t, data, "agent_id")
}

func TestSlowClientIsDropped(t *testing.T) {
	hub, _ := startHub(t)

	userID := uuid.New()
	// Unbuffered send with no pump draining it: the first publish already
	// finds the client unable to keep up.
	c := &Client{hub: hub, send: make(chan Envelope), userID: userID, logger: zap.NewNop()}
	hub.Subscribe(c)
	waitConnected(t, hub, 1)

	hub.Publish(events.Event{Type: types.EventTaskCompleted, UserID: userID})

	waitConnected(t, hub, 0)
}

func TestShutdownClosesClients(t *testing.T) {
	hub, cancel := startHub(t)
	srv := startServer(t, hub)

	ws := dial(t, srv, uuid.New())
	waitConnected(t, hub, 1)

	cancel()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived),
		"expected a close frame, got %v", err)
	assert.Equal(t, 0, hub.ConnectedCount())
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub, _ := startHub(t)
	srv := startServer(t, hub)

	ws := dial(t, srv, uuid.New())
	waitConnected(t, hub, 1)

	require.NoError(t, ws.Close())
	waitConnected(t, hub, 0)
}
