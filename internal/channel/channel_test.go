package channel

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/auth"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/presence"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/repositories/repotest"
	"github.com/taskwire-io/taskwire/internal/types"
)

// channelSecret is the signing secret bound to kid "k1" in the fixture key
// set; result envelopes in tests sign with it the way an agent would.
const channelSecret = "channel-secret"

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(typ types.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	manager  *auth.TokenManager
	registry *registry.Registry
	presence *presence.MemoryStore
	agents   *repotest.AgentRepo
	tasks    *repotest.TaskRepo
	events   *eventRecorder
	srv      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	keys, err := auth.ParseKeySet(`{"active_kid": "k1", "keys": {"k1": "` + channelSecret + `"}}`)
	require.NoError(t, err)
	manager, err := auth.NewTokenManager([]byte("0123456789abcdef0123456789abcdef"), keys, "taskwire-test")
	require.NoError(t, err)

	f := &fixture{
		manager:  manager,
		registry: registry.New(zap.NewNop()),
		presence: presence.NewMemory(zap.NewNop()),
		agents:   repotest.NewAgentRepo(),
		tasks:    repotest.NewTaskRepo(),
		events:   &eventRecorder{},
	}
	h := NewHandler(manager, f.registry, f.presence, f.agents, f.tasks, f.events, zap.NewNop())
	f.srv = httptest.NewServer(h)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) addAgent(t *testing.T) *db.Agent {
	t.Helper()
	agent := &db.Agent{
		OwnerID:      uuid.New(),
		Name:         "build box",
		Platform:     "linux",
		Capabilities: `{"shell": "true"}`,
		Status:       string(types.AgentStatusOffline),
	}
	require.NoError(t, f.agents.Create(context.Background(), agent))
	return agent
}

func (f *fixture) addTask(t *testing.T, agent *db.Agent, status types.TaskStatus) *db.Task {
	t.Helper()
	task := &db.Task{
		OwnerID: agent.OwnerID,
		AgentID: agent.ID,
		Title:   "uptime check",
		Status:  string(status),
	}
	require.NoError(t, task.SetPayload(db.TaskPayload{
		Actions: []protocol.Action{
			{ActionID: "a1", Type: protocol.ActionShell, Params: map[string]string{"command": "uptime"}},
		},
	}))
	require.NoError(t, f.tasks.Create(context.Background(), task))
	return task
}

func (f *fixture) agentToken(t *testing.T, agentID uuid.UUID) string {
	t.Helper()
	token, _, err := f.manager.GenerateAgentToken(agentID)
	require.NoError(t, err)
	return token
}

// dial opens a client connection against the handler. The upgrade succeeds
// even for doomed handshakes — rejection arrives as a close frame.
func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/agent" + query
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func (f *fixture) connect(t *testing.T, agent *db.Agent) *websocket.Conn {
	t.Helper()
	client := f.dial(t, "?token="+f.agentToken(t, agent.ID))
	require.Eventually(t, func() bool {
		_, ok := f.registry.Lookup(agent.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond, "channel never registered")
	return client
}

// expectClose reads until the peer closes and asserts the close code.
func expectClose(t *testing.T, client *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			require.True(t, websocket.IsCloseError(err, code),
				"expected close code %d, got %v", code, err)
			return
		}
	}
}

func (f *fixture) taskStatus(t *testing.T, id uuid.UUID) string {
	t.Helper()
	task, err := f.tasks.GetByID(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func signedResult(t *testing.T, taskID string, results []protocol.ActionResult, secret string) *protocol.ResultEnvelope {
	t.Helper()
	env := &protocol.ResultEnvelope{
		Type:    protocol.FrameTaskResult,
		TaskID:  taskID,
		Results: results,
	}
	require.NoError(t, env.Sign([]byte(secret)))
	return env
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	revoked := f.addAgent(t)
	require.NoError(t, f.agents.Revoke(ctx, revoked.ID))

	denied := f.addAgent(t)
	deniedToken, deniedJti, err := f.manager.GenerateAgentToken(denied.ID)
	require.NoError(t, err)
	require.NoError(t, f.presence.RegisterToken(ctx, denied.ID, deniedJti, time.Hour))
	require.NoError(t, f.presence.RevokeAgentTokens(ctx, denied.ID))

	cases := []struct {
		name  string
		query string
	}{
		{"missing token", ""},
		{"garbage token", "?token=not-a-jwt"},
		{"token for unknown agent", "?token=" + f.agentToken(t, uuid.New())},
		{"token for revoked agent", "?token=" + f.agentToken(t, revoked.ID)},
		{"revoked token", "?token=" + deniedToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := f.dial(t, tc.query)
			expectClose(t, client, protocol.CloseUnauthorized)
		})
	}

	assert.Equal(t, 0, f.registry.Len(), "rejected handshakes must not register")
	assert.Empty(t, f.events.ofType(types.EventDeviceOnline))
}

func TestChannelLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := f.addAgent(t)
	client := f.connect(t, agent)

	require.Eventually(t, func() bool {
		deliverable, err := f.presence.Deliverable(ctx, agent.ID)
		return err == nil && deliverable
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.agents.GetByID(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.AgentStatusOnline), got.Status)
	require.NotNil(t, got.LastSeenAt)

	online := f.events.ofType(types.EventDeviceOnline)
	require.Len(t, online, 1)
	assert.Equal(t, agent.OwnerID, online[0].UserID)
	assert.Equal(t, agent.ID, online[0].AgentID)

	// Orderly goodbye from the agent side.
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	require.NoError(t, client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		return f.registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "channel never deregistered")

	require.Eventually(t, func() bool {
		deliverable, err := f.presence.Deliverable(ctx, agent.ID)
		return err == nil && !deliverable
	}, 2*time.Second, 10*time.Millisecond, "presence never cleared")

	require.Eventually(t, func() bool {
		got, err := f.agents.GetByID(ctx, agent.ID)
		return err == nil && got.Status == string(types.AgentStatusOffline)
	}, 2*time.Second, 10*time.Millisecond, "agent row never demoted")

	assert.Len(t, f.events.ofType(types.EventDeviceOffline), 1)
}

func TestSupersededChannelKeepsAgentOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := f.addAgent(t)
	first := f.connect(t, agent)
	second := f.connect(t, agent)

	// The older channel is evicted with 4000; its teardown must not demote
	// the agent the replacement just brought online.
	expectClose(t, first, protocol.CloseSuperseded)

	require.Never(t, func() bool {
		deliverable, err := f.presence.Deliverable(ctx, agent.ID)
		return err != nil || !deliverable
	}, 500*time.Millisecond, 50*time.Millisecond, "supersede demoted a live agent")

	assert.Equal(t, 1, f.registry.Len())
	assert.Empty(t, f.events.ofType(types.EventDeviceOffline))
	assert.Len(t, f.events.ofType(types.EventDeviceOnline), 2)

	// The surviving channel still works.
	require.NoError(t, second.WriteJSON(&protocol.HeartbeatFrame{
		Type: protocol.FrameHeartbeat,
		TS:   time.Now().UTC(),
	}))
	require.Eventually(t, func() bool {
		got, err := f.agents.GetByID(ctx, agent.ID)
		return err == nil && got.Status == string(types.AgentStatusOnline)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatRefreshesAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := f.addAgent(t)
	client := f.connect(t, agent)

	var connectedAt time.Time
	require.Eventually(t, func() bool {
		got, err := f.agents.GetByID(ctx, agent.ID)
		if err != nil || got.LastSeenAt == nil {
			return false
		}
		connectedAt = *got.LastSeenAt
		return true
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.WriteJSON(&protocol.HeartbeatFrame{
		Type:         protocol.FrameHeartbeat,
		TS:           time.Now().UTC(),
		Capabilities: map[string]string{"shell": "true", "screenshot": "true"},
	}))

	require.Eventually(t, func() bool {
		got, err := f.agents.GetByID(ctx, agent.ID)
		return err == nil && got.LastSeenAt != nil && got.LastSeenAt.After(connectedAt)
	}, 2*time.Second, 10*time.Millisecond, "heartbeat never advanced last_seen_at")

	deliverable, err := f.presence.Deliverable(ctx, agent.ID)
	require.NoError(t, err)
	assert.True(t, deliverable)
}

func TestAckMovesTaskInProgress(t *testing.T) {
	f := newFixture(t)

	agent := f.addAgent(t)
	client := f.connect(t, agent)

	task := f.addTask(t, agent, types.TaskStatusAssigned)
	require.NoError(t, client.WriteJSON(&protocol.AckFrame{
		Type:   protocol.FrameTaskAck,
		TaskID: task.ID.String(),
	}))

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == string(types.TaskStatusInProgress)
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("stale ack on a finished task is dropped", func(t *testing.T) {
		done := f.addTask(t, agent, types.TaskStatusCompleted)
		require.NoError(t, client.WriteJSON(&protocol.AckFrame{
			Type:   protocol.FrameTaskAck,
			TaskID: done.ID.String(),
		}))

		// Prove the frame was consumed without effect: the next ack on a
		// fresh task still lands.
		next := f.addTask(t, agent, types.TaskStatusAssigned)
		require.NoError(t, client.WriteJSON(&protocol.AckFrame{
			Type:   protocol.FrameTaskAck,
			TaskID: next.ID.String(),
		}))
		require.Eventually(t, func() bool {
			return f.taskStatus(t, next.ID) == string(types.TaskStatusInProgress)
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, string(types.TaskStatusCompleted), f.taskStatus(t, done.ID))
	})
}

func TestSignedResultCompletesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := f.addAgent(t)
	client := f.connect(t, agent)

	task := f.addTask(t, agent, types.TaskStatusInProgress)
	env := signedResult(t, task.ID.String(), []protocol.ActionResult{
		{ActionID: "a1", Status: protocol.ResultStatusDone, Output: "up 3 days"},
	}, channelSecret)
	require.NoError(t, client.WriteJSON(env))

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == string(types.TaskStatusCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Result, "up 3 days")
	require.NotNil(t, got.CompletedAt)

	completed := f.events.ofType(types.EventTaskCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, task.ID, completed[0].TaskID)
	assert.Equal(t, agent.OwnerID, completed[0].UserID)
}

func TestFailedActionMarksTaskFailed(t *testing.T) {
	f := newFixture(t)

	agent := f.addAgent(t)
	client := f.connect(t, agent)

	task := f.addTask(t, agent, types.TaskStatusInProgress)
	env := signedResult(t, task.ID.String(), []protocol.ActionResult{
		{ActionID: "a1", Status: protocol.ResultStatusDone, Output: "ok"},
		{ActionID: "a2", Status: protocol.ResultStatusError, Error: "command not found"},
	}, channelSecret)
	require.NoError(t, client.WriteJSON(env))

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == string(types.TaskStatusFailed)
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, f.events.ofType(types.EventTaskFailed), 1)
	assert.Empty(t, f.events.ofType(types.EventTaskCompleted))
}

func TestTamperedResultIgnored(t *testing.T) {
	f := newFixture(t)

	agent := f.addAgent(t)
	client := f.connect(t, agent)

	task := f.addTask(t, agent, types.TaskStatusInProgress)
	forged := signedResult(t, task.ID.String(), []protocol.ActionResult{
		{ActionID: "a1", Status: protocol.ResultStatusDone, Output: "forged"},
	}, "wrong-secret")
	require.NoError(t, client.WriteJSON(forged))

	// A frame signed under the right key still lands afterwards, proving
	// the forgery neither completed the task nor killed the channel.
	genuine := signedResult(t, task.ID.String(), []protocol.ActionResult{
		{ActionID: "a1", Status: protocol.ResultStatusDone, Output: "genuine"},
	}, channelSecret)
	require.NoError(t, client.WriteJSON(genuine))

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == string(types.TaskStatusCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Result, "genuine")
	assert.NotContains(t, got.Result, "forged")
	assert.Len(t, f.events.ofType(types.EventTaskCompleted), 1)
}

func TestResultWithoutAckCompletesTask(t *testing.T) {
	f := newFixture(t)

	agent := f.addAgent(t)
	client := f.connect(t, agent)

	// The agent never sent task.ack: the result must step the task through
	// in_progress on its own.
	task := f.addTask(t, agent, types.TaskStatusAssigned)
	env := signedResult(t, task.ID.String(), []protocol.ActionResult{
		{ActionID: "a1", Status: protocol.ResultStatusDone, Output: "ok"},
	}, channelSecret)
	require.NoError(t, client.WriteJSON(env))

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == string(types.TaskStatusCompleted)
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, f.events.ofType(types.EventTaskCompleted), 1)
}

func TestLateResultOnCancelledTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := f.addAgent(t)
	client := f.connect(t, agent)

	task := f.addTask(t, agent, types.TaskStatusCancelled)
	env := signedResult(t, task.ID.String(), []protocol.ActionResult{
		{ActionID: "a1", Status: protocol.ResultStatusDone, Output: "finished anyway"},
	}, channelSecret)
	require.NoError(t, client.WriteJSON(env))

	require.Eventually(t, func() bool {
		got, err := f.tasks.GetByID(ctx, task.ID)
		return err == nil && strings.Contains(got.Result, "finished anyway")
	}, 2*time.Second, 10*time.Millisecond, "late result never recorded")

	assert.Equal(t, string(types.TaskStatusCancelled), f.taskStatus(t, task.ID))
	assert.Empty(t, f.events.ofType(types.EventTaskCompleted))
}

func TestDuplicateResultDropped(t *testing.T) {
	f := newFixture(t)

	agent := f.addAgent(t)
	client := f.connect(t, agent)

	task := f.addTask(t, agent, types.TaskStatusInProgress)
	first := signedResult(t, task.ID.String(), []protocol.ActionResult{
		{ActionID: "a1", Status: protocol.ResultStatusDone, Output: "first"},
	}, channelSecret)
	second := signedResult(t, task.ID.String(), []protocol.ActionResult{
		{ActionID: "a1", Status: protocol.ResultStatusError, Error: "second"},
	}, channelSecret)
	require.NoError(t, client.WriteJSON(first))
	require.NoError(t, client.WriteJSON(second))

	require.Eventually(t, func() bool {
		return f.taskStatus(t, task.ID) == string(types.TaskStatusCompleted)
	}, 2*time.Second, 10*time.Millisecond)

	got, err := f.tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Result, "first", "first result wins")
	assert.Len(t, f.events.ofType(types.EventTaskCompleted), 1)
	assert.Empty(t, f.events.ofType(types.EventTaskFailed))
}

func TestUnknownFrameTypeIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := f.addAgent(t)
	client := f.connect(t, agent)

	require.NoError(t, client.WriteMessage(websocket.TextMessage,
		[]byte(`{"type": "task.exec", "task_id": "echo"}`)))

	// The channel survives the invalid frame.
	require.NoError(t, client.WriteJSON(&protocol.HeartbeatFrame{
		Type: protocol.FrameHeartbeat,
		TS:   time.Now().UTC(),
	}))
	require.Eventually(t, func() bool {
		got, err := f.agents.GetByID(ctx, agent.ID)
		return err == nil && got.Status == string(types.AgentStatusOnline)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.registry.Len())
}

func TestMalformedFrameClosesChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agent := f.addAgent(t)
	client := f.connect(t, agent)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not json at all")))
	expectClose(t, client, websocket.CloseProtocolError)

	require.Eventually(t, func() bool {
		got, err := f.agents.GetByID(ctx, agent.ID)
		return err == nil && got.Status == string(types.AgentStatusOffline)
	}, 2*time.Second, 10*time.Millisecond, "agent never demoted after protocol violation")
	assert.Equal(t, 0, f.registry.Len())
}
