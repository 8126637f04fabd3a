package assigner

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/broker"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/presence"
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/registry/registrytest"
	"github.com/taskwire-io/taskwire/internal/repositories/repotest"
	"github.com/taskwire-io/taskwire/internal/types"
)

type staticKeys map[string]string

func (k staticKeys) Secret(kid string) ([]byte, bool) {
	s, ok := k[kid]
	return []byte(s), ok
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type fixture struct {
	assigner *Assigner
	broker   broker.Broker
	registry *registry.Registry
	presence *presence.MemoryStore
	tasks    *repotest.TaskRepo
	events   *eventRecorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		broker:   broker.NewMemory(zap.NewNop()),
		registry: registry.New(zap.NewNop()),
		presence: presence.NewMemory(zap.NewNop()),
		tasks:    repotest.NewTaskRepo(),
		events:   &eventRecorder{},
	}
	f.assigner = New(cfg, f.broker, f.registry, f.presence, f.tasks,
		staticKeys{"k1": "channel-secret"}, f.events, zap.NewNop())
	return f
}

func (f *fixture) queueTask(t *testing.T, agentID uuid.UUID) *db.Task {
	t.Helper()
	task := &db.Task{
		OwnerID: uuid.New(),
		AgentID: agentID,
		Title:   "uptime check",
		Status:  string(types.TaskStatusQueued),
	}
	require.NoError(t, task.SetPayload(db.TaskPayload{
		Actions: []protocol.Action{
			{ActionID: "a1", Type: protocol.ActionShell, Params: map[string]string{"command": "uptime"}},
		},
	}))
	require.NoError(t, f.tasks.Create(context.Background(), task))
	return task
}

func TestAssignerDeliversSignedEnvelope(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, Config{Attempts: 3, RetryDelay: 10 * time.Millisecond})
	agentID := uuid.New()

	conn, client := registrytest.Pair(t, agentID)
	f.registry.Register(conn)
	require.NoError(t, f.presence.MarkOnline(ctx, agentID, presence.Meta{}))

	task := f.queueTask(t, agentID)

	assigned := make(chan broker.Message, 1)
	require.NoError(t, f.broker.Subscribe(ctx, broker.TopicTaskAssigned, "test", func(_ context.Context, msg broker.Message) error {
		assigned <- msg
		return nil
	}))
	require.NoError(t, f.assigner.Run(ctx))

	require.NoError(t, broker.PublishTask(ctx, f.broker, broker.TopicTaskCreated, broker.TaskMessage{
		TaskID: task.ID, AgentID: agentID,
	}))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, buf, err := client.ReadMessage()
	require.NoError(t, err)

	var env protocol.TaskEnvelope
	require.NoError(t, json.Unmarshal(buf, &env))
	assert.Equal(t, protocol.FrameTaskExec, env.Type)
	assert.Equal(t, task.ID.String(), env.TaskID)
	require.Len(t, env.Actions, 1)

	// The envelope is signed under the channel's own key.
	assert.True(t, env.Verify([]byte("channel-secret")))
	assert.False(t, env.Verify([]byte("some-other-secret")))

	got, err := f.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusAssigned), got.Status)

	select {
	case msg := <-assigned:
		parsed, err := broker.ParseTaskMessage(msg.Value)
		require.NoError(t, err)
		assert.Equal(t, task.ID, parsed.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("task.assigned never published")
	}

	require.Eventually(t, func() bool { return len(f.events.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.EventTaskAssigned, f.events.all()[0].Type)
}

func TestAssignerDeadLettersOfflineAgent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, Config{Attempts: 2, RetryDelay: 10 * time.Millisecond})
	agentID := uuid.New()
	task := f.queueTask(t, agentID)

	dlq := make(chan broker.Message, 1)
	require.NoError(t, f.broker.Subscribe(ctx, broker.TopicTaskDLQ, "test", func(_ context.Context, msg broker.Message) error {
		dlq <- msg
		return nil
	}))
	require.NoError(t, f.assigner.Run(ctx))

	require.NoError(t, broker.PublishTask(ctx, f.broker, broker.TopicTaskCreated, broker.TaskMessage{
		TaskID: task.ID, AgentID: agentID,
	}))

	select {
	case msg := <-dlq:
		parsed, err := broker.ParseTaskMessage(msg.Value)
		require.NoError(t, err)
		assert.Equal(t, task.ID, parsed.TaskID)
		assert.Equal(t, "agent offline", parsed.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("dead-letter never published")
	}

	// The task is parked, not lost: still queued for redrive.
	got, err := f.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusQueued), got.Status)
}

func TestAssignerDropsDuplicateDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, Config{Attempts: 1, RetryDelay: time.Millisecond})
	agentID := uuid.New()

	conn, client := registrytest.Pair(t, agentID)
	f.registry.Register(conn)
	require.NoError(t, f.presence.MarkOnline(ctx, agentID, presence.Meta{}))

	task := f.queueTask(t, agentID)
	// Some earlier delivery already claimed the task.
	require.NoError(t, f.tasks.UpdateStatus(ctx, task.ID, types.TaskStatusAssigned))

	require.NoError(t, f.assigner.Run(ctx))
	require.NoError(t, broker.PublishTask(ctx, f.broker, broker.TopicTaskCreated, broker.TaskMessage{
		TaskID: task.ID, AgentID: agentID,
	}))

	// The duplicate is dropped by the state guard: nothing reaches the wire.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := client.ReadMessage()
	assert.Error(t, err)

	assert.Empty(t, f.events.all())
}
