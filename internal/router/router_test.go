package router

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
	"github.com/taskwire-io/taskwire/internal/protocol"
	"github.com/taskwire-io/taskwire/internal/registry"
	"github.com/taskwire-io/taskwire/internal/registry/registrytest"
	"github.com/taskwire-io/taskwire/internal/repositories"
	"github.com/taskwire-io/taskwire/internal/repositories/repotest"
	"github.com/taskwire-io/taskwire/internal/types"
)

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
	router   *Router
	tasks    *repotest.TaskRepo
	agents   *repotest.AgentRepo
	broker   broker.Broker
	events   *eventRecorder
	registry *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tasks:    repotest.NewTaskRepo(),
		agents:   repotest.NewAgentRepo(),
		broker:   broker.NewMemory(zap.NewNop()),
		events:   &eventRecorder{},
		registry: registry.New(zap.NewNop()),
	}
	f.router = New(f.tasks, f.agents, f.broker, f.events, f.registry, zap.NewNop())
	return f
}

func (f *fixture) enrollAgent(t *testing.T, ownerID uuid.UUID) *db.Agent {
	t.Helper()
	agent := &db.Agent{OwnerID: ownerID, Name: "workstation", Status: string(types.AgentStatusOffline)}
	require.NoError(t, f.agents.Create(context.Background(), agent))
	return agent
}

func lowRiskActions() []protocol.Action {
	return []protocol.Action{
		{Type: protocol.ActionScreenshot, Params: map[string]string{}},
	}
}

func TestCreateTaskQueuesLowRisk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ownerID := uuid.New()
	agent := f.enrollAgent(t, ownerID)

	published := make(chan broker.Message, 1)
	require.NoError(t, f.broker.Subscribe(ctx, broker.TopicTaskCreated, "test", func(_ context.Context, msg broker.Message) error {
		published <- msg
		return nil
	}))

	task, err := f.router.CreateTask(ctx, CreateTaskInput{
		OwnerID: ownerID,
		AgentID: agent.ID,
		Title:   "take a screenshot",
		Actions: lowRiskActions(),
	})
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusQueued), task.Status)

	select {
	case msg := <-published:
		parsed, err := broker.ParseTaskMessage(msg.Value)
		require.NoError(t, err)
		assert.Equal(t, task.ID, parsed.TaskID)
		assert.Equal(t, agent.ID, parsed.AgentID)
		assert.Equal(t, agent.ID.String(), msg.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("task.created never published")
	}

	payload, err := task.GetPayload()
	require.NoError(t, err)
	assert.Equal(t, types.RiskLevelLow, payload.RiskAnalysis.Level)
}

func TestCreateTaskParksHighRiskForApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ownerID := uuid.New()
	agent := f.enrollAgent(t, ownerID)

	task, err := f.router.CreateTask(ctx, CreateTaskInput{
		OwnerID: ownerID,
		AgentID: agent.ID,
		Title:   "clean old builds",
		Actions: []protocol.Action{
			{Type: protocol.ActionShell, Params: map[string]string{"command": "sudo rm /var/cache/builds"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusAwaitingConfirmation), task.Status)

	evs := f.events.all()
	require.Len(t, evs, 1)
	assert.Equal(t, types.EventApprovalNeeded, evs[0].Type)
	assert.Equal(t, task.ID, evs[0].TaskID)
	assert.Equal(t, ownerID, evs[0].UserID)
}

func TestCreateTaskBlocksCritical(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ownerID := uuid.New()
	agent := f.enrollAgent(t, ownerID)

	_, err := f.router.CreateTask(ctx, CreateTaskInput{
		OwnerID: ownerID,
		AgentID: agent.ID,
		Title:   "wipe",
		Actions: []protocol.Action{
			{Type: protocol.ActionShell, Params: map[string]string{"command": "rm -rf /"}},
		},
	})
	require.ErrorIs(t, err, ErrBlocked)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, types.RiskLevelCritical, blocked.Analysis.Level)
	assert.NotEmpty(t, blocked.Analysis.Reasons)

	// Blocked tasks are never persisted.
	tasks, total, err := f.tasks.ListByOwner(ctx, ownerID, repositories.ListOptions{Limit: 100})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, tasks)
}

func TestCreateTaskRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ownerID := uuid.New()
	agent := f.enrollAgent(t, ownerID)

	t.Run("empty actions", func(t *testing.T) {
		_, err := f.router.CreateTask(ctx, CreateTaskInput{OwnerID: ownerID, AgentID: agent.ID, Title: "x"})
		assert.ErrorIs(t, err, ErrInvalidActions)
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := f.router.CreateTask(ctx, CreateTaskInput{
			OwnerID: ownerID, AgentID: uuid.New(), Title: "x", Actions: lowRiskActions(),
		})
		assert.ErrorIs(t, err, ErrUnknownAgent)
	})

	t.Run("foreign agent looks unknown", func(t *testing.T) {
		other := f.enrollAgent(t, uuid.New())
		_, err := f.router.CreateTask(ctx, CreateTaskInput{
			OwnerID: ownerID, AgentID: other.ID, Title: "x", Actions: lowRiskActions(),
		})
		assert.ErrorIs(t, err, ErrUnknownAgent)
	})

	t.Run("revoked agent", func(t *testing.T) {
		revoked := f.enrollAgent(t, ownerID)
		require.NoError(t, f.agents.Revoke(ctx, revoked.ID))
		_, err := f.router.CreateTask(ctx, CreateTaskInput{
			OwnerID: ownerID, AgentID: revoked.ID, Title: "x", Actions: lowRiskActions(),
		})
		assert.ErrorIs(t, err, ErrAgentRevoked)
	})
}

func TestCancelAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ownerID := uuid.New()
	agent := f.enrollAgent(t, ownerID)

	task, err := f.router.CreateTask(ctx, CreateTaskInput{
		OwnerID: ownerID, AgentID: agent.ID, Title: "x", Actions: lowRiskActions(),
	})
	require.NoError(t, err)

	t.Run("stranger is forbidden", func(t *testing.T) {
		_, err := f.router.Cancel(ctx, task.ID, uuid.New(), false)
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("admin may cancel", func(t *testing.T) {
		got, err := f.router.Cancel(ctx, task.ID, uuid.New(), true)
		require.NoError(t, err)
		assert.Equal(t, string(types.TaskStatusCancelled), got.Status)
	})

	t.Run("terminal task conflicts", func(t *testing.T) {
		_, err := f.router.Cancel(ctx, task.ID, ownerID, false)
		assert.Error(t, err)
	})
}

func TestCancelPushesFrameToLiveChannel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ownerID := uuid.New()
	agent := f.enrollAgent(t, ownerID)

	conn, client := registrytest.Pair(t, agent.ID)
	f.registry.Register(conn)

	task, err := f.router.CreateTask(ctx, CreateTaskInput{
		OwnerID: ownerID, AgentID: agent.ID, Title: "x", Actions: lowRiskActions(),
	})
	require.NoError(t, err)
	require.NoError(t, f.tasks.UpdateStatus(ctx, task.ID, types.TaskStatusAssigned))

	_, err = f.router.Cancel(ctx, task.ID, ownerID, false)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, buf, err := client.ReadMessage()
	require.NoError(t, err)

	var frame protocol.CancelFrame
	require.NoError(t, json.Unmarshal(buf, &frame))
	assert.Equal(t, protocol.FrameTaskCancel, frame.Type)
	assert.Equal(t, task.ID.String(), frame.TaskID)

	evs := f.events.all()
	require.NotEmpty(t, evs)
	assert.Equal(t, types.EventTaskCancelled, evs[len(evs)-1].Type)
}

