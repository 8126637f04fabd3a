package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/approval"
	"github.com/taskwire-io/taskwire/internal/broker"
	"github.com/taskwire-io/taskwire/internal/db"
	"github.com/taskwire-io/taskwire/internal/events"
	"github.com/taskwire-io/taskwire/internal/protocol"
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
	scheduler *Scheduler
	schedules *repotest.ScheduledTaskRepo
	tasks     *repotest.TaskRepo
	agents    *repotest.AgentRepo
	idem      *repotest.IdempotencyKeyRepo
	refresh   *repotest.RefreshTokenRepo
	broker    broker.Broker
	events    *eventRecorder
	created   chan broker.Message

	// now is the frozen clock every job reads through s.now.
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		schedules: repotest.NewScheduledTaskRepo(),
		tasks:     repotest.NewTaskRepo(),
		agents:    repotest.NewAgentRepo(),
		idem:      repotest.NewIdempotencyKeyRepo(),
		refresh:   repotest.NewRefreshTokenRepo(),
		broker:    broker.NewMemory(zap.NewNop()),
		events:    &eventRecorder{},
		created:   make(chan broker.Message, 8),
		now:       time.Date(2026, 3, 14, 12, 0, 30, 0, time.UTC),
	}

	approvals := approval.New(approval.Config{}, f.tasks, f.broker, f.events, zap.NewNop())
	s, err := New(f.schedules, f.tasks, f.agents, f.idem, f.refresh, approvals, f.broker, f.events, zap.NewNop())
	require.NoError(t, err)
	s.now = func() time.Time { return f.now }
	f.scheduler = s

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.broker.Subscribe(ctx, broker.TopicTaskCreated, "test", func(_ context.Context, msg broker.Message) error {
		f.created <- msg
		return nil
	}))
	return f
}

func (f *fixture) addAgent(t *testing.T, status types.AgentStatus, lastSeen time.Time) *db.Agent {
	t.Helper()
	agent := &db.Agent{
		OwnerID:  uuid.New(),
		Name:     "build-box",
		Platform: "linux",
		Status:   string(status),
	}
	if !lastSeen.IsZero() {
		agent.LastSeenAt = &lastSeen
	}
	require.NoError(t, f.agents.Create(context.Background(), agent))
	return agent
}

func (f *fixture) addSchedule(t *testing.T, ownerID, agentID uuid.UUID, actions []protocol.Action) *db.ScheduledTask {
	t.Helper()
	st := &db.ScheduledTask{
		OwnerID:  ownerID,
		AgentID:  agentID,
		Name:     "nightly health check",
		CronExpr: "*/5 * * * *",
		IsActive: true,
	}
	require.NoError(t, st.SetActions(actions))
	require.NoError(t, f.schedules.Create(context.Background(), st))
	return st
}

func noopActions() []protocol.Action {
	return []protocol.Action{
		{ActionID: "a1", Type: protocol.ActionNoop, Params: map[string]string{}},
	}
}

func (f *fixture) expectCreatedMessage(t *testing.T, taskID uuid.UUID) {
	t.Helper()
	select {
	case msg := <-f.created:
		tm, err := broker.ParseTaskMessage(msg.Value)
		require.NoError(t, err)
		assert.Equal(t, taskID, tm.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("task.created was never published")
	}
}

func (f *fixture) expectNoCreatedMessage(t *testing.T) {
	t.Helper()
	select {
	case msg := <-f.created:
		t.Fatalf("unexpected task.created message: %s", msg.Value)
	case <-time.After(100 * time.Millisecond):
	}
}

func (f *fixture) ownerTasks(t *testing.T, ownerID uuid.UUID) []db.Task {
	t.Helper()
	tasks, _, err := f.tasks.ListByOwner(context.Background(), ownerID, repositories.ListOptions{})
	require.NoError(t, err)
	return tasks
}

func TestRunDueMintsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agent := f.addAgent(t, types.AgentStatusOnline, f.now)
	st := f.addSchedule(t, agent.OwnerID, agent.ID, noopActions())

	f.scheduler.RunDue(ctx)

	tasks := f.ownerTasks(t, agent.OwnerID)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, string(types.TaskStatusQueued), task.Status)
	assert.Equal(t, st.Name, task.Title)
	assert.Equal(t, agent.ID, task.AgentID)

	payload, err := task.GetPayload()
	require.NoError(t, err)
	assert.Equal(t, st.ID.String(), payload.ScheduledTaskID)
	require.Len(t, payload.Actions, 1)
	assert.Equal(t, protocol.ActionNoop, payload.Actions[0].Type)
	assert.Equal(t, types.RiskLevelLow, payload.RiskAnalysis.Level)

	f.expectCreatedMessage(t, task.ID)

	stored, err := f.schedules.GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.RunCount)
	require.NotNil(t, stored.LastRunAt)
	assert.Equal(t, f.now, *stored.LastRunAt)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, time.Date(2026, 3, 14, 12, 5, 0, 0, time.UTC), *stored.NextRunAt)

	t.Run("second tick before the next slot is a no-op", func(t *testing.T) {
		f.scheduler.RunDue(ctx)

		assert.Len(t, f.ownerTasks(t, agent.OwnerID), 1)
		stored, err := f.schedules.GetByID(ctx, st.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.RunCount)
		f.expectNoCreatedMessage(t)
	})

	t.Run("next slot fires again", func(t *testing.T) {
		f.now = f.now.Add(5 * time.Minute)
		f.scheduler.RunDue(ctx)

		assert.Len(t, f.ownerTasks(t, agent.OwnerID), 2)
		stored, err := f.schedules.GetByID(ctx, st.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.RunCount)
	})
}

func TestRunDueSkipsInactiveAndFutureSchedules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agent := f.addAgent(t, types.AgentStatusOnline, f.now)

	paused := f.addSchedule(t, agent.OwnerID, agent.ID, noopActions())
	paused.IsActive = false
	require.NoError(t, f.schedules.Update(ctx, paused))

	future := f.addSchedule(t, agent.OwnerID, agent.ID, noopActions())
	later := f.now.Add(time.Hour)
	require.NoError(t, f.schedules.Reschedule(ctx, future.ID, later))

	f.scheduler.RunDue(ctx)

	assert.Empty(t, f.ownerTasks(t, agent.OwnerID))
	f.expectNoCreatedMessage(t)
}

func TestRunDueSkipsMissingAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	owner := uuid.New()
	st := f.addSchedule(t, owner, uuid.New(), noopActions())

	f.scheduler.RunDue(ctx)

	assert.Empty(t, f.ownerTasks(t, owner))
	f.expectNoCreatedMessage(t)

	// The slot is skipped, not retried: next_run_at moves to the future
	// without recording a run.
	stored, err := f.schedules.GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.RunCount)
	assert.Nil(t, stored.LastRunAt)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(f.now))
}

func TestRunDueSkipsRevokedAgent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agent := f.addAgent(t, types.AgentStatusOffline, time.Time{})
	require.NoError(t, f.agents.Revoke(ctx, agent.ID))
	st := f.addSchedule(t, agent.OwnerID, agent.ID, noopActions())

	f.scheduler.RunDue(ctx)

	assert.Empty(t, f.ownerTasks(t, agent.OwnerID))
	stored, err := f.schedules.GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.RunCount)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(f.now))
}

func TestRunDueBlocksScheduleAboveAutoRunThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agent := f.addAgent(t, types.AgentStatusOnline, f.now)
	st := f.addSchedule(t, agent.OwnerID, agent.ID, []protocol.Action{
		{ActionID: "a1", Type: protocol.ActionShell, Params: map[string]string{"command": "apt-get update"}},
	})

	f.scheduler.RunDue(ctx)

	// Nothing to approve it, so nothing is minted.
	assert.Empty(t, f.ownerTasks(t, agent.OwnerID))
	f.expectNoCreatedMessage(t)

	blocked := f.events.ofType(types.EventScheduledTaskBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, agent.OwnerID, blocked[0].UserID)
	assert.Equal(t, agent.ID, blocked[0].AgentID)
	assert.Equal(t, st.Name, blocked[0].Data["name"])
	assert.Equal(t, types.RiskLevelHigh, blocked[0].Data["level"])

	stored, err := f.schedules.GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.RunCount)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.After(f.now))
}

func TestRunDueDeactivatesCorruptCron(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agent := f.addAgent(t, types.AgentStatusOnline, f.now)
	st := f.addSchedule(t, agent.OwnerID, agent.ID, noopActions())
	st.CronExpr = "every day at noon"
	require.NoError(t, f.schedules.Update(ctx, st))

	f.scheduler.RunDue(ctx)

	assert.Empty(t, f.ownerTasks(t, agent.OwnerID))
	stored, err := f.schedules.GetByID(ctx, st.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	t.Run("parked row is not listed again", func(t *testing.T) {
		f.scheduler.RunDue(ctx)
		assert.Empty(t, f.ownerTasks(t, agent.OwnerID))
	})
}

func TestMarkStaleAgents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	quietSince := f.now.Add(-10 * time.Minute)
	quiet := f.addAgent(t, types.AgentStatusOnline, quietSince)
	fresh := f.addAgent(t, types.AgentStatusOnline, f.now.Add(-time.Minute))
	offline := f.addAgent(t, types.AgentStatusOffline, quietSince)

	f.scheduler.MarkStaleAgents(ctx)

	got, err := f.agents.GetByID(ctx, quiet.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.AgentStatusStale), got.Status)
	// Demotion keeps the real last-heartbeat time.
	require.NotNil(t, got.LastSeenAt)
	assert.Equal(t, quietSince, *got.LastSeenAt)

	got, err = f.agents.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.AgentStatusOnline), got.Status)

	got, err = f.agents.GetByID(ctx, offline.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.AgentStatusOffline), got.Status)
}

func TestMaintainSweepsExpiredRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := uuid.New()

	oldKey := &db.IdempotencyKey{
		UserID:   userID,
		Endpoint: "POST /api/v1/tasks",
		Key:      "old",
	}
	oldKey.CreatedAt = f.now.Add(-49 * time.Hour)
	require.NoError(t, f.idem.Create(ctx, oldKey))

	freshKey := &db.IdempotencyKey{
		UserID:   userID,
		Endpoint: "POST /api/v1/tasks",
		Key:      "fresh",
	}
	freshKey.CreatedAt = f.now.Add(-time.Hour)
	require.NoError(t, f.idem.Create(ctx, freshKey))

	require.NoError(t, f.refresh.Create(ctx, &db.RefreshToken{
		UserID:    userID,
		TokenHash: "expired",
		ExpiresAt: f.now.Add(-time.Hour),
	}))
	require.NoError(t, f.refresh.Create(ctx, &db.RefreshToken{
		UserID:    userID,
		TokenHash: "live",
		ExpiresAt: f.now.Add(24 * time.Hour),
	}))

	f.scheduler.Maintain(ctx)

	_, err := f.idem.Get(ctx, userID, oldKey.Endpoint, "old")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	_, err = f.idem.Get(ctx, userID, freshKey.Endpoint, "fresh")
	assert.NoError(t, err)

	_, err = f.refresh.GetByHash(ctx, "expired")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	_, err = f.refresh.GetByHash(ctx, "live")
	assert.NoError(t, err)
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.scheduler.Start())
	require.NoError(t, f.scheduler.Stop())
}
