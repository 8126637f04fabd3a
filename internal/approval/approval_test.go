package approval

import (
	"context"
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
	service *Service
	tasks   *repotest.TaskRepo
	broker  broker.Broker
	events  *eventRecorder
	created chan broker.Message
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		tasks:   repotest.NewTaskRepo(),
		broker:  broker.NewMemory(zap.NewNop()),
		events:  &eventRecorder{},
		created: make(chan broker.Message, 4),
	}
	f.service = New(cfg, f.tasks, f.broker, f.events, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.broker.Subscribe(ctx, broker.TopicTaskCreated, "test", func(_ context.Context, msg broker.Message) error {
		f.created <- msg
		return nil
	}))
	return f
}

func (f *fixture) addAwaiting(t *testing.T, ownerID uuid.UUID, createdAt time.Time) *db.Task {
	t.Helper()
	task := &db.Task{
		OwnerID: ownerID,
		AgentID: uuid.New(),
		Title:   "wipe scratch dir",
		Status:  string(types.TaskStatusAwaitingConfirmation),
	}
	task.CreatedAt = createdAt
	require.NoError(t, task.SetPayload(db.TaskPayload{
		Actions: []protocol.Action{
			{ActionID: "a1", Type: protocol.ActionFileDelete, Params: map[string]string{"path": "/tmp/scratch"}},
		},
	}))
	require.NoError(t, f.tasks.Create(context.Background(), task))
	return task
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

func TestApproveReleasesTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	owner := uuid.New()
	task := f.addAwaiting(t, owner, time.Time{})

	got, err := f.service.Approve(ctx, task.ID, owner, false)
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusQueued), got.Status)

	stored, err := f.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusQueued), stored.Status)

	f.expectCreatedMessage(t, task.ID)

	approved := f.events.ofType(types.EventTaskApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, owner, approved[0].UserID)
	assert.Equal(t, task.ID, approved[0].TaskID)

	t.Run("second approve conflicts", func(t *testing.T) {
		_, err := f.service.Approve(ctx, task.ID, owner, false)
		require.ErrorIs(t, err, repositories.ErrConflict)
	})
}

func TestApproveEnforcesOwnership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	owner := uuid.New()
	task := f.addAwaiting(t, owner, time.Time{})

	_, err := f.service.Approve(ctx, task.ID, uuid.New(), false)
	require.ErrorIs(t, err, ErrForbidden)

	stored, err := f.tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusAwaitingConfirmation), stored.Status,
		"a forbidden decision must not move the task")

	// Admins decide on anyone's behalf.
	got, err := f.service.Approve(ctx, task.ID, uuid.New(), true)
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusQueued), got.Status)
}

func TestApproveUnknownTask(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.service.Approve(context.Background(), uuid.New(), uuid.New(), false)
	require.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestApproveRequiresAwaitingState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	owner := uuid.New()
	task := f.addAwaiting(t, owner, time.Time{})
	require.NoError(t, f.tasks.UpdateStatus(ctx, task.ID, types.TaskStatusQueued))

	_, err := f.service.Approve(ctx, task.ID, owner, false)
	require.ErrorIs(t, err, repositories.ErrConflict)
}

func TestRejectCancelsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	owner := uuid.New()
	task := f.addAwaiting(t, owner, time.Time{})

	got, err := f.service.Reject(ctx, task.ID, owner, false)
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusCancelled), got.Status)

	rejected := f.events.ofType(types.EventTaskRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, task.ID, rejected[0].TaskID)

	// A rejected task never reaches the broker.
	select {
	case <-f.created:
		t.Fatal("reject published task.created")
	case <-time.After(100 * time.Millisecond):
	}

	t.Run("reject after reject conflicts", func(t *testing.T) {
		_, err := f.service.Reject(ctx, task.ID, owner, false)
		require.ErrorIs(t, err, repositories.ErrConflict)
	})
}

func TestSweepExpiredCancelsOldTasks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{TTL: time.Hour})

	owner := uuid.New()
	stale1 := f.addAwaiting(t, owner, time.Now().UTC().Add(-2*time.Hour))
	stale2 := f.addAwaiting(t, owner, time.Now().UTC().Add(-90*time.Minute))
	fresh := f.addAwaiting(t, owner, time.Now().UTC().Add(-10*time.Minute))

	n, err := f.service.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []uuid.UUID{stale1.ID, stale2.ID} {
		got, err := f.tasks.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, string(types.TaskStatusCancelled), got.Status)
	}
	got, err := f.tasks.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, string(types.TaskStatusAwaitingConfirmation), got.Status,
		"tasks inside the window must survive the sweep")

	auto := f.events.ofType(types.EventTaskAutoCancelled)
	require.Len(t, auto, 2)

	t.Run("second sweep finds nothing", func(t *testing.T) {
		n, err := f.service.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestSweepDefaultTTL(t *testing.T) {
	f := newFixture(t, Config{})
	assert.Equal(t, time.Hour, f.service.TTL())
}
