package events

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskwire-io/taskwire/internal/types"
)

type recordingSubscriber struct {
	events []Event
}

func (r *recordingSubscriber) HandleEvent(_ context.Context, ev Event) {
	r.events = append(r.events, ev)
}

func TestFanoutDeliversToAllSubscribers(t *testing.T) {
	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	f := NewFanout(zap.NewNop(), a, b)

	ev := Event{
		Type:   types.EventTaskCompleted,
		UserID: uuid.New(),
		TaskID: uuid.New(),
		Data:   map[string]any{"status": "completed"},
	}
	f.Publish(context.Background(), ev)

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, types.EventTaskCompleted, a.events[0].Type)
	assert.Equal(t, ev.TaskID, b.events[0].TaskID)
}

func TestFanoutStampsTimestamp(t *testing.T) {
	sub := &recordingSubscriber{}
	f := NewFanout(zap.NewNop(), sub)

	f.Publish(context.Background(), Event{Type: types.EventDeviceOnline, UserID: uuid.New()})

	require.Len(t, sub.events, 1)
	assert.False(t, sub.events[0].Timestamp.IsZero())
}
