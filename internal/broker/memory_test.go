package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryBrokerDeliversToGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(zap.NewNop())

	got := make(chan Message, 1)
	err := b.Subscribe(ctx, TopicTaskCreated, "assigner", func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, TopicTaskCreated, "agent-1", []byte(`{"task_id":"t1"}`)))

	select {
	case msg := <-got:
		assert.Equal(t, TopicTaskCreated, msg.Topic)
		assert.Equal(t, "agent-1", msg.Key)
		assert.JSONEq(t, `{"task_id":"t1"}`, string(msg.Value))
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestMemoryBrokerEachGroupGetsACopy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(zap.NewNop())

	var mu sync.Mutex
	counts := map[string]int{}
	for _, group := range []string{"assigner", "audit"} {
		group := group
		err := b.Subscribe(ctx, TopicTaskAssigned, group, func(_ context.Context, _ Message) error {
			mu.Lock()
			counts[group]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(ctx, TopicTaskAssigned, "agent-1", []byte(`{}`)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["assigner"] == 1 && counts["audit"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBrokerPreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory(zap.NewNop())

	var mu sync.Mutex
	var order []string
	err := b.Subscribe(ctx, TopicTaskCreated, "assigner", func(_ context.Context, msg Message) error {
		mu.Lock()
		order = append(order, string(msg.Value))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Publish(ctx, TopicTaskCreated, "agent-1", []byte(v)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)
}

func TestMemoryBrokerPublishWithoutSubscribersSucceeds(t *testing.T) {
	b := NewMemory(zap.NewNop())
	// The dead-letter topic has no in-process consumer; publishing must not
	// block or fail.
	require.NoError(t, b.Publish(context.Background(), TopicTaskDLQ, "agent-1", []byte(`{}`)))
}
