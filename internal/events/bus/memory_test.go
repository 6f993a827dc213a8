package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/internal/common/logger"
)

func waitForEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	got := make(chan *Event, 1)
	sub, err := b.Subscribe("workflow.stage_complete", func(ctx context.Context, e *Event) error {
		got <- e
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	event := NewEvent("workflow.stage_complete", "test", map[string]any{"workflow_id": "wf-1"})
	require.NoError(t, b.Publish(context.Background(), "workflow.stage_complete", event))

	e := waitForEvent(t, got)
	assert.Equal(t, event.ID, e.ID)
	assert.Equal(t, "wf-1", e.Data["workflow_id"])
}

func TestMemoryEventBus_WildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	got := make(chan *Event, 2)
	_, err := b.Subscribe("workflow.*", func(ctx context.Context, e *Event) error {
		got <- e
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "workflow.created", NewEvent("workflow.created", "test", nil)))
	require.NoError(t, b.Publish(ctx, "workflow.stage_complete", NewEvent("workflow.stage_complete", "test", nil)))

	types := map[string]bool{}
	types[waitForEvent(t, got).Type] = true
	types[waitForEvent(t, got).Type] = true
	assert.True(t, types["workflow.created"])
	assert.True(t, types["workflow.stage_complete"])
}

func TestMemoryEventBus_QueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	deliveries := 0
	done := make(chan struct{}, 1)
	handler := func(ctx context.Context, e *Event) error {
		mu.Lock()
		deliveries++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	_, err := b.QueueSubscribe("workflow.stage_complete", "engine", handler)
	require.NoError(t, err)
	_, err = b.QueueSubscribe("workflow.stage_complete", "engine", handler)
	require.NoError(t, err)

	event := NewEvent("workflow.stage_complete", "test", nil)
	require.NoError(t, b.Publish(context.Background(), "workflow.stage_complete", event))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue delivery")
	}
	time.Sleep(50 * time.Millisecond) // allow a duplicate delivery to surface

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, deliveries)
}

func TestMemoryEventBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe("workflow.created", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "workflow.created", NewEvent("workflow.created", "test", nil)))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestMemoryEventBus_ClosedBusRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(logger.Default())
	b.Close()

	assert.False(t, b.IsConnected())
	err := b.Publish(context.Background(), "workflow.created", NewEvent("workflow.created", "test", nil))
	require.Error(t, err)

	_, err = b.Subscribe("workflow.created", func(ctx context.Context, e *Event) error { return nil })
	require.Error(t, err)
}
