package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(ctx, Options{})
	ch, unsubscribe, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, bus.Publish(ctx, Event{
		Type: TypeSessionAssigned,
		Data: map[string]string{"session_id": "s1"},
	}))

	select {
	case evt := <-ch:
		require.Equal(t, TypeSessionAssigned, evt.Type)
		require.NotEmpty(t, evt.ID)
		require.False(t, evt.Timestamp.IsZero())
		require.Equal(t, "s1", evt.Data["session_id"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeClosesOnContextDone(t *testing.T) {
	t.Parallel()

	bus := NewBus(context.Background(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}
}

func TestBroadcastDropsOnBacklog(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(ctx, Options{})
	ch, unsubscribe, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer unsubscribe()

	for i := 0; i < 40; i++ {
		require.NoError(t, bus.Publish(ctx, Event{Type: TypeExchangeCompleted}))
	}
	require.Len(t, ch, cap(ch))
}

func TestNilBusPublishIsNoop(t *testing.T) {
	t.Parallel()

	var bus *Bus
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeSessionExpired}))
}
