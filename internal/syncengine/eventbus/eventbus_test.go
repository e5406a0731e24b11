package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triantos/wealthfolio/internal/syncengine/eventbus"
)

func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(nil)
	_, subA := bus.Subscribe()
	_, subB := bus.Subscribe()

	bus.Publish("sync-progress", map[string]any{"stage": "push"})

	for _, sub := range []eventbus.Subscriber{subA, subB} {
		select {
		case evt := <-sub:
			require.Equal(t, "sync-progress", evt.Name)
			require.JSONEq(t, `{"stage":"push"}`, string(evt.Payload))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestUnsubscribe_ClosesChannelAndStopsDelivery(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(nil)
	id, sub := bus.Subscribe()
	bus.Unsubscribe(id)

	_, ok := <-sub
	require.False(t, ok, "channel should be closed after unsubscribe")

	// Publishing after unsubscribe must not panic or block.
	bus.Publish("sync-progress", map[string]any{"stage": "noop"})
}

func TestPublish_DoesNotBlockOnFullSubscriber(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(nil)
	_, sub := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			bus.Publish("snapshot-upload-progress", map[string]any{"i": i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a lagging subscriber")
	}
	_ = sub
}
