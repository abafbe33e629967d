package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusTypedSubscription(t *testing.T) {
	bus := NewBus()
	completed := bus.Subscribe(TypeRunCompleted)
	defer bus.Unsubscribe(completed)

	bus.Emit(TypeRunFailed, "/pipeline", "run-1", map[string]interface{}{"user_id": "u1"})
	bus.Emit(TypeRunCompleted, "/pipeline", "run-2", map[string]interface{}{"user_id": "u1", "grants_found": 3})

	select {
	case ev := <-completed:
		assert.Equal(t, TypeRunCompleted, ev.Type)
		assert.Equal(t, "run-2", ev.Subject)
		assert.Equal(t, "u1", ev.UserID)
		assert.Equal(t, "1.0", ev.SpecVersion)
	case <-time.After(time.Second):
		t.Fatal("expected run.completed event")
	}

	select {
	case ev := <-completed:
		t.Fatalf("unexpected extra event %s", ev.Type)
	default:
	}
}

func TestBusAllSubscriberSeesEverything(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()
	defer bus.Unsubscribe(all)

	bus.Emit(TypeRunCompleted, "/pipeline", "run-1", map[string]interface{}{})
	bus.Emit(TypeApplicationReady, "/raggen", "task-1", map[string]interface{}{})

	assert.Equal(t, TypeRunCompleted, (<-all).Type)
	assert.Equal(t, TypeApplicationReady, (<-all).Type)
}

func TestBusFullSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeRunCompleted)
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(TypeRunCompleted, "/pipeline", "run", map[string]interface{}{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeRunCompleted)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestSSEFormat(t *testing.T) {
	ev := NewEvent(TypeRunCompleted, "/pipeline", "run-9", map[string]interface{}{"grants_found": 2})
	out, err := ev.SSEFormat()
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "event: "+TypeRunCompleted+"\n")
	assert.Contains(t, s, "data: {")
	assert.Contains(t, s, "id: "+ev.ID+"\n")
}
