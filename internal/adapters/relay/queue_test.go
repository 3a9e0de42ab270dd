package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
)

func TestEventQueue_DeliversInOrder(t *testing.T) {
	q := newEventQueue()
	q.start()
	defer q.stop()

	for _, id := range []string{"a", "b", "c"} {
		q.push(core.Event{Type: core.EventLeft, Participant: domain.ParticipantID(id)})
	}
	for _, want := range []string{"a", "b", "c"} {
		select {
		case ev := <-q.out:
			assert.Equal(t, domain.ParticipantID(want), ev.Participant)
		case <-time.After(time.Second):
			t.Fatal("queue stalled")
		}
	}
}

func TestEventQueue_PushNeverBlocks(t *testing.T) {
	q := newEventQueue()
	q.start()
	defer q.stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			q.push(core.Event{Type: core.EventPublished})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked without a reader")
	}
	assert.GreaterOrEqual(t, q.len(), 999)
}

func TestEventQueue_StoppedDropsEvents(t *testing.T) {
	q := newEventQueue()
	q.push(core.Event{Type: core.EventLeft})
	assert.Zero(t, q.len(), "push before start is dropped")

	q.start()
	q.push(core.Event{Type: core.EventLeft})
	q.stop()
	q.stop()
	assert.Zero(t, q.len())

	q.start()
	defer q.stop()
	q.push(core.Event{Type: core.EventUnpublished})
	select {
	case ev := <-q.out:
		require.Equal(t, core.EventUnpublished, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("restarted queue stalled")
	}
}
