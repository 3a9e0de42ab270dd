package relay

import (
	"sync"

	"github.com/dkeye/VideoCall/internal/core"
)

// eventQueue decouples the websocket read pump from the consumer of
// Events(). It never blocks push; stop drops whatever was not delivered.
type eventQueue struct {
	out chan core.Event

	mu      sync.Mutex
	items   []core.Event
	signal  chan struct{}
	done    chan struct{}
	running bool
	wg      sync.WaitGroup
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		out:    make(chan core.Event),
		signal: make(chan struct{}, 1),
	}
}

func (q *eventQueue) start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.items = nil
	q.done = make(chan struct{})
	q.wg.Add(1)
	go q.run(q.done)
}

func (q *eventQueue) stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.done)
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *eventQueue) push(ev core.Event) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (core.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return core.Event{}, false
	}
	ev := q.items[0]
	q.items[0] = core.Event{}
	q.items = q.items[1:]
	return ev, true
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) run(done <-chan struct{}) {
	defer q.wg.Done()
	for {
		ev, ok := q.pop()
		if !ok {
			select {
			case <-q.signal:
				continue
			case <-done:
				return
			}
		}
		select {
		case q.out <- ev:
		case <-done:
			return
		}
	}
}
