package supervisor

import "sync"

// EventType classifies supervisor lifecycle events.
type EventType string

const (
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventLog     EventType = "log"
	EventExit    EventType = "exit"
)

// Event is one entry in the supervisor's lifecycle stream. Events are
// ordered per project; ordering across projects is unspecified.
type Event struct {
	Type      EventType `json:"type"`
	ProjectID string    `json:"projectId"`
	Port      int       `json:"port,omitempty"`
	Stream    string    `json:"stream,omitempty"` // "stdout" or "stderr" for log events
	Message   string    `json:"message,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind loses events rather than stalling the supervisor.
const subscriberBuffer = 64

type eventBus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

// subscribe registers a new listener. The returned cancel func must be
// called to release the channel.
func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// publish delivers e to every subscriber, dropping on full buffers.
func (b *eventBus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// close tears down all subscriptions.
func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
