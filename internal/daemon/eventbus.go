package daemon

import (
	"sync"
	"time"
)

// Event types published on the bus.
const (
	EventChat    = "chat"    // a message went through the office
	EventStatus  = "status"  // lifecycle and routing notes
	EventJournal = "journal" // journal worker activity
	EventError   = "error"
)

// maxRecent caps the replay buffer handed to new SSE subscribers.
const maxRecent = 200

// Event is a single entry on the daemon event stream.
type Event struct {
	Type      string    `json:"type"`
	Role      string    `json:"role,omitempty"` // assistant role key, when one is involved
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// EventBus fans events out to SSE subscribers and keeps a short replay
// buffer so a fresh subscriber sees recent history.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int

	recentMu sync.RWMutex
	recent   []Event
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[int]*subscriber),
	}
}

// Publish sends an event to all subscribers. Slow subscribers are
// skipped rather than blocking the publisher.
func (b *EventBus) Publish(typ, role, message string) {
	ev := Event{
		Type:      typ,
		Role:      role,
		Message:   message,
		Timestamp: time.Now(),
	}

	b.recentMu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > maxRecent {
		b.recent = b.recent[len(b.recent)-maxRecent:]
	}
	b.recentMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
func (b *EventBus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}
	b.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	close(sub.done)
	close(sub.ch)
	delete(b.subscribers, id)
}

// Recent returns up to n of the most recent events, oldest first.
// n <= 0 returns the full buffer.
func (b *EventBus) Recent(n int) []Event {
	b.recentMu.RLock()
	defer b.recentMu.RUnlock()

	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// SubscriberCount reports how many subscribers are attached.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
