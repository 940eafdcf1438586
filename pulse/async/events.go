package async

import "sync"

// SubscriberChannelBufferSize is the buffer size for subscriber channels
const SubscriberChannelBufferSize = 100

// EventKind says which entity an Event describes
type EventKind string

const (
	EventJob    EventKind = "job"
	EventBatch  EventKind = "batch"
	EventOutput EventKind = "output"
)

// Event describes a committed change to a job or a batch
type Event struct {
	Kind    EventKind `json:"kind"`
	ID      string    `json:"id"`
	BatchID string    `json:"batch_id,omitempty"`
	NoteID  string    `json:"note_id"`
	Status  string    `json:"status,omitempty"`
	Text    string    `json:"text,omitempty"`
}

type broadcaster struct {
	mu          sync.RWMutex
	subscribers []chan Event
}

// Subscribe returns a channel that receives committed changes.
// The caller must call Unsubscribe when done.
func (s *Store) Subscribe() chan Event {
	s.events.mu.Lock()
	defer s.events.mu.Unlock()

	ch := make(chan Event, SubscriberChannelBufferSize)
	s.events.subscribers = append(s.events.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel and closes it
func (s *Store) Unsubscribe(ch chan Event) {
	s.events.mu.Lock()
	defer s.events.mu.Unlock()

	for i, sub := range s.events.subscribers {
		if sub == ch {
			s.events.subscribers = append(s.events.subscribers[:i], s.events.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// publish delivers events without blocking; slow subscribers miss events
func (b *broadcaster) publish(events ...Event) {
	if len(events) == 0 {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
