package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const defaultBufferSize = 16

// EventType names a room event.
type EventType string

const (
	EventPresenceOnline   EventType = "presence.online"
	EventPresenceOffline  EventType = "presence.offline"
	EventVoiceRoster      EventType = "voice.roster"
	EventMessageCreated   EventType = "message.created"
	EventProjectCommitted EventType = "project.committed"
)

// Event is a single room-scoped notification. Payload holds the JSON body sent to clients.
type Event struct {
	Room      string          `json:"room" msgpack:"room"`
	Type      EventType       `json:"type" msgpack:"type"`
	Payload   json.RawMessage `json:"payload" msgpack:"payload"`
	Timestamp time.Time       `json:"timestamp" msgpack:"timestamp"`
}

// Dispatcher fans room events out to in-process subscribers.
// Delivery is at-most-once: a subscriber whose buffer is full misses the event.
type Dispatcher struct {
	mu          sync.RWMutex
	publishMu   sync.Mutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher builds a dispatcher; a non-positive buffer size selects the default.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a stream for the room until ctx ends or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, room string) (<-chan Event, func()) {
	if room == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.registerSubscriber(room, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(room, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers the event to every current subscriber of its room without blocking.
func (d *Dispatcher) Publish(event Event) {
	if event.Room == "" || event.Type == "" {
		return
	}
	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	d.mu.RLock()
	subscribers := d.subscribers[event.Room]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports how many streams are attached to the room.
func (d *Dispatcher) SubscriberCount(room string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[room])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(room string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[room]; !ok {
		d.subscribers[room] = make(map[int64]*subscriber)
	}
	d.subscribers[room][sub.id] = sub
}

func (d *Dispatcher) unregisterSubscriber(room string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[room]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, room)
		}
	}
	d.mu.Unlock()
}
