package core

import (
	"sync"
	"time"
)

// Notification event names. These are the contract surface consumed by the
// monitoring collaborator; do not rename.
const (
	EventTaskSubmitted     = "taskSubmitted"
	EventTaskRemoved       = "taskRemoved"
	EventWorkerCreated     = "workerCreated"
	EventWorkerError       = "workerError"
	EventWorkerExit        = "workerExit"
	EventWorkerTimeout     = "workerTimeout"
	EventPoolScaled        = "poolScaled"
	EventRedistributeTasks = "redistributeTasks"
	EventBatch             = "batch"
	EventProcessed         = "processed"
	EventError             = "error"
)

// Event is a single notification on the emitter.
type Event struct {
	Name string
	At   time.Time
	Data interface{}
}

// Mailbox receives events for one subscriber.
type Mailbox chan Event

// Emitter is a topic-based fan-out for notification events.
//
// Delivery is fire-and-forget and non-blocking: if a subscriber's mailbox
// is full the event is dropped for that subscriber. Emitting components
// must never stall on a slow observer.
type Emitter struct {
	subscribers map[string][]Mailbox
	all         []Mailbox
	mu          sync.RWMutex
}

// NewEmitter creates an empty emitter
func NewEmitter() *Emitter {
	return &Emitter{
		subscribers: make(map[string][]Mailbox),
	}
}

// Subscribe registers a mailbox for a single event name.
// The mailbox should be buffered; an unbuffered mailbox will drop
// every event that arrives while the subscriber is not receiving.
func (e *Emitter) Subscribe(name string, mb Mailbox) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers[name] = append(e.subscribers[name], mb)
}

// SubscribeAll registers a mailbox for every event name
func (e *Emitter) SubscribeAll(mb Mailbox) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, mb)
}

// Unsubscribe removes a mailbox from a single event name
func (e *Emitter) Unsubscribe(name string, mb Mailbox) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[name]
	for i, sub := range subs {
		if sub == mb {
			e.subscribers[name] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to every subscriber of name plus the catch-all
// subscribers. Non-blocking: full mailboxes drop the event.
func (e *Emitter) Emit(name string, data interface{}) {
	evt := Event{Name: name, At: time.Now(), Data: data}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, mb := range e.subscribers[name] {
		select {
		case mb <- evt:
		default:
		}
	}
	for _, mb := range e.all {
		select {
		case mb <- evt:
		default:
		}
	}
}
