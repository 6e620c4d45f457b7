package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitchlens/inference-scheduler/pkg/logging"
	"github.com/pitchlens/inference-scheduler/pkg/models"
)

// Type is the kind of change an event describes
type Type string

const (
	NodeAdded   Type = "node_added"
	NodeUpdated Type = "node_updated"
	NodeRemoved Type = "node_removed"
	JobUpdate   Type = "job_update"
)

// Event is one node or job state change. Exactly one of Node or Job is set.
type Event struct {
	Type      Type                    `json:"type"`
	EntityID  string                  `json:"entity_id"`
	Version   uint64                  `json:"version"` // Per-entity, strictly increasing
	Timestamp time.Time               `json:"timestamp"`
	Node      *models.Node            `json:"node,omitempty"`
	Job       *models.Job             `json:"job,omitempty"`       // Summary, no frames
	NewFrames []models.DetectionFrame `json:"new_frames,omitempty"` // Frames appended by this update
}

// NodeEvent builds an event carrying a node snapshot
func NodeEvent(t Type, n models.Node, at time.Time) Event {
	return Event{Type: t, EntityID: n.ID, Version: n.Version, Timestamp: at, Node: &n}
}

// JobEvent builds a job_update carrying a frameless snapshot
func JobEvent(j *models.Job, newFrames []models.DetectionFrame, at time.Time) Event {
	s := j.Summary()
	return Event{Type: JobUpdate, EntityID: j.ID, Version: j.Version, Timestamp: at, Job: &s, NewFrames: newFrames}
}

// Message is the wire envelope sent to live-update clients
type Message struct {
	Type    Type        `json:"type"`
	Payload interface{} `json:"payload"`
}

// Message wraps the event for the live-updates channel
func (e Event) Message() Message {
	return Message{Type: e.Type, Payload: e}
}

// Publisher is what the registry and job store need from the bus
type Publisher interface {
	Publish(e Event)
}

// Handler receives events for one subscriber
type Handler func(Event)

const DefaultBufferSize = 256

// Bus fans events out to subscribers. Each subscriber has its own queue and goroutine,
// so a slow or panicking handler never blocks publishers or other subscribers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*subscriber
	nextID     uint64
	bufferSize int
	closed     bool
	wg         sync.WaitGroup

	onDrop func(subscriber string)
	logger *logging.Logger
}

type subscriber struct {
	name    string
	ch      chan Event
	handler Handler
	dropped atomic.Uint64
}

// NewBus creates an event bus
func NewBus(bufferSize int, logger *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Bus{
		subs:       make(map[uint64]*subscriber),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// OnDrop installs a hook called whenever an event is dropped for a subscriber
func (b *Bus) OnDrop(fn func(subscriber string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Subscribe registers a handler and returns a function that removes it
func (b *Bus) Subscribe(name string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber{
		name:    name,
		ch:      make(chan Event, b.bufferSize),
		handler: handler,
	}
	b.subs[id] = sub

	b.wg.Add(1)
	go b.run(sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

func (b *Bus) run(sub *subscriber) {
	defer b.wg.Done()
	for e := range sub.ch {
		b.deliver(sub, e)
	}
}

func (b *Bus) deliver(sub *subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(fmt.Sprintf("[EventBus] subscriber %s panicked: %v", sub.name, r), map[string]interface{}{
				"event": string(e.Type),
				"id":    e.EntityID,
			})
		}
	}()
	sub.handler(e)
}

// Publish enqueues e for every subscriber without blocking.
// Events for a subscriber whose queue is full are dropped and counted.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(sub.name)
			}
			b.logger.Warn(fmt.Sprintf("[EventBus] dropped %s for slow subscriber %s", e.Type, sub.name))
		}
	}
}

// Subscribers returns the number of active subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting events, drains subscriber queues, and waits for handlers to finish
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
