// Package events implements an in-process publish/subscribe bus: the
// registry watcher publishes crate/version/yank events after applying them,
// and any subscriber (tests included) receives them without polling the
// database. The build and invalidation event types are defined here, but
// nothing in this module publishes them.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of event on the bus.
type Type string

const (
	CrateAdded          Type = "crate.added"
	CrateDeleted        Type = "crate.deleted"
	VersionAdded        Type = "version.added"
	VersionDeleted      Type = "version.deleted"
	VersionYanked       Type = "version.yanked"
	VersionUnyanked     Type = "version.unyanked"
	BuildQueued         Type = "build.queued"
	BuildStarted        Type = "build.started"
	BuildSucceeded      Type = "build.succeeded"
	BuildFailed         Type = "build.failed"
	InvalidationQueued  Type = "invalidation.queued"
	InvalidationApplied Type = "invalidation.applied"
)

// Event is one occurrence on the bus.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Crate     string
	Version   string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
