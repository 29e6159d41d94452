package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/tunnel-agent/pkg/log"
	"github.com/cuemby/tunnel-agent/pkg/metrics"
	"github.com/cuemby/tunnel-agent/pkg/types"
)

const (
	defaultQueueSize      = 256
	defaultSubscriberSize = 128
)

// Event is a domain event stamped with an id and the time it was published
type Event struct {
	ID        string
	Timestamp time.Time
	types.DomainEvent
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans domain events out to subscribers. Publish never blocks: when a
// queue is full the event is dropped, logged and counted. Events from one
// publisher reach each subscriber in publish order.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	subSize     int
	logger      zerolog.Logger
}

// NewBroker creates a broker with the default buffer sizes
func NewBroker() *Broker {
	return NewBrokerWithSize(defaultQueueSize, defaultSubscriberSize)
}

// NewBrokerWithSize creates a broker with a publish queue of queueSize and a
// buffer of subSize per subscriber
func NewBrokerWithSize(queueSize, subSize int) *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, queueSize),
		stopCh:      make(chan struct{}),
		subSize:     subSize,
		logger:      log.WithComponent("events"),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, b.subSize)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues ev for delivery and returns the stamped event, or nil when
// the queue was full or the broker stopped
func (b *Broker) Publish(ev types.DomainEvent) *Event {
	event := &Event{
		ID:          uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		DomainEvent: ev,
	}

	select {
	case <-b.stopCh:
		return nil
	default:
	}

	select {
	case b.eventCh <- event:
		return event
	default:
		b.drop(event, "publish queue full")
		return nil
	}
}

// Pump publishes everything received on in until ctx is done or in is closed
func (b *Broker) Pump(ctx context.Context, in <-chan types.DomainEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			b.Publish(ev)
		}
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
			b.drop(event, "subscriber buffer full")
		}
	}
}

func (b *Broker) drop(event *Event, reason string) {
	metrics.EventsDroppedTotal.Inc()
	b.logger.Warn().
		Str("event_id", event.ID).
		Str("type", event.Type).
		Str("workload", event.Workload.Name).
		Msgf("Dropping event: %s", reason)
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
