package events

import (
	"sync"

	"github.com/openhex/openhex/pkg/log"
)

const subscriberBufferSize = 256

// Handler is called with each published event.
type Handler func(event Event)

// Bus is the publish/subscribe contract between the synchronization
// layer and its observers. Implementations must preserve emission
// order per subscriber.
type Bus interface {
	Publish(event Event)
	Subscribe(handler Handler)
	Close()
}

type subscriber struct {
	ch      chan Event
	handler Handler
}

// InMemoryBus delivers events to each subscriber through its own
// buffered FIFO, drained by a single goroutine per subscriber, so a
// slow handler sees events in order without blocking publishers.
type InMemoryBus struct {
	lock        sync.Mutex
	subscribers []*subscriber
	wg          sync.WaitGroup
	closed      bool
}

func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Subscribe registers a handler. The handler runs on a dedicated
// goroutine owned by the bus.
func (b *InMemoryBus) Subscribe(handler Handler) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		log.Warn("Subscribe on a closed event bus")
		return
	}
	sub := &subscriber{
		ch:      make(chan Event, subscriberBufferSize),
		handler: handler,
	}
	b.subscribers = append(b.subscribers, sub)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range sub.ch {
			sub.handler(event)
		}
	}()
}

// Publish delivers the event to every subscriber. A subscriber whose
// buffer is full drops the event rather than stalling the publisher.
func (b *InMemoryBus) Publish(event Event) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			log.Warn("Dropping event %T: subscriber buffer full", event)
		}
	}
}

// Close stops delivery and waits for the subscriber goroutines to
// drain their buffers.
func (b *InMemoryBus) Close() {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.lock.Unlock()
	b.wg.Wait()
}
