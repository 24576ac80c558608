package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for engine events
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	cameraFilter string // Empty string means receive all cameras
	channel      chan Event
	handler      Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

func (b *EventBus) add(sub *eventSubscription) {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
}

// Subscribe registers a handler for events from all cameras
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler Handler) func() {
	return b.SubscribeCamera("", handler)
}

// SubscribeCamera registers a handler for events of a specific camera.
// Site-wide events (no camera) are delivered to every subscriber.
func (b *EventBus) SubscribeCamera(cameraID string, handler Handler) func() {
	sub := &eventSubscription{
		cameraFilter: cameraID,
		handler:      handler,
	}
	b.add(sub)

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives every event
// Returns the channel and an unsubscribe function
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan Event, func()) {
	return b.SubscribeCameraChannel("", bufferSize)
}

// SubscribeCameraChannel returns a channel that receives events for a specific camera
func (b *EventBus) SubscribeCameraChannel(cameraID string, bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan Event, bufferSize)
	sub := &eventSubscription{
		cameraFilter: cameraID,
		channel:      ch,
	}
	b.add(sub)

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends an event to all subscribers
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.cameraFilter != "" && ev.CameraID != "" && sub.cameraFilter != ev.CameraID {
			continue
		}

		// Handlers run synchronously so they observe events in publish order.
		if sub.handler != nil {
			sub.handler.OnEvent(ev)
		} else if sub.channel != nil {
			select {
			case sub.channel <- ev:
			default:
				// Channel full, skip this event
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
