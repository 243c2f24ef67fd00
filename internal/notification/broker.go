package notification

import (
	"context"
	"sync"
)

// Broker is an in-process Publisher that fans events out to subscribers.
// Delivery to a slow subscriber never blocks the publisher; the event is
// dropped for that subscriber instead.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	match func(Message) bool
	ch    chan Message
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscription)}
}

// Subscribe registers for events accepted by match (all events when nil).
// The returned cancel func must be called to release the subscription.
func (b *Broker) Subscribe(match func(Message) bool) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscription{match: match, ch: make(chan Message, 16)}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers msg to matching subscribers.
func (b *Broker) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.match != nil && !sub.match(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}
