package events

import "sync"

// Message pairs a payload with the topic it was published on. Subscribers
// listening on several topics receive one interleaved stream of these.
type Message struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

type subscriber struct {
	ch     chan Message
	topics map[Event]bool
}

// Bus fans simulator events out to subscribers. Delivery is best-effort:
// a subscriber that falls behind loses messages instead of stalling the
// settlement and ledger paths publishing them.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a listener on one or more topics and returns the
// message channel plus a cancel function. Cancel closes the channel and is
// safe to call more than once.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	sub := &subscriber{
		ch:     make(chan Message, buffer),
		topics: make(map[Event]bool, len(topics)),
	}
	for _, e := range topics {
		sub.topics[e] = true
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers the payload to every subscriber of the topic without
// blocking. Subscribers with a full buffer miss the message.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.topics[e] {
			continue
		}
		select {
		case sub.ch <- Message{Event: e, Payload: payload}:
		default:
		}
	}
}
