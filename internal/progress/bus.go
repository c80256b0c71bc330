package progress

import "sync"

// Bus broadcasts progress events to observers (the websocket handler,
// future metrics collectors). Publishing is non-blocking: a subscriber
// whose buffer is full misses events rather than stalling the turn.
// The bus is nil-safe — Publish on a nil *Bus is a no-op — so emitters
// need no guard checks.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// byRecv maps the receive-only channel handed to a subscriber back
	// to the send side so Unsubscribe can accept the caller's view.
	byRecv map[<-chan Event]chan Event
}

// NewBus creates an empty broadcast bus.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		byRecv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers ev to every subscriber that has buffer space.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Full subscriber, drop rather than block the turn.
		}
	}
}

// Subscribe registers an observer. The caller must Unsubscribe when
// done to release the channel.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.byRecv[ch] = ch
	return ch
}

// Unsubscribe removes an observer and closes its channel. Calling it
// twice with the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.byRecv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.byRecv, ch)
	close(send)
}

// SubscriberCount returns the number of active observers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
