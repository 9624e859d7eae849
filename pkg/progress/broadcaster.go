// Package progress fans request progress out to interested subscribers.
package progress

import (
	"context"
	"sync"

	"github.com/dmitrymomot/foundation/pkg/broadcast"
)

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 32

// AllKeys subscribes to the events of every key.
const AllKeys = ""

// keyed is what travels through the underlying broadcaster.
type keyed[T any] struct {
	Key   string
	Event T
}

// Broadcaster is a pub/sub keyed by string on top of an in-memory broadcaster. Delivery
// never blocks the publisher: an event is dropped for a subscriber whose buffer is full.
type Broadcaster[T any] struct {
	bus    broadcast.Broadcaster[keyed[T]]
	buffer int
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	subs   map[string]int
	latest map[string]T
}

// NewBroadcaster creates a broadcaster with the given subscriber buffer size.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{
		bus:    broadcast.NewMemoryBroadcaster[keyed[T]](buffer),
		buffer: buffer,
		done:   make(chan struct{}),
		subs:   make(map[string]int),
		latest: make(map[string]T),
	}
}

// Subscribe returns a channel receiving the events published for key, or for every key
// when key is AllKeys. The channel is closed once ctx is done.
func (b *Broadcaster[T]) Subscribe(ctx context.Context, key string) <-chan T {
	out := make(chan T, b.buffer)
	sub := b.bus.Subscribe(ctx)
	in := sub.Receive(ctx)

	b.mu.Lock()
	b.subs[key]++
	b.mu.Unlock()

	go func() {
		defer func() {
			_ = sub.Close()
			b.mu.Lock()
			if b.subs[key]--; b.subs[key] <= 0 {
				delete(b.subs, key)
			}
			b.mu.Unlock()
			close(out)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if key != AllKeys && msg.Data.Key != key {
					continue
				}
				select {
				case out <- msg.Data.Event:
				default:
				}
			}
		}
	}()
	return out
}

// Publish records event as the latest for key and delivers it.
func (b *Broadcaster[T]) Publish(key string, event T) {
	b.mu.Lock()
	b.latest[key] = event
	b.mu.Unlock()

	_ = b.bus.Broadcast(context.Background(), broadcast.Message[keyed[T]]{Data: keyed[T]{Key: key, Event: event}})
}

// Latest returns the last event published for key.
func (b *Broadcaster[T]) Latest(key string) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.latest[key]
	return v, ok
}

// Subscribers returns the number of live subscriptions for key.
func (b *Broadcaster[T]) Subscribers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[key]
}

// Close ends all subscriptions.
func (b *Broadcaster[T]) Close() error {
	b.once.Do(func() { close(b.done) })
	return b.bus.Close()
}
