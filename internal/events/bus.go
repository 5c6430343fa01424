package events

import (
	"sync"
	"sync/atomic"
	"time"

	"tradeloop/internal/logger"
)

// Publisher is what the engine depends on.
type Publisher interface {
	Publish(evt Event)
}

// Bus fans events out to subscribers without blocking the publisher. A
// subscriber whose buffer is full loses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Int64
	nowFn   func() time.Time
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event), nowFn: time.Now}
}

// Subscribe returns a receive channel and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = b.nowFn()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			logger.Warnf("event bus: subscriber full, dropped %s (cycle=%d)", evt.Type, evt.Cycle)
		}
	}
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
