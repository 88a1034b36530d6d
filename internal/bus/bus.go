package bus

import (
	"sync"
	"time"

	"github.com/quantfold/impulsebot/internal/observ"
)

const defaultRingSize = 4000

// Bus broadcasts engine events to subscribers. Publishing never blocks:
// each subscriber has a bounded queue and loses its oldest entries when it
// falls behind.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string]chan Event
	ring     []Event
	ringNext int
	ringFull bool
	log      func(Event)
}

// New creates a bus with a bounded ring of recent events for pull consumers.
func New() *Bus {
	return &Bus{
		subs: make(map[string]chan Event),
		ring: make([]Event, defaultRingSize),
	}
}

// SetSink installs an optional callback invoked for every published event,
// used for the append-only event journal. The sink runs on the publisher
// goroutine and must not block.
func (b *Bus) SetSink(fn func(Event)) {
	b.mu.Lock()
	b.log = fn
	b.mu.Unlock()
}

// Subscribe registers a named subscriber with the given queue depth and
// returns its channel plus an unsubscribe func.
func (b *Bus) Subscribe(name string, depth int) (<-chan Event, func()) {
	if depth <= 0 {
		depth = 256
	}
	ch := make(chan Event, depth)
	b.mu.Lock()
	b.subs[name] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if cur, ok := b.subs[name]; ok && cur == ch {
			delete(b.subs, name)
		}
		b.mu.Unlock()
	}
}

// Publish fans the event out to every subscriber, dropping the oldest queued
// entry of any subscriber whose buffer is full.
func (b *Bus) Publish(ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}

	b.mu.Lock()
	b.ring[b.ringNext] = ev
	b.ringNext++
	if b.ringNext == len(b.ring) {
		b.ringNext = 0
		b.ringFull = true
	}
	sink := b.log
	b.mu.Unlock()

	if sink != nil {
		sink(ev)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop its oldest entry, then retry once.
			select {
			case <-ch:
				observ.EventsDroppedTotal.WithLabelValues(name).Inc()
			default:
			}
			select {
			case ch <- ev:
			default:
				observ.EventsDroppedTotal.WithLabelValues(name).Inc()
			}
		}
	}
}

// Recent returns up to limit most recent events, oldest first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := b.ringNext
	if b.ringFull {
		size = len(b.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Event, 0, limit)
	start := b.ringNext - limit
	if start < 0 {
		start += len(b.ring)
	}
	for i := 0; i < limit; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}
