package events

import (
	"log/slog"
	"sync"
)

// DefaultQueueSize bounds each subscriber's pending event queue.
const DefaultQueueSize = 256

// Bus fans events out to subscribers. Publish never blocks: each
// subscriber has a bounded queue, and when a queue is full the oldest
// pending event is dropped to make room for the new one. A slow consumer
// therefore loses history but always sees recent events, and never stalls
// the engine.
type Bus struct {
	mu        sync.Mutex
	subs      map[int]*subscriber
	nextID    int
	queueSize int
	closed    bool
	logger    *slog.Logger
}

type subscriber struct {
	ch      chan Event
	dropped int64
}

// NewBus returns a Bus whose subscribers buffer up to queueSize events.
// A non-positive queueSize falls back to DefaultQueueSize.
func NewBus(queueSize int, logger *slog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Bus{
		subs:      make(map[int]*subscriber),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Subscribe registers a new subscriber and returns its event channel plus
// a cancel function. The channel is closed when cancel is called or the
// bus shuts down.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)

		return ch, func() {}
	}

	id := b.nextID
	b.nextID++

	sub := &subscriber{ch: make(chan Event, b.queueSize)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}

	return sub.ch, cancel
}

// Publish delivers an event to every subscriber without blocking. When a
// subscriber's queue is full its oldest pending event is discarded first.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Queue full: evict the oldest event. The drain and send both run
		// under b.mu, so no other Publish can race the two selects.
		select {
		case <-sub.ch:
			sub.dropped++

			if sub.dropped == 1 || sub.dropped%100 == 0 {
				b.logger.Warn("slow event subscriber, dropping oldest events",
					"dropped_total", sub.dropped)
			}
		default:
		}

		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close shuts the bus down, closing all subscriber channels. Subsequent
// Publish calls are no-ops and subsequent Subscribe calls return a closed
// channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
