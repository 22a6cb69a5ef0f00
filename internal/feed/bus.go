// Package feed is the in-process subscription bus for exchange events.
// Consumers (rendering, logging, analytics) subscribe here; publishing
// never blocks the exchange machines, so a slow subscriber loses events
// rather than stalling a beat.
package feed

import (
	"sync"
	"time"

	"parley/internal/domain"
)

const defaultBufferSize = 64

// Event types published on the bus.
const (
	TypeBeatOpened = "beat.opened"
	TypeOutcome    = "outcome.resolved"
	TypeCancelled  = "exchange.cancelled"
	TypeAftermath  = "exchange.closed"
)

// Event is one entry on the feed. Options is populated for beat.opened;
// Outcome for outcome.resolved and exchange.cancelled.
type Event struct {
	Type       string                     `json:"type"`
	ExchangeID string                     `json:"exchange_id"`
	Beat       int                        `json:"beat"`
	Options    map[string][]domain.Option `json:"options,omitempty"`
	Outcome    *domain.Outcome            `json:"outcome,omitempty"`
	Reason     string                     `json:"reason,omitempty"`
	TS         time.Time                  `json:"ts"`
}

type subscription struct {
	id     uint64
	ch     chan Event
	filter func(Event) bool
}

// Bus fans events out to subscribers over buffered channels.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]subscription
	nextID  uint64
	closed  bool
	bufSize int
	dropped int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]subscription), bufSize: defaultBufferSize}
}

// Subscribe returns a channel of all events and a cancel func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	return b.SubscribeFiltered(nil)
}

// SubscribeExchange returns events for a single exchange.
func (b *Bus) SubscribeExchange(exchangeID string) (<-chan Event, func()) {
	return b.SubscribeFiltered(func(e Event) bool { return e.ExchangeID == exchangeID })
}

func (b *Bus) SubscribeFiltered(filter func(Event) bool) (<-chan Event, func()) {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{id: id, ch: ch, filter: filter}
	b.mu.Unlock()
	return ch, func() { b.remove(id) }
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers to every matching subscriber without blocking. Full
// buffers drop the event.
func (b *Bus) Publish(e Event) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many events were lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close terminates all subscriptions.
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
