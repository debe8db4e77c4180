package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/solflux/arbiter/pkg/logger"
)

// Handler receives delivered events. Handlers run on the bus's own
// dispatch goroutine per subscription; a slow handler only slows its own
// subscription, not others.
type Handler func(Event)

// subscription is a bounded mailbox feeding one handler goroutine.
type subscription struct {
	ch      chan Event
	dropOld bool
}

// Bus is a lightweight typed pub/sub fabric. Each EventType fans out to an
// independent set of bounded subscriber channels; overflow policy is
// per-subscription (the ingestor's change-notice topic uses drop-oldest,
// matching the spec's backpressure choice for recency-over-completeness).
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]*subscription
	log  zerolog.Logger

	coalescedTotal uint64
}

// NewBus constructs an empty Bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[EventType][]*subscription),
		log:  logger.Stage(log, "events.Bus"),
	}
}

// Subscribe registers handler for eventType with a mailbox of the given
// capacity. dropOldest, when true, discards the oldest queued event to make
// room for a new one instead of blocking the emitter.
func (b *Bus) Subscribe(eventType EventType, capacity int, dropOldest bool, handler Handler) {
	if capacity <= 0 {
		capacity = 1
	}
	sub := &subscription{ch: make(chan Event, capacity), dropOld: dropOldest}

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	go func() {
		for ev := range sub.ch {
			handler(ev)
		}
	}()
}

// Emit delivers data to every subscriber of its EventType. Delivery never
// blocks the caller longer than a single non-blocking channel send per
// subscriber: a full drop-oldest mailbox evicts its head first; a full
// reject-newest mailbox (dropOld == false) simply discards the new event.
func (b *Bus) Emit(module string, data EventData) {
	b.mu.RLock()
	subs := b.subs[data.EventType()]
	b.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	ev := Event{Type: data.EventType(), Module: module, Data: data}
	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	if !sub.dropOld {
		b.log.Debug().Str("event", string(ev.Type)).Msg("mailbox full, rejecting newest")
		return
	}

	select {
	case <-sub.ch:
		b.coalesced()
	default:
	}
	select {
	case sub.ch <- ev:
	default:
		b.log.Debug().Str("event", string(ev.Type)).Msg("mailbox still full after eviction, dropping")
	}
}

func (b *Bus) coalesced() {
	b.mu.Lock()
	b.coalescedTotal++
	b.mu.Unlock()
}

// CoalescedTotal reports how many change notices were dropped to make room
// for a newer one on the same topic — backs the
// change_notices_coalesced_total counter.
func (b *Bus) CoalescedTotal() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.coalescedTotal
}
