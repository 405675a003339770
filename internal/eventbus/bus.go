// Package eventbus is a small in-memory fanout used to decouple the
// dispatcher, ingress adapters, and observers.
package eventbus

import (
	"sync"
	"time"
)

// Well-known event types published by the daemon.
const (
	EventRoutineMatched  = "routine.matched"
	EventRoutineStarted  = "routine.started"
	EventRoutineFinished = "routine.finished"
	EventRoutineSkipped  = "routine.skipped"
	EventCatalogueReload = "catalogue.reloaded"
)

// Event is a lightweight signal. Data should be small and JSON-serializable.
//
// Contract: Publish never blocks; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.Mutex
	seq  uint64
	subs map[uint64]chan Event
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the lock; they are non-blocking, and Unsubscribe
	// closes channels under the same lock, so no send can hit a closed
	// channel.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// subscriber is slow; drop
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
