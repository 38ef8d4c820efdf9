package event

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Handler func(ctx context.Context, event Event) error

// Bus is an in-process pub/sub bus. Handlers run in their own goroutines:
// publishers never block on subscribers, and a failing side effect cannot
// reach back into the publisher's transition.
type Bus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler Handler) (unsubscribe func())
}

func NewBus() Bus {
	return &inProcessBus{
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

type subscriberEntry struct {
	id      uint64
	handler Handler
}

type inProcessBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscriberEntry
	nextID      uint64
}

func (b *inProcessBus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriberEntry, len(b.subscribers[event.Type]))
	copy(subs, b.subscribers[event.Type])
	b.mu.RUnlock()

	for _, sub := range subs {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Any("panic", r).
						Str("event", string(event.Type)).
						Msg("event handler panicked")
				}
			}()
			if err := h(ctx, event); err != nil {
				log.Error().Err(err).
					Str("event", string(event.Type)).
					Msg("event handler error")
			}
		}(sub.handler)
	}
}

func (b *inProcessBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{
		id:      id,
		handler: handler,
	})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}
