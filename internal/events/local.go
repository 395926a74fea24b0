package events

import (
	"context"
	"sync"
)

const subscriberBuffer = 100

// Local is an in-process bus. Events go to type-specific subscribers and to
// subscribers of everything; a full channel drops the event for that
// subscriber instead of blocking the publisher.
type Local struct {
	mu      sync.RWMutex
	byType  map[string][]chan *Event
	allSubs []chan *Event
	closed  bool
}

// NewLocal returns an empty in-process bus.
func NewLocal() *Local {
	return &Local{byType: make(map[string][]chan *Event)}
}

func (b *Local) Publish(ctx context.Context, e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.byType[e.Type] {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Local) Subscribe(types ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Event, subscriberBuffer)
	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, t := range types {
		b.byType[t] = append(b.byType[t], ch)
	}
	return ch
}

func (b *Local) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(ch)
	close(ch)
}

func (b *Local) removeLocked(ch chan *Event) {
	for t, subs := range b.byType {
		b.byType[t] = without(subs, ch)
	}
	b.allSubs = without(b.allSubs, ch)
}

func without(subs []chan *Event, ch chan *Event) []chan *Event {
	out := subs[:0]
	for _, s := range subs {
		if s != ch {
			out = append(out, s)
		}
	}
	return out
}

func (b *Local) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[chan *Event]struct{})
	for _, subs := range b.byType {
		for _, ch := range subs {
			seen[ch] = struct{}{}
		}
	}
	for _, ch := range b.allSubs {
		seen[ch] = struct{}{}
	}
	for ch := range seen {
		close(ch)
	}
	b.byType = make(map[string][]chan *Event)
	b.allSubs = nil
}

var _ Bus = (*Local)(nil)
