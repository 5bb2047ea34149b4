package bus

import (
	"sync"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory event bus implementation.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub // ruleID -> subscribers
	globalSubs []*memSub            // subscribers for all rules
	bufSize    int
	closed     bool
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

// Publish sends an event to all matching subscribers.
// Rule-specific subscribers receive events matching their rule ID,
// and global subscribers receive all events. If the bus is closed,
// the event is silently dropped.
func (b *MemBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if event.RuleID != "" {
		for _, sub := range b.subs[event.RuleID] {
			sub.send(event)
		}
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

// Subscribe registers a subscriber for a specific rule.
// Returns a Subscription that must be closed when done.
func (b *MemBus) Subscribe(ruleID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, ruleID, b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[ruleID] = append(b.subs[ruleID], sub)
	return sub
}

// SubscribeAll registers a subscriber that receives events for all rules.
// Returns a Subscription that must be closed when done.
func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, "", b.bufSize)
	sub.global = true
	if b.closed {
		sub.close()
		return sub
	}
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	b.subs = make(map[string][]*memSub)
	b.globalSubs = nil
	return nil
}

// remove detaches a subscription so Publish no longer visits it.
func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.global {
		b.globalSubs = without(b.globalSubs, sub)
		return
	}
	remaining := without(b.subs[sub.ruleID], sub)
	if len(remaining) == 0 {
		delete(b.subs, sub.ruleID)
	} else {
		b.subs[sub.ruleID] = remaining
	}
}

func without(subs []*memSub, target *memSub) []*memSub {
	for i, s := range subs {
		if s == target {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// memSub is an in-memory subscription.
type memSub struct {
	bus    *MemBus
	ruleID string
	global bool

	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func newMemSub(b *MemBus, ruleID string, bufSize int) *memSub {
	return &memSub{
		bus:    b,
		ruleID: ruleID,
		ch:     make(chan Event, bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	s.bus.remove(s)
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel.
// If the channel is full or the subscription is closed, the event is dropped.
func (s *memSub) send(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- event:
	default:
		// Drop if channel full.
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
