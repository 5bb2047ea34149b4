// Package bus distributes rule lifecycle events. Components publish events
// about rules being created, deleted, combined and evaluated; subscribers
// such as the SSE stream and the event store receive them.
package bus

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event Event)

	// Subscribe registers a subscriber for events about one rule.
	// Returns a Subscription that must be closed when done.
	Subscribe(ruleID string) Subscription

	// SubscribeAll registers a subscriber that receives every event.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan Event

	// Close unsubscribes and releases resources.
	Close() error
}
