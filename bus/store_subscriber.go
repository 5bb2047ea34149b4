package bus

import (
	"context"
	"log/slog"
	"sync"
)

// StoreSubscriber writes events to an EventStore.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store. Failures are logged, not
// returned: losing an event must not fail the rule operation that caused it.
func (s *StoreSubscriber) Handle(event Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"rule_id", event.RuleID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Publisher stamps events with a sequence number, persists them and then
// fans them out on the bus. Persisting first lets a stream replay from the
// store and then switch to live events without gaps.
type Publisher struct {
	mu    sync.Mutex
	seq   uint64
	bus   EventBus
	store *StoreSubscriber
}

// NewPublisher creates a publisher. Either eb or store may be nil. When a
// store is given, numbering continues after its latest sequence number.
func NewPublisher(ctx context.Context, eb EventBus, store EventStore, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{bus: eb}
	if store != nil {
		latest, err := store.LatestSeq(ctx, "")
		if err != nil {
			return nil, err
		}
		p.seq = latest
		p.store = NewStoreSubscriber(store, logger)
	}
	return p, nil
}

// Publish assigns the next sequence number and delivers the event. It
// returns the event as delivered. A nil Publisher drops the event.
func (p *Publisher) Publish(event Event) Event {
	if p == nil {
		return event
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	event.Seq = p.seq
	if p.store != nil {
		p.store.Handle(event)
	}
	if p.bus != nil {
		p.bus.Publish(event)
	}
	return event
}
