package bus

import "context"

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event Event) error

	// List returns events in Seq order, optionally filtered.
	// ruleID: only events for this rule ("" means all rules)
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, ruleID string, afterSeq uint64, limit int) ([]Event, error)

	// LatestSeq returns the highest Seq for a rule, or across all rules when
	// ruleID is "" (0 if no events).
	LatestSeq(ctx context.Context, ruleID string) (uint64, error)
}
