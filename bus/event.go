package bus

import "time"

// EventKind identifies a rule lifecycle event.
type EventKind string

const (
	EventRuleCreated   EventKind = "rule.created"
	EventRuleDeleted   EventKind = "rule.deleted"
	EventRuleCombined  EventKind = "rule.combined"
	EventRuleEvaluated EventKind = "rule.evaluated"
)

// Event is one rule lifecycle event.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// RuleID is the rule the event concerns. Empty for events about an
	// unsaved rule, such as combining without persisting.
	RuleID string

	// RuleName is the rule's name, if it has one.
	RuleName string

	// Time is when the event occurred.
	Time time.Time

	// Seq is assigned by the Publisher and increases across all rules.
	Seq uint64

	// Payload contains event-specific data. Keep this small.
	Payload map[string]any
}

// NewEvent creates an event stamped with the current time.
func NewEvent(kind EventKind, ruleID string) Event {
	return Event{
		Kind:    kind,
		RuleID:  ruleID,
		Time:    time.Now().UTC(),
		Payload: map[string]any{},
	}
}

// WithPayload returns a copy of the event with one payload entry set.
func (e Event) WithPayload(key string, value any) Event {
	payload := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload[key] = value
	e.Payload = payload
	return e
}
