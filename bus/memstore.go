package bus

import (
	"context"
	"sync"
)

// DefaultMemRetention is the number of events MemEventStore keeps when no
// limit is configured.
const DefaultMemRetention = 10000

// MemEventStore is a thread-safe in-memory event store. It keeps the most
// recent events up to its retention limit.
type MemEventStore struct {
	mu        sync.RWMutex
	events    []Event
	retention int
}

// NewMemEventStore creates a new in-memory event store. A retention of zero
// or less uses DefaultMemRetention.
func NewMemEventStore(retention ...int) *MemEventStore {
	limit := DefaultMemRetention
	if len(retention) > 0 && retention[0] > 0 {
		limit = retention[0]
	}
	return &MemEventStore{retention: limit}
}

func (s *MemEventStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	if over := len(s.events) - s.retention; over > 0 {
		s.events = append([]Event(nil), s.events[over:]...)
	}
	return nil
}

func (s *MemEventStore) List(_ context.Context, ruleID string, afterSeq uint64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for _, e := range s.events {
		if ruleID != "" && e.RuleID != ruleID {
			continue
		}
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, ruleID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events {
		if ruleID != "" && e.RuleID != ruleID {
			continue
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
