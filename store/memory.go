package store

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryStore is an in-memory rule store. Contents are lost on exit.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]Rule
	names map[string]string // name -> id
	order []string
}

// NewMemoryStore creates an empty in-memory rule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules: make(map[string]Rule),
		names: make(map[string]string),
	}
}

// Put stores a new rule and returns it with its assigned ID.
func (s *MemoryStore) Put(ctx context.Context, name, text string, ast []byte) (Rule, error) {
	if err := ctx.Err(); err != nil {
		return Rule{}, err
	}
	rule := newRule(name, text, ast)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertLocked(rule); err != nil {
		return Rule{}, err
	}
	return cloneRule(rule), nil
}

func (s *MemoryStore) insertLocked(rule Rule) error {
	if rule.Name != "" {
		if _, taken := s.names[rule.Name]; taken {
			return ErrRuleExists
		}
	}
	if _, taken := s.rules[rule.ID]; taken {
		return ErrRuleExists
	}
	s.rules[rule.ID] = cloneRule(rule)
	if rule.Name != "" {
		s.names[rule.Name] = rule.ID
	}
	s.order = append(s.order, rule.ID)
	return nil
}

// Get returns one rule by ID or name.
func (s *MemoryStore) Get(ctx context.Context, idOrName string) (Rule, error) {
	if err := ctx.Err(); err != nil {
		return Rule{}, err
	}
	key := strings.TrimSpace(idOrName)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if rule, ok := s.rules[key]; ok {
		return cloneRule(rule), nil
	}
	if id, ok := s.names[key]; ok {
		return cloneRule(s.rules[id]), nil
	}
	return Rule{}, ErrRuleNotFound
}

// Delete removes one rule by ID.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, err := s.removeLocked(strings.TrimSpace(id))
	return err
}

// removeLocked deletes a rule and reports where it sat in insertion order.
func (s *MemoryStore) removeLocked(id string) (Rule, int, error) {
	rule, ok := s.rules[id]
	if !ok {
		return Rule{}, -1, ErrRuleNotFound
	}
	delete(s.rules, id)
	if rule.Name != "" {
		delete(s.names, rule.Name)
	}
	at := -1
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			at = i
			break
		}
	}
	return rule, at, nil
}

// restoreLocked undoes removeLocked, putting the rule back at index at.
func (s *MemoryStore) restoreLocked(rule Rule, at int) {
	s.rules[rule.ID] = rule
	if rule.Name != "" {
		s.names[rule.Name] = rule.ID
	}
	if at < 0 || at > len(s.order) {
		at = len(s.order)
	}
	s.order = slices.Insert(s.order, at, rule.ID)
}

// List returns all rules in insertion order.
func (s *MemoryStore) List(ctx context.Context) ([]RuleSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RuleSummary, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rules[id].Summary())
	}
	return out, nil
}

// snapshot returns every rule in insertion order.
func (s *MemoryStore) snapshot() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneRule(s.rules[id]))
	}
	return out
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
