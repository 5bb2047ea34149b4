package bus

import (
	"context"
	"testing"
)

func TestMemEventStore_Append_List(t *testing.T) {
	store := NewMemEventStore()

	for i := 1; i <= 5; i++ {
		e := NewEvent(EventRuleEvaluated, "rule-1")
		e.Seq = uint64(i)
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	events, err := store.List(context.Background(), "rule-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("got %d events, want 5", len(events))
	}
}

func TestMemEventStore_List_AfterSeq(t *testing.T) {
	store := NewMemEventStore()

	for i := 1; i <= 10; i++ {
		e := NewEvent(EventRuleEvaluated, "rule-1")
		e.Seq = uint64(i)
		store.Append(context.Background(), e)
	}

	events, err := store.List(context.Background(), "rule-1", 7, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3 (seq 8,9,10)", len(events))
	}
	if events[0].Seq != 8 {
		t.Errorf("first event Seq = %d, want 8", events[0].Seq)
	}
}

func TestMemEventStore_List_WithLimit(t *testing.T) {
	store := NewMemEventStore()

	for i := 1; i <= 10; i++ {
		e := NewEvent(EventRuleEvaluated, "rule-1")
		e.Seq = uint64(i)
		store.Append(context.Background(), e)
	}

	events, err := store.List(context.Background(), "rule-1", 0, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}
}

func TestMemEventStore_LatestSeq(t *testing.T) {
	store := NewMemEventStore()

	seq, err := store.LatestSeq(context.Background(), "rule-1")
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq != 0 {
		t.Errorf("empty store LatestSeq = %d, want 0", seq)
	}

	for i := 1; i <= 5; i++ {
		e := NewEvent(EventRuleEvaluated, "rule-1")
		e.Seq = uint64(i)
		store.Append(context.Background(), e)
	}

	seq, err = store.LatestSeq(context.Background(), "rule-1")
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq != 5 {
		t.Errorf("LatestSeq = %d, want 5", seq)
	}
}

func TestMemEventStore_RuleIsolation(t *testing.T) {
	store := NewMemEventStore()

	e1 := NewEvent(EventRuleCreated, "rule-1")
	e1.Seq = 1
	store.Append(context.Background(), e1)

	e2 := NewEvent(EventRuleCreated, "rule-2")
	e2.Seq = 1
	store.Append(context.Background(), e2)

	events, _ := store.List(context.Background(), "rule-1", 0, 0)
	if len(events) != 1 {
		t.Errorf("rule-1 events = %d, want 1", len(events))
	}
}

func TestMemEventStore_ListAllRules(t *testing.T) {
	store := NewMemEventStore()
	ctx := context.Background()

	for i, ruleID := range []string{"rule-1", "rule-2", "", "rule-1"} {
		e := NewEvent(EventRuleCreated, ruleID)
		e.Seq = uint64(i + 1)
		store.Append(ctx, e)
	}

	all, err := store.List(ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d events, want 4", len(all))
	}
	for i, e := range all {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d Seq = %d, want %d", i, e.Seq, i+1)
		}
	}

	latest, _ := store.LatestSeq(ctx, "rule-2")
	if latest != 2 {
		t.Errorf("LatestSeq(rule-2) = %d, want 2", latest)
	}
	latest, _ = store.LatestSeq(ctx, "")
	if latest != 4 {
		t.Errorf("LatestSeq(all) = %d, want 4", latest)
	}
}

func TestMemEventStore_Retention(t *testing.T) {
	store := NewMemEventStore(3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		e := NewEvent(EventRuleEvaluated, "rule-1")
		e.Seq = uint64(i)
		store.Append(ctx, e)
	}

	events, _ := store.List(ctx, "", 0, 0)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Seq != 3 {
		t.Errorf("oldest kept Seq = %d, want 3", events[0].Seq)
	}
}
