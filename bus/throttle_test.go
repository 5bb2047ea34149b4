package bus

import (
	"sync"
	"testing"
	"time"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingEmitter) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestThrottle_LifecyclePassThrough(t *testing.T) {
	rec := &recordingEmitter{}
	te := NewThrottledEmitter(rec.emit, ThrottleConfig{CoalesceInterval: time.Hour})
	defer te.Close()

	te.Emit(NewEvent(EventRuleCreated, "r1"))
	te.Emit(NewEvent(EventRuleCombined, ""))
	te.Emit(NewEvent(EventRuleDeleted, "r1"))

	got := rec.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	want := []EventKind{EventRuleCreated, EventRuleCombined, EventRuleDeleted}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("event %d: got kind %v, want %v", i, got[i].Kind, k)
		}
	}
}

func TestThrottle_EvaluationCoalescing(t *testing.T) {
	rec := &recordingEmitter{}
	te := NewThrottledEmitter(rec.emit, ThrottleConfig{CoalesceInterval: 50 * time.Millisecond})
	defer te.Close()

	for i := 0; i < 5; i++ {
		te.Emit(NewEvent(EventRuleEvaluated, "r1").WithPayload("result", i%2 == 0))
	}
	te.Emit(NewEvent(EventRuleEvaluated, "r2").WithPayload("result", false))

	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected nothing before flush, got %d events", len(got))
	}

	time.Sleep(150 * time.Millisecond)

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 coalesced events, got %d", len(got))
	}
	byRule := map[string]Event{}
	for _, e := range got {
		byRule[e.RuleID] = e
	}
	r1 := byRule["r1"]
	if r1.Payload["coalesced"] != 5 || r1.Payload["result"] != true {
		t.Errorf("r1 payload = %v, want latest result and coalesced=5", r1.Payload)
	}
	if _, ok := byRule["r2"].Payload["coalesced"]; ok {
		t.Errorf("r2 payload = %v, want no coalesced count for a single evaluation", byRule["r2"].Payload)
	}
}

func TestThrottle_CloseFlushesPending(t *testing.T) {
	rec := &recordingEmitter{}
	te := NewThrottledEmitter(rec.emit, ThrottleConfig{CoalesceInterval: time.Hour})

	te.Emit(NewEvent(EventRuleEvaluated, "r1"))
	te.Close()
	te.Close()

	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("expected pending event flushed on close, got %d", len(got))
	}

	te.Emit(NewEvent(EventRuleEvaluated, "r1"))
	if got := rec.snapshot(); len(got) != 1 {
		t.Errorf("events after close were not dropped: %d", len(got))
	}
}
