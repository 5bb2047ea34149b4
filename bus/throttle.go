package bus

import (
	"sync"
	"time"
)

// Emitter delivers one event.
type Emitter func(Event)

// ThrottleConfig controls the behavior of ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often to flush coalesced evaluation events.
	// Default: 100ms
	CoalesceInterval time.Duration
}

// ThrottledEmitter wraps an Emitter and coalesces high-frequency
// rule.evaluated events. Other events pass through immediately.
// Evaluation events are coalesced per rule: only the latest one for each
// rule is kept within an interval, and it carries a "coalesced" payload
// entry with the number of evaluations it stands for when that is more
// than one.
type ThrottledEmitter struct {
	emit     Emitter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]Event // ruleID -> latest evaluation
	counts  map[string]int
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledEmitter creates a ThrottledEmitter and starts its flush loop.
func NewThrottledEmitter(emit Emitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	te := &ThrottledEmitter{
		emit:     emit,
		interval: interval,
		pending:  make(map[string]Event),
		counts:   make(map[string]int),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	go te.run()

	return te
}

// Emit sends an event through the emitter.
func (te *ThrottledEmitter) Emit(e Event) {
	if e.Kind != EventRuleEvaluated {
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.closed {
		return
	}

	te.pending[e.RuleID] = e
	te.counts[e.RuleID]++
}

// Close flushes pending events and stops the background ticker.
// It is safe to call Close multiple times.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stopCh)
	<-te.doneCh
}

func (te *ThrottledEmitter) run() {
	defer close(te.doneCh)

	ticker := time.NewTicker(te.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stopCh:
			te.flush()
			return
		}
	}
}

// flush sends the pending events and clears them.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}

	// Swap out the pending maps so we can release the lock during emission.
	toFlush, counts := te.pending, te.counts
	te.pending = make(map[string]Event)
	te.counts = make(map[string]int)
	te.mu.Unlock()

	for ruleID, e := range toFlush {
		if n := counts[ruleID]; n > 1 {
			e = e.WithPayload("coalesced", n)
		}
		te.emit(e)
	}
}
