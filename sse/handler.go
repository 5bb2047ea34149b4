// Package sse provides a Server-Sent Events handler for streaming rule
// lifecycle events to HTTP clients. It supports replaying stored events and
// subscribing to live events via the event bus.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/petalrules/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the JSON-serializable representation of a rule event sent
// over the SSE stream.
type sseEvent struct {
	Kind     string         `json:"kind"`
	RuleID   string         `json:"rule_id,omitempty"`
	RuleName string         `json:"rule_name,omitempty"`
	Time     time.Time      `json:"time"`
	Payload  map[string]any `json:"payload"`
	Seq      uint64         `json:"seq"`
}

func toSSEEvent(e bus.Event) sseEvent {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return sseEvent{
		Kind:     string(e.Kind),
		RuleID:   e.RuleID,
		RuleName: e.RuleName,
		Time:     e.Time,
		Payload:  payload,
		Seq:      e.Seq,
	}
}

// ResolveFunc maps the {id} path value (a rule ID or name) to a rule ID.
// It returns an error when no such rule exists.
type ResolveFunc func(ctx context.Context, idOrName string) (string, error)

// SSEHandler serves an SSE stream of rule events. It first replays stored
// events from the EventStore, then subscribes to live events via the
// EventBus. Duplicate events (by sequence number) are skipped.
//
// With an "id" path value the stream is scoped to that rule and closes after
// the rule's "rule.deleted" event. Without one it carries every event and
// runs until the client disconnects. The last-seen sequence number may be
// given as an "after" query parameter or a Last-Event-ID header.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every HeartbeatInterval.
type SSEHandler struct {
	store   bus.EventStore
	bus     bus.EventBus
	resolve ResolveFunc
}

// NewSSEHandler creates a new SSEHandler with the given EventStore and
// EventBus. resolve may be nil, in which case the path value is used as the
// rule ID unchanged.
func NewSSEHandler(store bus.EventStore, eb bus.EventBus, resolve ResolveFunc) *SSEHandler {
	return &SSEHandler{
		store:   store,
		bus:     eb,
		resolve: resolve,
	}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("id")
	if ruleID != "" && h.resolve != nil {
		resolved, err := h.resolve(r.Context(), ruleID)
		if err != nil {
			http.Error(w, fmt.Sprintf("rule %q not found", ruleID), http.StatusNotFound)
			return
		}
		ruleID = resolved
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	afterSeq, err := parseCursor(r)
	if err != nil {
		http.Error(w, "invalid after parameter", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe to live events before replaying stored events, to avoid
	// missing events that arrive between replay and subscription.
	var sub bus.Subscription
	if ruleID == "" {
		sub = h.bus.SubscribeAll()
	} else {
		sub = h.bus.Subscribe(ruleID)
	}
	defer sub.Close()

	lastSeq := afterSeq
	finished, err := h.replayStored(ctx, w, flusher, ruleID, afterSeq, &lastSeq)
	if err != nil || finished {
		return
	}

	h.streamLive(ctx, w, flusher, sub, ruleID, &lastSeq)
}

func parseCursor(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// ends reports whether evt is the last event a scoped stream will carry.
func ends(ruleID string, evt bus.Event) bool {
	return ruleID != "" && evt.Kind == bus.EventRuleDeleted
}

// replayStored replays events from the store, writing them to the SSE stream.
// It returns true if the stream should close.
func (h *SSEHandler) replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	ruleID string,
	afterSeq uint64,
	lastSeq *uint64,
) (finished bool, err error) {
	if h.store == nil {
		return false, nil
	}
	events, err := h.store.List(ctx, ruleID, afterSeq, 0)
	if err != nil {
		return false, err
	}

	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		if err := writeSSEEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()

		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}
		if ends(ruleID, evt) {
			return true, nil
		}
	}

	return false, nil
}

// streamLive streams events from the live subscription, deduplicating against
// already-sent sequence numbers.
func (h *SSEHandler) streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	ruleID string,
	lastSeq *uint64,
) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= *lastSeq {
				continue
			}

			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			*lastSeq = evt.Seq

			if ends(ruleID, evt) {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt bus.Event) error {
	data, err := json.Marshal(toSSEEvent(evt))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
