// Package queue implements the in-process FIFO WorkQueue the
// SyncRunner drains (spec.md §4.3, §5). Unlike the teacher's
// internal/mq package — a durable, at-least-once broker abstraction
// with lease/ack/dead-letter semantics — this queue has none of that:
// it is a single-process, single-reader FIFO of envelopes, and
// delivery is exactly-once by construction (there is no redelivery
// path at all).
package queue

import (
	"sync"

	"github.com/oriys/kernel/internal/kernel/envelope"
)

// WorkQueue is a FIFO of envelopes shared between a router's local
// deliveries and the SyncRunner's pop loop.
type WorkQueue struct {
	mu    sync.Mutex
	items []envelope.Envelope
}

// New builds an empty WorkQueue.
func New() *WorkQueue {
	return &WorkQueue{}
}

// Push appends an envelope to the tail of the queue.
func (q *WorkQueue) Push(e envelope.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, e)
}

// PushDelivery converts a routed Delivery into an Envelope and pushes
// it, applying the spec's inheritance rule: a delivery's trace_id/
// reply_to/span_id fall back to the originating envelope's when unset.
func (q *WorkQueue) PushDelivery(d envelope.Delivery, fallbackTraceID, fallbackReplyTo, fallbackSpanID string) {
	traceID := d.TraceID
	if traceID == "" {
		traceID = fallbackTraceID
	}
	replyTo := d.ReplyTo
	if replyTo == "" {
		replyTo = fallbackReplyTo
	}
	spanID := d.SpanID
	if spanID == "" {
		spanID = fallbackSpanID
	}
	q.Push(envelope.Envelope{
		Payload: d.Payload,
		Target:  d.Target,
		TraceID: traceID,
		ReplyTo: replyTo,
		SpanID:  spanID,
	})
}

// Pop removes and returns the head envelope. ok is false when the
// queue is empty — the SyncRunner's exit condition.
func (q *WorkQueue) Pop() (envelope.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return envelope.Envelope{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// Len reports the current queue depth.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
