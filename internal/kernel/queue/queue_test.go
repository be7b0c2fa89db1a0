package queue

import (
	"testing"

	"github.com/oriys/kernel/internal/kernel/envelope"
)

func TestFIFOOrder(t *testing.T) {
	q := New()
	q.Push(envelope.Envelope{Target: "A"})
	q.Push(envelope.Envelope{Target: "B"})

	first, ok := q.Pop()
	if !ok || first.Target != "A" {
		t.Fatalf("expected A first, got %+v ok=%v", first, ok)
	}
	second, ok := q.Pop()
	if !ok || second.Target != "B" {
		t.Fatalf("expected B second, got %+v ok=%v", second, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestPushDeliveryInheritsFallbacks(t *testing.T) {
	q := New()
	q.PushDelivery(envelope.Delivery{Target: "B", Payload: 1}, "t1", "http:req-1", "span-1")

	e, ok := q.Pop()
	if !ok {
		t.Fatalf("expected an envelope")
	}
	if e.TraceID != "t1" || e.ReplyTo != "http:req-1" || e.SpanID != "span-1" {
		t.Fatalf("expected inherited fields, got %+v", e)
	}
}

func TestPushDeliveryPrefersOwnFields(t *testing.T) {
	q := New()
	q.PushDelivery(envelope.Delivery{Target: "B", Payload: 1, TraceID: "t2"}, "t1", "", "")

	e, _ := q.Pop()
	if e.TraceID != "t2" {
		t.Fatalf("expected delivery's own trace_id to win, got %q", e.TraceID)
	}
}
