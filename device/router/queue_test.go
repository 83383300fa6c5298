package router

import (
	"testing"
	"time"

	"github.com/kabili207/lorabridge/core/clock"
	"github.com/kabili207/lorabridge/core/codec"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestSendQueue_Empty(t *testing.T) {
	q := NewSendQueue(clock.NewManual(epoch))
	if msg := q.Pop(); msg != nil {
		t.Error("expected nil from empty queue")
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestSendQueue_SingleItem(t *testing.T) {
	q := NewSendQueue(clock.NewManual(epoch))
	ack := &codec.Ack{Seq: 3}
	q.Push(ack, PriorityAck, 0)

	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
	if got := q.Pop(); got != ack {
		t.Errorf("Pop() = %v, want the pushed ack", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after pop, want 0", q.Len())
	}
}

func TestSendQueue_PriorityOrdering(t *testing.T) {
	q := NewSendQueue(clock.NewManual(epoch))
	text := codec.NewText(1, "HI")
	ack := &codec.Ack{Seq: 2}

	q.Push(text, PriorityText, 0)
	q.Push(ack, PriorityAck, 0)

	if got := q.Pop(); got != ack {
		t.Error("first pop should return the ack")
	}
	if got := q.Pop(); got != text {
		t.Error("second pop should return the text")
	}
}

func TestSendQueue_DelayedItems(t *testing.T) {
	clk := clock.NewManual(epoch)
	q := NewSendQueue(clk)
	delayed := &codec.Ack{Seq: 1}
	ready := codec.NewText(2, "NOW")

	q.Push(delayed, PriorityAck, 300*time.Millisecond) // high priority but delayed
	q.Push(ready, PriorityText, 0)                     // low priority but ready now

	if got := q.Pop(); got != ready {
		t.Error("should return the ready item, not the delayed one")
	}
	if got := q.Pop(); got != nil {
		t.Error("delayed item should not be ready yet")
	}

	clk.Advance(299 * time.Millisecond)
	if got := q.Pop(); got != nil {
		t.Error("delayed item returned 1ms early")
	}

	clk.Advance(time.Millisecond)
	if got := q.Pop(); got != delayed {
		t.Error("delayed item should be ready now")
	}
}

func TestSendQueue_FIFOWithinPriority(t *testing.T) {
	q := NewSendQueue(clock.NewManual(epoch))
	first := &codec.Ack{Seq: 1}
	second := &codec.Ack{Seq: 2}

	q.Push(first, PriorityAck, 0)
	q.Push(second, PriorityAck, 0)

	if got := q.Pop(); got != first {
		t.Error("should return first-inserted item when priorities are equal")
	}
	if got := q.Pop(); got != second {
		t.Error("should return second-inserted item")
	}
}
