package buffer

import (
	"fmt"
	"testing"

	"github.com/kabili207/lorabridge/core/codec"
)

func text(seq int) codec.Message {
	return codec.NewText(uint8(seq), fmt.Sprintf("MSG %d", seq))
}

func seqs(msgs []codec.Message) []uint8 {
	out := make([]uint8, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sequence()
	}
	return out
}

func TestNew_DefaultCapacity(t *testing.T) {
	b := New(0)
	if b.Cap() != DefaultCapacity {
		t.Errorf("Cap() = %d, want %d", b.Cap(), DefaultCapacity)
	}
	if !b.IsEmpty() || b.Len() != 0 {
		t.Error("new buffer should be empty")
	}
}

func TestPushPop_FIFO(t *testing.T) {
	b := New(10)
	for i := 1; i <= 5; i++ {
		if b.Push(text(i)) {
			t.Fatalf("Push(%d) evicted on a non-full buffer", i)
		}
	}

	for want := 1; want <= 5; want++ {
		msg, ok := b.Pop()
		if !ok {
			t.Fatalf("Pop() empty, want seq %d", want)
		}
		if int(msg.Sequence()) != want {
			t.Errorf("Pop() seq = %d, want %d", msg.Sequence(), want)
		}
	}

	if _, ok := b.Pop(); ok {
		t.Error("Pop() on empty buffer should fail")
	}
}

func TestPush_EvictsOldest(t *testing.T) {
	b := New(10)
	for i := 1; i <= 12; i++ {
		evicted := b.Push(text(i))
		if wantEvict := i > 10; evicted != wantEvict {
			t.Errorf("Push(%d) evicted = %v, want %v", i, evicted, wantEvict)
		}
	}

	if b.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", b.Len())
	}

	got := seqs(b.Snapshot())
	for i, seq := range got {
		if int(seq) != i+3 {
			t.Fatalf("Snapshot() = %v, want 3..12", got)
		}
	}
}

func TestPeek(t *testing.T) {
	b := New(3)
	if _, ok := b.Peek(); ok {
		t.Error("Peek() on empty buffer should fail")
	}

	b.Push(text(1))
	b.Push(text(2))

	for range 2 {
		msg, ok := b.Peek()
		if !ok || msg.Sequence() != 1 {
			t.Fatalf("Peek() = %v, %v; want seq 1", msg, ok)
		}
	}
	if b.Len() != 2 {
		t.Errorf("Peek() must not remove, Len() = %d", b.Len())
	}
}

func TestWrapAround(t *testing.T) {
	b := New(3)
	for round := range 5 {
		b.Push(text(round*2 + 1))
		b.Push(text(round*2 + 2))
		first, _ := b.Pop()
		second, _ := b.Pop()
		if int(first.Sequence()) != round*2+1 || int(second.Sequence()) != round*2+2 {
			t.Fatalf("round %d: got %d,%d", round, first.Sequence(), second.Sequence())
		}
	}
	if !b.IsEmpty() {
		t.Error("buffer should be empty")
	}
}

func TestClear(t *testing.T) {
	b := New(4)
	b.Push(text(1))
	b.Push(text(2))
	b.Clear()

	if !b.IsEmpty() {
		t.Error("buffer should be empty after Clear")
	}
	b.Push(text(3))
	if msg, _ := b.Peek(); msg.Sequence() != 3 {
		t.Errorf("Peek() after Clear = %d, want 3", msg.Sequence())
	}
}

func TestSnapshotRestore(t *testing.T) {
	b := New(4)
	for i := 1; i <= 6; i++ {
		b.Push(text(i))
	}
	snap := b.Snapshot()

	restored := New(4)
	if dropped := restored.Restore(snap); dropped != 0 {
		t.Errorf("Restore() dropped = %d, want 0", dropped)
	}
	for _, want := range []uint8{3, 4, 5, 6} {
		msg, ok := restored.Pop()
		if !ok || msg.Sequence() != want {
			t.Fatalf("Pop() = %v, want seq %d", msg, want)
		}
	}
}

func TestRestore_KeepsNewest(t *testing.T) {
	b := New(2)
	dropped := b.Restore([]codec.Message{text(1), text(2), text(3)})
	if dropped != 1 {
		t.Errorf("Restore() dropped = %d, want 1", dropped)
	}
	got := seqs(b.Snapshot())
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("Snapshot() = %v, want [2 3]", got)
	}
}

func TestSnapshot_Independent(t *testing.T) {
	b := New(2)
	b.Push(text(1))
	snap := b.Snapshot()
	b.Pop()
	if len(snap) != 1 || snap[0].Sequence() != 1 {
		t.Error("Snapshot should not alias buffer storage")
	}
}
