// Package buffer holds messages received from the radio while no peer is
// connected, so they can be delivered once one connects.
//
// Buffer is a bounded FIFO: pushing into a full buffer evicts the oldest
// entry. It is owned by the router loop and the power manager, which never
// run concurrently, so it has no locking of its own.
package buffer

import "github.com/kabili207/lorabridge/core/codec"

// DefaultCapacity is the number of messages retained while the peer is away.
const DefaultCapacity = 10

// Buffer is a fixed-capacity ring of messages.
type Buffer struct {
	items []codec.Message
	head  int // index of the oldest entry
	count int
}

// New creates a Buffer holding at most capacity messages. A non-positive
// capacity uses DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{items: make([]codec.Message, capacity)}
}

// Push appends msg. When the buffer is full the oldest message is dropped
// and evicted reports true.
func (b *Buffer) Push(msg codec.Message) (evicted bool) {
	if b.count == len(b.items) {
		b.items[b.head] = nil
		b.head = (b.head + 1) % len(b.items)
		b.count--
		evicted = true
	}
	b.items[(b.head+b.count)%len(b.items)] = msg
	b.count++
	return evicted
}

// Pop removes and returns the oldest message.
func (b *Buffer) Pop() (codec.Message, bool) {
	if b.count == 0 {
		return nil, false
	}
	msg := b.items[b.head]
	b.items[b.head] = nil
	b.head = (b.head + 1) % len(b.items)
	b.count--
	return msg, true
}

// Peek returns the oldest message without removing it.
func (b *Buffer) Peek() (codec.Message, bool) {
	if b.count == 0 {
		return nil, false
	}
	return b.items[b.head], true
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int { return b.count }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return len(b.items) }

// IsEmpty reports whether the buffer holds no messages.
func (b *Buffer) IsEmpty() bool { return b.count == 0 }

// Clear drops every buffered message.
func (b *Buffer) Clear() {
	clear(b.items)
	b.head = 0
	b.count = 0
}

// Snapshot returns the buffered messages oldest first.
func (b *Buffer) Snapshot() []codec.Message {
	out := make([]codec.Message, 0, b.count)
	for i := range b.count {
		out = append(out, b.items[(b.head+i)%len(b.items)])
	}
	return out
}

// Restore replaces the contents with msgs (oldest first). If msgs exceeds
// the capacity only the newest messages are kept. It returns the number of
// messages discarded.
func (b *Buffer) Restore(msgs []codec.Message) int {
	b.Clear()
	dropped := 0
	if len(msgs) > len(b.items) {
		dropped = len(msgs) - len(b.items)
		msgs = msgs[dropped:]
	}
	copy(b.items, msgs)
	b.count = len(msgs)
	return dropped
}
