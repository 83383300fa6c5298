package router

import (
	"sync"
	"time"

	"github.com/kabili207/lorabridge/core/clock"
	"github.com/kabili207/lorabridge/core/codec"
)

// Send priorities for the deferred radio queue.
const (
	PriorityAck  = 0 // Highest: automatic acknowledgements
	PriorityText = 1 // User messages held back by the duty-cycle budget
)

// SendQueue is a priority-ordered outbound message queue.
// Lower priority numbers are dequeued first. Items with a future readyAt
// time are held until that time has passed.
type SendQueue struct {
	mu    sync.Mutex
	clock clock.Clock
	items []queueItem
}

type queueItem struct {
	msg      codec.Message
	priority uint8
	readyAt  time.Time
}

// NewSendQueue creates an empty send queue using clk (nil for the system
// clock).
func NewSendQueue(clk clock.Clock) *SendQueue {
	return &SendQueue{clock: clock.OrSystem(clk)}
}

// Push adds a message to the queue with the given priority and delay.
// Priority 0 is highest. The message will not be returned by Pop until
// the delay has elapsed.
func (q *SendQueue) Push(msg codec.Message, priority uint8, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queueItem{
		msg:      msg,
		priority: priority,
		readyAt:  q.clock.Now().Add(delay),
	})
}

// Pop returns the highest-priority ready message, or nil if none are ready.
// Among items with equal priority, the earliest-inserted item is returned.
func (q *SendQueue) Pop() codec.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	bestIdx := -1
	var bestPri uint8 = 255

	for i, item := range q.items {
		if now.Before(item.readyAt) {
			continue
		}
		if bestIdx == -1 || item.priority < bestPri {
			bestIdx = i
			bestPri = item.priority
		}
	}

	if bestIdx == -1 {
		return nil
	}

	msg := q.items[bestIdx].msg
	q.items = append(q.items[:bestIdx], q.items[bestIdx+1:]...)
	return msg
}

// Len returns the total number of items in the queue (ready or not).
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
