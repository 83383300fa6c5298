package router

import "sync/atomic"

// RouterCounters tracks routing statistics using atomic counters.
// All fields are safe for concurrent access.
type RouterCounters struct {
	PeerWrites       atomic.Uint32 // Payloads written by the peer
	RadioRecv        atomic.Uint32 // Raw packets received from the radio
	RadioSent        atomic.Uint32 // Messages transmitted on the radio
	SendFailures     atomic.Uint32 // Radio sends that failed after the retry
	Delivered        atomic.Uint32 // Messages delivered to the peer
	DeliveryFailures atomic.Uint32 // Peer sends that failed
	Buffered         atomic.Uint32 // Messages stored in the offline buffer
	Evicted          atomic.Uint32 // Buffered messages lost to overflow
	Duplicates       atomic.Uint32 // Repeated Texts suppressed
	Malformed        atomic.Uint32 // Payloads that failed to decode
	QueueDrops       atomic.Uint32 // Handler events dropped on a full queue
	AcksResolved     atomic.Uint32 // Outbound Texts acknowledged
	AckTimeouts      atomic.Uint32 // Outbound Texts never acknowledged
}

// CountersSnapshot is a plain-value copy of RouterCounters for reading.
type CountersSnapshot struct {
	PeerWrites       uint32
	RadioRecv        uint32
	RadioSent        uint32
	SendFailures     uint32
	Delivered        uint32
	DeliveryFailures uint32
	Buffered         uint32
	Evicted          uint32
	Duplicates       uint32
	Malformed        uint32
	QueueDrops       uint32
	AcksResolved     uint32
	AckTimeouts      uint32
}

// Snapshot returns a point-in-time copy of all counters.
func (c *RouterCounters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		PeerWrites:       c.PeerWrites.Load(),
		RadioRecv:        c.RadioRecv.Load(),
		RadioSent:        c.RadioSent.Load(),
		SendFailures:     c.SendFailures.Load(),
		Delivered:        c.Delivered.Load(),
		DeliveryFailures: c.DeliveryFailures.Load(),
		Buffered:         c.Buffered.Load(),
		Evicted:          c.Evicted.Load(),
		Duplicates:       c.Duplicates.Load(),
		Malformed:        c.Malformed.Load(),
		QueueDrops:       c.QueueDrops.Load(),
		AcksResolved:     c.AcksResolved.Load(),
		AckTimeouts:      c.AckTimeouts.Load(),
	}
}
