// Package ack correlates outbound Text messages with the Acks that come
// back over the radio.
//
// Each pending entry is keyed by the Text's sequence number. The tracker
// never retransmits: an entry that is not acknowledged within the timeout is
// reported once through OnTimeout and forgotten. Because sequence numbers
// wrap at 256, a new Text with the same sequence replaces the older entry.
package ack

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/lorabridge/core/clock"
)

// DefaultACKTimeout is the default time to wait for an Ack before the
// pending entry is reported as unacknowledged.
const DefaultACKTimeout = 30 * time.Second

// PendingACK represents an outbound Text awaiting acknowledgement.
type PendingACK struct {
	// OnACK is called when the Ack is received. May be nil.
	OnACK func()

	// OnTimeout is called when the timeout elapses without an Ack. May be nil.
	OnTimeout func()

	sentAt time.Time
}

// TrackerConfig configures an ACK Tracker.
type TrackerConfig struct {
	// ACKTimeout is the maximum time to wait for an Ack.
	// Default: 30 seconds.
	ACKTimeout time.Duration

	// Clock is the time source. Defaults to the system clock.
	Clock clock.Clock

	// Logger for tracker events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker tracks pending Acks by sequence number.
type Tracker struct {
	cfg     TrackerConfig
	log     *slog.Logger
	clock   clock.Clock
	mu      sync.Mutex
	pending map[uint8]*PendingACK
}

// NewTracker creates an ACK tracker with the given configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.ACKTimeout <= 0 {
		cfg.ACKTimeout = DefaultACKTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("ack"),
		clock:   clock.OrSystem(cfg.Clock),
		pending: make(map[uint8]*PendingACK),
	}
}

// Track registers a pending Ack. If a pending entry with the same sequence
// already exists it is replaced (the old entry's callbacks are not called).
func (t *Tracker) Track(seq uint8, pending PendingACK) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending.sentAt = t.clock.Now()
	t.pending[seq] = &pending
}

// Resolve marks an Ack as received. Returns true if the sequence was pending.
// If found, the entry's OnACK callback is called and the entry is removed.
func (t *Tracker) Resolve(seq uint8) bool {
	t.mu.Lock()
	p, ok := t.pending[seq]
	if ok {
		delete(t.pending, seq)
	}
	t.mu.Unlock()

	if ok && p.OnACK != nil {
		p.OnACK()
	}
	return ok
}

// Cancel removes a pending Ack without calling any callbacks.
func (t *Tracker) Cancel(seq uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, seq)
}

// PendingCount returns the number of pending Acks.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CheckTimeouts expires every entry older than the timeout, calling its
// OnTimeout callback outside the lock. It returns the number expired.
func (t *Tracker) CheckTimeouts() int {
	t.mu.Lock()
	now := t.clock.Now()

	var expired []*PendingACK
	var seqs []uint8
	for seq, p := range t.pending {
		if now.Sub(p.sentAt) < t.cfg.ACKTimeout {
			continue
		}
		expired = append(expired, p)
		seqs = append(seqs, seq)
		delete(t.pending, seq)
	}
	t.mu.Unlock()

	for i, p := range expired {
		t.log.Debug("no ack received", "seq", seqs[i], "waited", now.Sub(p.sentAt))
		if p.OnTimeout != nil {
			p.OnTimeout()
		}
	}
	return len(expired)
}
