// Package dedupe remembers recently received Text messages so that a
// sender's repeated transmission is acknowledged again but not delivered to
// the peer a second time.
//
// Messages are identified by an 8-byte truncated SHA-256 of their canonical
// encoding, kept in a fixed-size circular table. An entry only suppresses
// copies that arrive within the expiry window of the first sighting; after
// that the same message counts as new, since senders reuse sequence numbers.
package dedupe

import (
	"bytes"
	"crypto/sha256"
	"time"

	"github.com/kabili207/lorabridge/core/clock"
	"github.com/kabili207/lorabridge/core/codec"
)

const (
	// DefaultMaxHashes is the default capacity of the hash table.
	DefaultMaxHashes = 32
	// DefaultExpiry matches the sender's Ack timeout: a retransmission
	// never arrives later than that.
	DefaultExpiry = 30 * time.Second
	// HashSize is the truncated SHA-256 size.
	HashSize = 8
)

// Config configures a Deduplicator.
type Config struct {
	// MaxHashes is the table capacity. Default: DefaultMaxHashes.
	MaxHashes int
	// Expiry is how long a message suppresses its copies. Default:
	// DefaultExpiry.
	Expiry time.Duration
	// Clock defaults to the system clock.
	Clock clock.Clock
}

// Deduplicator tracks recently seen messages. It is not safe for concurrent
// use; the router owns it from its loop.
type Deduplicator struct {
	hashes    []byte // circular buffer of HashSize-byte hashes
	seenAt    []time.Time
	maxHashes int
	next      int
	expiry    time.Duration
	clock     clock.Clock
}

// New creates a Deduplicator with the default capacity and expiry.
func New() *Deduplicator {
	return NewWithConfig(Config{})
}

// NewWithCapacity creates a Deduplicator holding up to maxHashes entries.
// A non-positive capacity falls back to the default.
func NewWithCapacity(maxHashes int) *Deduplicator {
	return NewWithConfig(Config{MaxHashes: maxHashes})
}

// NewWithConfig creates a Deduplicator from cfg, filling in defaults.
func NewWithConfig(cfg Config) *Deduplicator {
	if cfg.MaxHashes <= 0 {
		cfg.MaxHashes = DefaultMaxHashes
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	return &Deduplicator{
		hashes:    make([]byte, cfg.MaxHashes*HashSize),
		seenAt:    make([]time.Time, cfg.MaxHashes),
		maxHashes: cfg.MaxHashes,
		expiry:    cfg.Expiry,
		clock:     clock.OrSystem(cfg.Clock),
	}
}

// HasSeen reports whether msg was seen within the expiry window. If not, it
// records msg and returns false. Messages that cannot be encoded are never
// recorded.
func (d *Deduplicator) HasSeen(msg codec.Message) bool {
	hash, ok := CalculateHash(msg)
	if !ok {
		return false
	}
	now := d.clock.Now()

	for i := range d.maxHashes {
		offset := i * HashSize
		if d.seenAt[i].IsZero() || !bytes.Equal(hash[:], d.hashes[offset:offset+HashSize]) {
			continue
		}
		if now.Sub(d.seenAt[i]) < d.expiry {
			return true
		}
		// Stale: the sender has moved on and reused the sequence number.
		d.seenAt[i] = now
		return false
	}

	offset := d.next * HashSize
	copy(d.hashes[offset:offset+HashSize], hash[:])
	d.seenAt[d.next] = now
	d.next = (d.next + 1) % d.maxHashes
	return false
}

// Clear forgets all previously seen messages.
func (d *Deduplicator) Clear() {
	clear(d.hashes)
	clear(d.seenAt)
	d.next = 0
}

// CalculateHash computes the deduplication hash of msg's canonical encoding.
// Two wire packets that decode to the same message hash the same, even if
// one of them carried trailing bytes.
func CalculateHash(msg codec.Message) ([HashSize]byte, bool) {
	var result [HashSize]byte
	data, err := codec.Encode(msg)
	if err != nil {
		return result, false
	}
	sum := sha256.Sum256(data)
	copy(result[:], sum[:HashSize])
	return result, true
}
