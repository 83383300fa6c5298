package power

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kabili207/lorabridge/core/codec"
)

// Sleep state block layout, little-endian unless noted:
//
//	[magic u32][version u8][count u8][wakeCount u32][lastActivity u32]
//	[capacity x slot][fletcher16 u16 BE]
//
// Each slot is [len u8][encoded message, zero padded to codec.MaxMessageSize].
// The block size depends only on the buffer capacity.
const (
	StateMagic   uint32 = 0xDEADBEEF
	StateVersion uint8  = 1

	stateHeaderSize = 4 + 1 + 1 + 4 + 4
	slotSize        = 1 + codec.MaxMessageSize
	checksumSize    = 2
)

var (
	ErrNoState       = errors.New("no sleep state stored")
	ErrStateSize     = errors.New("sleep state has wrong size")
	ErrInvalidMarker = errors.New("sleep state marker invalid")
	ErrStateChecksum = errors.New("sleep state checksum mismatch")
	ErrStateVersion  = errors.New("unsupported sleep state version")
	ErrStateCorrupt  = errors.New("sleep state corrupt")
)

// SleepState is the data carried across a suspend/resume cycle.
type SleepState struct {
	WakeCount    uint32
	LastActivity uint32 // UNIX seconds
	Messages     []codec.Message
}

// StateSize returns the encoded block size for a buffer of the given capacity.
func StateSize(capacity int) int {
	return stateHeaderSize + capacity*slotSize + checksumSize
}

// EncodeState serializes s into a block sized for capacity. If s holds more
// messages than capacity, only the newest are written.
func EncodeState(s *SleepState, capacity int) ([]byte, error) {
	if capacity <= 0 || capacity > 255 {
		return nil, fmt.Errorf("%w: capacity %d", ErrStateSize, capacity)
	}
	msgs := s.Messages
	if len(msgs) > capacity {
		msgs = msgs[len(msgs)-capacity:]
	}

	out := make([]byte, StateSize(capacity))
	binary.LittleEndian.PutUint32(out[0:4], StateMagic)
	out[4] = StateVersion
	out[5] = uint8(len(msgs))
	binary.LittleEndian.PutUint32(out[6:10], s.WakeCount)
	binary.LittleEndian.PutUint32(out[10:14], s.LastActivity)

	for i, msg := range msgs {
		slot := out[stateHeaderSize+i*slotSize:]
		n, err := codec.EncodeTo(slot[1:slotSize], msg)
		if err != nil {
			return nil, fmt.Errorf("encoding slot %d: %w", i, err)
		}
		slot[0] = uint8(n)
	}

	body := out[:len(out)-checksumSize]
	binary.BigEndian.PutUint16(out[len(body):], codec.Fletcher16(body))
	return out, nil
}

// DecodeState parses a block written by EncodeState. Any inconsistency is
// reported as an error; a partially valid block is never returned.
func DecodeState(data []byte, capacity int) (*SleepState, error) {
	if len(data) == 0 {
		return nil, ErrNoState
	}
	if len(data) != StateSize(capacity) {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrStateSize, len(data), StateSize(capacity))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != StateMagic {
		return nil, fmt.Errorf("%w: %08x", ErrInvalidMarker, magic)
	}

	body := data[:len(data)-checksumSize]
	if received := binary.BigEndian.Uint16(data[len(body):]); !codec.ValidateChecksum(body, received) {
		return nil, fmt.Errorf("%w: got %04x", ErrStateChecksum, received)
	}
	if data[4] != StateVersion {
		return nil, fmt.Errorf("%w: %d", ErrStateVersion, data[4])
	}

	count := int(data[5])
	if count > capacity {
		return nil, fmt.Errorf("%w: %d messages for capacity %d", ErrStateCorrupt, count, capacity)
	}

	s := &SleepState{
		WakeCount:    binary.LittleEndian.Uint32(data[6:10]),
		LastActivity: binary.LittleEndian.Uint32(data[10:14]),
		Messages:     make([]codec.Message, 0, count),
	}
	for i := range count {
		slot := data[stateHeaderSize+i*slotSize:]
		n := int(slot[0])
		if n == 0 || n > codec.MaxMessageSize {
			return nil, fmt.Errorf("%w: slot %d length %d", ErrStateCorrupt, i, n)
		}
		msg, err := codec.Decode(slot[1 : 1+n])
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d: %v", ErrStateCorrupt, i, err)
		}
		s.Messages = append(s.Messages, msg)
	}
	return s, nil
}

// ValidateOrInit is the only way persisted state is read back. It returns the
// decoded state if data is valid, otherwise a fresh empty state together with
// the reason the stored block was rejected.
func ValidateOrInit(data []byte, capacity int) (state *SleepState, reason error) {
	s, err := DecodeState(data, capacity)
	if err != nil {
		return &SleepState{}, err
	}
	return s, nil
}
