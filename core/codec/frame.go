package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Serial framing used between the host and a UART-attached LoRa modem:
//
//	[0xC03E (2 bytes BE)][length (2 bytes BE)][payload][Fletcher-16 (2 bytes BE)]
const (
	// FrameMagic starts every serial frame.
	FrameMagic uint16 = 0xC03E
	// MaxFramePayload is the largest payload a frame may carry.
	MaxFramePayload = 256
	// FrameHeaderSize is magic (2) + length (2).
	FrameHeaderSize = 4
	// FrameChecksumSize is the trailing Fletcher-16 checksum.
	FrameChecksumSize = 2
	// MinFrameSize is an empty frame.
	MinFrameSize = FrameHeaderSize + FrameChecksumSize
)

var (
	ErrFrameTooShort    = errors.New("frame too short")
	ErrInvalidMagic     = errors.New("invalid frame magic")
	ErrPayloadTooLarge  = errors.New("payload exceeds maximum size")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrIncompleteFrame  = errors.New("incomplete frame")
)

// DecodeFrame decodes one frame from the start of data and returns its
// payload and the bytes that follow it. ErrIncompleteFrame means more data is
// needed; any other error means data does not start with a valid frame.
func DecodeFrame(data []byte) ([]byte, []byte, error) {
	if len(data) < MinFrameSize {
		return nil, data, ErrFrameTooShort
	}

	if binary.BigEndian.Uint16(data[0:2]) != FrameMagic {
		return nil, data, ErrInvalidMagic
	}

	payloadLen := int(binary.BigEndian.Uint16(data[2:4]))
	if payloadLen > MaxFramePayload {
		return nil, data, ErrPayloadTooLarge
	}

	total := FrameHeaderSize + payloadLen + FrameChecksumSize
	if len(data) < total {
		return nil, data, ErrIncompleteFrame
	}

	payload := data[FrameHeaderSize : FrameHeaderSize+payloadLen]
	received := binary.BigEndian.Uint16(data[FrameHeaderSize+payloadLen:])
	if !ValidateChecksum(payload, received) {
		return nil, data, fmt.Errorf("%w: expected %04x, got %04x",
			ErrChecksumMismatch, Fletcher16(payload), received)
	}

	out := make([]byte, payloadLen)
	copy(out, payload)
	return out, data[total:], nil
}

// EncodeFrame wraps payload in a serial frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, FrameHeaderSize+len(payload)+FrameChecksumSize)
	binary.BigEndian.PutUint16(frame[0:2], FrameMagic)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[FrameHeaderSize:], payload)
	binary.BigEndian.PutUint16(frame[FrameHeaderSize+len(payload):], Fletcher16(payload))
	return frame, nil
}

// FindFrameStart returns the index of the first frame magic in data, or -1.
func FindFrameStart(data []byte) int {
	hi, lo := byte(FrameMagic>>8), byte(FrameMagic&0xFF)
	for i := 0; i+1 < len(data); i++ {
		if data[i] == hi && data[i+1] == lo {
			return i
		}
	}
	return -1
}

// ModemFrameKind identifies a modem frame payload.
type ModemFrameKind uint8

const (
	// ModemRx carries a received radio burst with signal metadata (modem -> host).
	ModemRx ModemFrameKind = 0x01
	// ModemTx asks the modem to transmit Data (host -> modem).
	ModemTx ModemFrameKind = 0x02
	// ModemTxDone reports the end of a transmission; Status 0 is success (modem -> host).
	ModemTxDone ModemFrameKind = 0x03
	// ModemRxMode asks the modem to enter continuous receive (host -> modem).
	ModemRxMode ModemFrameKind = 0x04
)

// ModemFrameHeaderSize is kind (1) + rssi (2) + snr (1).
const ModemFrameHeaderSize = 4

var ErrUnknownModemFrame = errors.New("unknown modem frame kind")

// ModemFrame is the payload of a serial frame exchanged with the modem.
//
//	[kind u8][rssi i16 LE][snr i8, quarter dB][data...]
//
// For ModemTxDone the first data byte is the status.
type ModemFrame struct {
	Kind ModemFrameKind
	RSSI int16
	SNR  int8 // raw value, multiply by 0.25 for dB
	Data []byte
}

// SNRdB returns the signal-to-noise ratio in dB.
func (f *ModemFrame) SNRdB() float32 {
	return float32(f.SNR) / 4.0
}

// MarshalBinary encodes the modem frame payload.
func (f *ModemFrame) MarshalBinary() ([]byte, error) {
	out := make([]byte, ModemFrameHeaderSize+len(f.Data))
	out[0] = byte(f.Kind)
	binary.LittleEndian.PutUint16(out[1:3], uint16(f.RSSI))
	out[3] = byte(f.SNR)
	copy(out[ModemFrameHeaderSize:], f.Data)
	return out, nil
}

// UnmarshalBinary decodes a modem frame payload.
func (f *ModemFrame) UnmarshalBinary(data []byte) error {
	if len(data) < ModemFrameHeaderSize {
		return fmt.Errorf("%w: modem frame needs %d bytes, have %d", ErrBufferTooShort, ModemFrameHeaderSize, len(data))
	}
	kind := ModemFrameKind(data[0])
	switch kind {
	case ModemRx, ModemTx, ModemTxDone, ModemRxMode:
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownModemFrame, data[0])
	}
	f.Kind = kind
	f.RSSI = int16(binary.LittleEndian.Uint16(data[1:3]))
	f.SNR = int8(data[3])
	f.Data = make([]byte, len(data)-ModemFrameHeaderSize)
	copy(f.Data, data[ModemFrameHeaderSize:])
	return nil
}
