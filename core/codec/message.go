// Package codec implements the bridge wire protocol.
//
// Two message variants travel over the radio link and the short-range link
// with an identical byte layout:
//
//	Text: [0x01][seq][charCount][packedLen][packed text...][hasGps][lat i32 LE][lon i32 LE]
//	Ack:  [0x02][seq]
//
// The lat/lon tail is only present when hasGps is 1. Text is packed at six
// bits per character from a fixed 64-symbol charset (see PackText).
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType identifies a wire message variant (first byte on the wire).
type MessageType uint8

const (
	MessageTypeText MessageType = 0x01
	MessageTypeAck  MessageType = 0x02
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeText:
		return "TEXT"
	case MessageTypeAck:
		return "ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

const (
	// MaxTextLength is the maximum number of characters in a Text message.
	MaxTextLength = 50

	// TextHeaderSize covers type, seq, charCount and packedLen.
	TextHeaderSize = 4
	// GPSSize is the size of the optional lat/lon tail.
	GPSSize = 8
	// MinTextSize is an empty Text without GPS.
	MinTextSize = TextHeaderSize + 1
	// MaxTextSize is a 50-character Text with GPS.
	MaxTextSize = TextHeaderSize + 38 + 1 + GPSSize
	// AckSize is the fixed size of an Ack.
	AckSize = 2

	// MaxMessageSize is the largest encoded message of any variant.
	MaxMessageSize = MaxTextSize
)

var (
	ErrBufferTooSmall       = errors.New("buffer too small")
	ErrUnsupportedCharacter = errors.New("unsupported character")
	ErrTextTooLong          = errors.New("text exceeds maximum length")
	ErrBufferTooShort       = errors.New("buffer too short")
	ErrUnknownType          = errors.New("unknown message type")
	ErrInvalidPackedData    = errors.New("invalid packed data")
	ErrUnknownMessage       = errors.New("unsupported message value")
)

// Message is a decoded wire message. The only implementations are *Text and
// *Ack; code that dispatches on a Message should use a type switch with a
// default case that reports ErrUnknownMessage.
type Message interface {
	// Type returns the wire type byte for the message.
	Type() MessageType
	// Sequence returns the message's sequence number.
	Sequence() uint8
	isMessage()
}

// Text is a short text message with optional GPS coordinates.
type Text struct {
	Seq  uint8
	Text string
	// HasGPS reports whether Lat and Lon carry a position. When false the
	// coordinates are absent and must not be interpreted.
	HasGPS bool
	Lat    int32 // degrees * 1e6
	Lon    int32 // degrees * 1e6
}

// Ack acknowledges a previously received Text with the same sequence number.
type Ack struct {
	Seq uint8
}

func (*Text) Type() MessageType { return MessageTypeText }
func (*Ack) Type() MessageType  { return MessageTypeAck }

func (m *Text) Sequence() uint8 { return m.Seq }
func (m *Ack) Sequence() uint8  { return m.Seq }

func (*Text) isMessage() {}
func (*Ack) isMessage()  {}

// NewText creates a Text message without GPS coordinates.
func NewText(seq uint8, text string) *Text {
	return &Text{Seq: seq, Text: text}
}

// NewTextWithGPS creates a Text message carrying a position given in
// microdegrees.
func NewTextWithGPS(seq uint8, text string, lat, lon int32) *Text {
	return &Text{Seq: seq, Text: text, HasGPS: true, Lat: lat, Lon: lon}
}

// LatDegrees returns the latitude in degrees. Only meaningful when HasGPS is set.
func (m *Text) LatDegrees() float64 { return float64(m.Lat) / 1e6 }

// LonDegrees returns the longitude in degrees. Only meaningful when HasGPS is set.
func (m *Text) LonDegrees() float64 { return float64(m.Lon) / 1e6 }

// EncodedLen returns the wire size of the message, or an error if it cannot
// be encoded.
func EncodedLen(msg Message) (int, error) {
	switch m := msg.(type) {
	case *Text:
		n := len(m.Text)
		if n > MaxTextLength {
			return 0, fmt.Errorf("%w: %d chars", ErrTextTooLong, n)
		}
		size := TextHeaderSize + PackedLen(n) + 1
		if m.HasGPS {
			size += GPSSize
		}
		return size, nil
	case *Ack:
		return AckSize, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

// Encode serializes a message into a newly allocated buffer.
func Encode(msg Message) ([]byte, error) {
	size, err := EncodedLen(msg)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	n, err := EncodeTo(buf, msg)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// EncodeTo serializes a message into buf and returns the number of bytes
// written. Lowercase letters are normalized to uppercase; any character
// outside the charset fails with ErrUnsupportedCharacter.
func EncodeTo(buf []byte, msg Message) (int, error) {
	switch m := msg.(type) {
	case *Text:
		return encodeText(buf, m)
	case *Ack:
		if len(buf) < AckSize {
			return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, AckSize, len(buf))
		}
		buf[0] = byte(MessageTypeAck)
		buf[1] = m.Seq
		return AckSize, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

func encodeText(buf []byte, m *Text) (int, error) {
	charCount := len(m.Text)
	if charCount > MaxTextLength {
		return 0, fmt.Errorf("%w: %d chars", ErrTextTooLong, charCount)
	}

	packed, err := PackText(m.Text)
	if err != nil {
		return 0, err
	}

	size := TextHeaderSize + len(packed) + 1
	if m.HasGPS {
		size += GPSSize
	}
	if len(buf) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, size, len(buf))
	}

	buf[0] = byte(MessageTypeText)
	buf[1] = m.Seq
	buf[2] = uint8(charCount)
	buf[3] = uint8(len(packed))
	i := TextHeaderSize
	i += copy(buf[i:], packed)

	if m.HasGPS {
		buf[i] = 1
		i++
		binary.LittleEndian.PutUint32(buf[i:], uint32(m.Lat))
		i += 4
		binary.LittleEndian.PutUint32(buf[i:], uint32(m.Lon))
		i += 4
	} else {
		buf[i] = 0
		i++
	}

	return i, nil
}

// Decode parses a message from raw bytes. Every variable-length field is
// bounds-checked before it is read, so a truncated buffer always fails with
// ErrBufferTooShort rather than yielding a partial message. Bytes after a
// complete message are ignored.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrBufferTooShort
	}

	switch MessageType(data[0]) {
	case MessageTypeText:
		msg, err := decodeText(data)
		if err != nil {
			return nil, err
		}
		return msg, nil
	case MessageTypeAck:
		if len(data) < AckSize {
			return nil, fmt.Errorf("%w: ack needs %d bytes, have %d", ErrBufferTooShort, AckSize, len(data))
		}
		return &Ack{Seq: data[1]}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[0])
	}
}

func decodeText(data []byte) (*Text, error) {
	if len(data) < MinTextSize {
		return nil, fmt.Errorf("%w: text header needs %d bytes, have %d", ErrBufferTooShort, MinTextSize, len(data))
	}

	seq := data[1]
	charCount := int(data[2])
	packedLen := int(data[3])

	if len(data) < TextHeaderSize+packedLen+1 {
		return nil, fmt.Errorf("%w: packed text needs %d bytes, have %d",
			ErrBufferTooShort, TextHeaderSize+packedLen+1, len(data))
	}
	if charCount > MaxTextLength {
		return nil, fmt.Errorf("%w: char count %d exceeds %d", ErrInvalidPackedData, charCount, MaxTextLength)
	}

	text, err := UnpackText(data[TextHeaderSize:TextHeaderSize+packedLen], charCount)
	if err != nil {
		return nil, err
	}

	msg := &Text{Seq: seq, Text: text}
	i := TextHeaderSize + packedLen
	msg.HasGPS = data[i] != 0
	i++

	if msg.HasGPS {
		if len(data) < i+GPSSize {
			return nil, fmt.Errorf("%w: gps needs %d bytes, have %d", ErrBufferTooShort, i+GPSSize, len(data))
		}
		msg.Lat = int32(binary.LittleEndian.Uint32(data[i:]))
		msg.Lon = int32(binary.LittleEndian.Uint32(data[i+4:]))
	}

	return msg, nil
}

// Equal reports whether two messages are the same. Coordinates are only
// compared when both Texts carry GPS.
func Equal(a, b Message) bool {
	switch x := a.(type) {
	case *Text:
		y, ok := b.(*Text)
		if !ok {
			return false
		}
		if x.Seq != y.Seq || x.Text != y.Text || x.HasGPS != y.HasGPS {
			return false
		}
		if x.HasGPS {
			return x.Lat == y.Lat && x.Lon == y.Lon
		}
		return true
	case *Ack:
		y, ok := b.(*Ack)
		return ok && x.Seq == y.Seq
	default:
		return false
	}
}

// Describe returns a short human-readable summary for logging.
func Describe(msg Message) string {
	switch m := msg.(type) {
	case *Text:
		if m.HasGPS {
			return fmt.Sprintf("TEXT seq=%d %q @%.6f,%.6f", m.Seq, m.Text, m.LatDegrees(), m.LonDegrees())
		}
		return fmt.Sprintf("TEXT seq=%d %q", m.Seq, m.Text)
	case *Ack:
		return fmt.Sprintf("ACK seq=%d", m.Seq)
	default:
		return fmt.Sprintf("%T", msg)
	}
}
