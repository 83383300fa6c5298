package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestEncode_SOS(t *testing.T) {
	msg := NewText(1, "SOS")

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// S=19, O=15, S=19 -> 010011 001111 010011 -> 0x4C 0xF4 0xC0
	want := []byte{0x01, 0x01, 0x03, 0x03, 0x4C, 0xF4, 0xC0, 0x00}
	if !bytes.Equal(data, want) {
		t.Fatalf("Encode() = % x, want % x", data, want)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !Equal(got, msg) {
		t.Errorf("Decode() = %s, want %s", Describe(got), Describe(msg))
	}
}

func TestEncode_Ack(t *testing.T) {
	data, err := Encode(&Ack{Seq: 0x7F})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Equal(data, []byte{0x02, 0x7F}) {
		t.Errorf("Encode() = % x, want 02 7f", data)
	}
}

func TestEncode_GPSLittleEndian(t *testing.T) {
	msg := NewTextWithGPS(9, "", -1, 0x01020304)
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := []byte{0x01, 0x09, 0x00, 0x00, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(data, want) {
		t.Errorf("Encode() = % x, want % x", data, want)
	}
}

func TestRoundTrip(t *testing.T) {
	full := strings.Repeat("A", MaxTextLength)
	tests := []struct {
		name string
		msg  Message
	}{
		{"empty text", NewText(0, "")},
		{"max text", NewText(127, full)},
		{"charset first 50", NewText(255, Charset[:50])},
		{"charset last 14", NewText(3, Charset[50:])},
		{"with gps", NewTextWithGPS(42, "HELLO WORLD", 52520008, 13404954)},
		{"negative gps", NewTextWithGPS(200, "S", -33868820, -151209296)},
		{"max text with gps", NewTextWithGPS(1, full, 1, -1)},
		{"ack 0", &Ack{Seq: 0}},
		{"ack 127", &Ack{Seq: 127}},
		{"ack 255", &Ack{Seq: 255}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !Equal(got, tt.msg) {
				t.Errorf("round trip = %s, want %s", Describe(got), Describe(tt.msg))
			}
		})
	}
}

func TestRoundTrip_SequenceWraparound(t *testing.T) {
	for _, seq := range []uint8{254, 255, 0} {
		data, err := Encode(&Ack{Seq: seq})
		if err != nil {
			t.Fatalf("Encode(seq=%d) error = %v", seq, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(seq=%d) error = %v", seq, err)
		}
		if got.Sequence() != seq {
			t.Errorf("seq = %d, want %d", got.Sequence(), seq)
		}
	}
}

func TestTextSizeLaw(t *testing.T) {
	for n := 0; n <= MaxTextLength; n++ {
		text := strings.Repeat("Z", n)
		for _, gps := range []bool{false, true} {
			msg := &Text{Seq: 1, Text: text, HasGPS: gps}
			data, err := Encode(msg)
			if err != nil {
				t.Fatalf("Encode(n=%d) error = %v", n, err)
			}
			packedLen := (n*6 + 7) / 8
			if int(data[3]) != packedLen {
				t.Errorf("n=%d packed_len = %d, want %d", n, data[3], packedLen)
			}
			want := 4 + packedLen + 1
			if gps {
				want += 8
			}
			if len(data) != want {
				t.Errorf("n=%d gps=%v size = %d, want %d", n, gps, len(data), want)
			}
			if len(data) < MinTextSize || len(data) > MaxTextSize {
				t.Errorf("n=%d size %d outside [%d,%d]", n, len(data), MinTextSize, MaxTextSize)
			}
		}
	}
}

func TestEncode_LowercaseNormalized(t *testing.T) {
	data, err := Encode(NewText(5, "hello, world!"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if text := got.(*Text).Text; text != "HELLO, WORLD!" {
		t.Errorf("decoded text = %q, want %q", text, "HELLO, WORLD!")
	}
}

func TestEncode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{"text too long", NewText(1, strings.Repeat("A", MaxTextLength+1)), ErrTextTooLong},
		{"tilde", NewText(1, "A~B"), ErrUnsupportedCharacter},
		{"backslash", NewText(1, `A\B`), ErrUnsupportedCharacter},
		{"non ascii", NewText(1, "CAFÉ"), ErrUnsupportedCharacter},
		{"newline", NewText(1, "A\nB"), ErrUnsupportedCharacter},
		{"nil message", nil, ErrUnknownMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.msg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Encode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeTo_BufferTooSmall(t *testing.T) {
	buf := make([]byte, 7)
	if _, err := EncodeTo(buf, NewText(1, "SOS")); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("EncodeTo(text) error = %v, want %v", err, ErrBufferTooSmall)
	}
	if _, err := EncodeTo(buf[:1], &Ack{Seq: 1}); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("EncodeTo(ack) error = %v, want %v", err, ErrBufferTooSmall)
	}
	n, err := EncodeTo(make([]byte, MaxMessageSize), NewText(1, "SOS"))
	if err != nil || n != 8 {
		t.Errorf("EncodeTo() = %d, %v; want 8, nil", n, err)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrBufferTooShort},
		{"unknown type", []byte{0x03, 0x00}, ErrUnknownType},
		{"zero type", []byte{0x00}, ErrUnknownType},
		{"ack missing seq", []byte{0x02}, ErrBufferTooShort},
		{"text header short", []byte{0x01, 0x01, 0x00, 0x00}, ErrBufferTooShort},
		{"packed len past end", []byte{0x01, 0x01, 0x03, 0x03, 0x4C, 0xF4, 0xC0}, ErrBufferTooShort},
		{"gps tail short", []byte{0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}, ErrBufferTooShort},
		{"char count exceeds packed", []byte{0x01, 0x01, 0x05, 0x01, 0xFF, 0x00}, ErrInvalidPackedData},
		{"char count over limit", append([]byte{0x01, 0x01, 51, 39}, make([]byte, 40)...), ErrInvalidPackedData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
			if msg != nil {
				t.Errorf("Decode() returned partial message %s", Describe(msg))
			}
		})
	}
}

func TestDecode_TruncationAlwaysFails(t *testing.T) {
	msgs := []Message{
		NewText(1, "SOS"),
		NewTextWithGPS(2, "MEET AT THE RIDGE (N SIDE) 14:30", 47123456, -122654321),
		NewText(3, strings.Repeat("#", MaxTextLength)),
		NewText(4, ""),
		&Ack{Seq: 9},
	}

	for _, msg := range msgs {
		data, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode(%s) error = %v", Describe(msg), err)
		}
		for cut := 0; cut < len(data); cut++ {
			got, err := Decode(data[:cut])
			if err == nil {
				t.Errorf("Decode(%s truncated to %d) succeeded with %s", Describe(msg), cut, Describe(got))
				continue
			}
			if !errors.Is(err, ErrBufferTooShort) {
				t.Errorf("Decode(%s truncated to %d) error = %v, want length error", Describe(msg), cut, err)
			}
		}
	}
}

func TestDecode_IgnoresTrailingBytes(t *testing.T) {
	data := []byte{0x02, 0x05, 0xAA, 0xBB}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !Equal(msg, &Ack{Seq: 5}) {
		t.Errorf("Decode() = %s, want ACK seq=5", Describe(msg))
	}
}

func TestDecode_NoGPSIsAbsent(t *testing.T) {
	msg, err := Decode([]byte{0x01, 0x07, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	txt := msg.(*Text)
	if txt.HasGPS {
		t.Error("HasGPS should be false")
	}
	if !Equal(txt, &Text{Seq: 7, Lat: 99, Lon: 99}) {
		t.Error("coordinates must be ignored when HasGPS is false")
	}
}

func TestEqual(t *testing.T) {
	if Equal(&Ack{Seq: 1}, NewText(1, "")) {
		t.Error("ack should not equal text")
	}
	if Equal(NewTextWithGPS(1, "A", 1, 2), NewTextWithGPS(1, "A", 1, 3)) {
		t.Error("different coordinates should not be equal")
	}
	if Equal(NewTextWithGPS(1, "A", 1, 2), NewText(1, "A")) {
		t.Error("gps presence should matter")
	}
}

func TestMessageType_String(t *testing.T) {
	if MessageTypeText.String() != "TEXT" || MessageTypeAck.String() != "ACK" {
		t.Error("unexpected type names")
	}
	if got := MessageType(9).String(); got != "UNKNOWN(9)" {
		t.Errorf("String() = %q", got)
	}
}
