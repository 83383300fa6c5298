package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	if frame[0] != 0xC0 || frame[1] != 0x3E {
		t.Errorf("magic = %02x%02x, want c03e", frame[0], frame[1])
	}
	if frame[2] != 0x00 || frame[3] != 0x04 {
		t.Errorf("length = %02x%02x, want 0004", frame[2], frame[3])
	}

	got, rest, err := DecodeFrame(append(frame, 0xAA))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = % x, want % x", got, payload)
	}
	if !bytes.Equal(rest, []byte{0xAA}) {
		t.Errorf("remaining = % x, want aa", rest)
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	good, _ := EncodeFrame([]byte("hi"))
	corrupt := append([]byte(nil), good...)
	corrupt[len(corrupt)-1] ^= 0xFF

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"too short", []byte{0xC0, 0x3E}, ErrFrameTooShort},
		{"bad magic", []byte{0xAA, 0xBB, 0x00, 0x00, 0x00, 0x00}, ErrInvalidMagic},
		{"too large", []byte{0xC0, 0x3E, 0x01, 0x01, 0x00, 0x00}, ErrPayloadTooLarge},
		{"incomplete", good[:len(good)-1], ErrIncompleteFrame},
		{"checksum", corrupt, ErrChecksumMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeFrame(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodeFrame() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeFrame_TooLarge(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, MaxFramePayload+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("EncodeFrame() error = %v, want %v", err, ErrPayloadTooLarge)
	}
}

func TestFindFrameStart(t *testing.T) {
	tests := []struct {
		data []byte
		want int
	}{
		{nil, -1},
		{[]byte{0xC0}, -1},
		{[]byte{0xC0, 0x3E}, 0},
		{[]byte{0x00, 0xC0, 0xC0, 0x3E}, 2},
		{[]byte{0x3E, 0xC0}, -1},
	}
	for _, tt := range tests {
		if got := FindFrameStart(tt.data); got != tt.want {
			t.Errorf("FindFrameStart(% x) = %d, want %d", tt.data, got, tt.want)
		}
	}
}

func TestModemFrame(t *testing.T) {
	in := ModemFrame{Kind: ModemRx, RSSI: -97, SNR: -22, Data: []byte{0x02, 0x07}}
	raw, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}

	var out ModemFrame
	if err := out.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if out.Kind != in.Kind || out.RSSI != in.RSSI || out.SNR != in.SNR || !bytes.Equal(out.Data, in.Data) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
	if out.SNRdB() != -5.5 {
		t.Errorf("SNRdB() = %v, want -5.5", out.SNRdB())
	}

	if err := out.UnmarshalBinary([]byte{0x01, 0x00}); !errors.Is(err, ErrBufferTooShort) {
		t.Errorf("short frame error = %v", err)
	}
	if err := out.UnmarshalBinary([]byte{0x09, 0, 0, 0}); !errors.Is(err, ErrUnknownModemFrame) {
		t.Errorf("unknown kind error = %v", err)
	}
}
