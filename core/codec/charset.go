package codec

import "fmt"

// Charset is the 64-symbol alphabet used for 6-bit text packing. A
// character's index in this string is its packed value.
const Charset = " ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.,!?-:;'\"@#$%&*()[]{}=+/<>_"

var charIndex = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(Charset); i++ {
		idx[Charset[i]] = int8(i)
	}
	return idx
}()

// CharValue returns the 6-bit value for a character, normalizing ASCII
// lowercase to uppercase. ok is false for characters outside the charset.
func CharValue(ch byte) (value uint8, ok bool) {
	if ch >= 'a' && ch <= 'z' {
		ch -= 'a' - 'A'
	}
	v := charIndex[ch]
	if v < 0 {
		return 0, false
	}
	return uint8(v), true
}

// Normalize uppercases ASCII letters. Other characters are left untouched so
// that validation still rejects them.
func Normalize(text string) string {
	b := []byte(text)
	for i, ch := range b {
		if ch >= 'a' && ch <= 'z' {
			b[i] = ch - ('a' - 'A')
		}
	}
	return string(b)
}

// Validate checks that every character of text is in the charset and that
// the text fits in a single message.
func Validate(text string) error {
	if len(text) > MaxTextLength {
		return fmt.Errorf("%w: %d chars", ErrTextTooLong, len(text))
	}
	for i := 0; i < len(text); i++ {
		if _, ok := CharValue(text[i]); !ok {
			return fmt.Errorf("%w: %q at offset %d", ErrUnsupportedCharacter, text[i], i)
		}
	}
	return nil
}

// PackedLen returns the packed byte length for n characters: ceil(n*6/8).
func PackedLen(n int) int {
	return (n*6 + 7) / 8
}

// PackText packs text at six bits per character, most significant bit
// first. A character whose bit offset within the current byte is greater
// than 2 spans two bytes.
func PackText(text string) ([]byte, error) {
	if err := Validate(text); err != nil {
		return nil, err
	}

	out := make([]byte, PackedLen(len(text)))
	bitOffset := 0
	for i := 0; i < len(text); i++ {
		value, _ := CharValue(text[i])

		byteIdx := bitOffset / 8
		bitInByte := bitOffset % 8

		if bitInByte <= 2 {
			out[byteIdx] |= value << (2 - bitInByte)
		} else {
			bitsInFirst := 8 - bitInByte
			bitsInSecond := 6 - bitsInFirst
			out[byteIdx] |= value >> bitsInSecond
			out[byteIdx+1] |= value << (8 - bitsInSecond)
		}

		bitOffset += 6
	}
	return out, nil
}

// UnpackText reads charCount 6-bit values from packed and maps them back to
// charset symbols. It fails with ErrInvalidPackedData if packed runs out
// mid-character.
func UnpackText(packed []byte, charCount int) (string, error) {
	out := make([]byte, charCount)
	bitOffset := 0

	for i := 0; i < charCount; i++ {
		byteIdx := bitOffset / 8
		bitInByte := bitOffset % 8

		if byteIdx >= len(packed) {
			return "", fmt.Errorf("%w: need byte %d of %d for char %d",
				ErrInvalidPackedData, byteIdx+1, len(packed), i)
		}

		var value uint8
		if bitInByte <= 2 {
			value = (packed[byteIdx] >> (2 - bitInByte)) & 0x3F
		} else {
			if byteIdx+1 >= len(packed) {
				return "", fmt.Errorf("%w: need byte %d of %d for char %d",
					ErrInvalidPackedData, byteIdx+2, len(packed), i)
			}
			bitsInFirst := 8 - bitInByte
			bitsInSecond := 6 - bitsInFirst
			first := packed[byteIdx] & (1<<bitsInFirst - 1)
			second := packed[byteIdx+1] >> (8 - bitsInSecond)
			value = first<<bitsInSecond | second
		}

		out[i] = Charset[value]
		bitOffset += 6
	}
	return string(out), nil
}
