package mqtt

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pyr33x/goqttd/pkg/er"
)

// decodeString reads a length-prefixed UTF-8 string per MQTT 3.1.1 §1.5.3.
// It returns the string and the number of bytes consumed (2 + length).
func decodeString(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, &er.Err{Context: "decodeString", Message: er.ErrShortBuffer}
	}

	length := int(binary.BigEndian.Uint16(b[:2]))
	if len(b) < 2+length {
		return "", 0, &er.Err{Context: "decodeString", Message: er.ErrRemainingLenMissmatch}
	}

	s := string(b[2 : 2+length])
	if err := validateUTF8(s); err != nil {
		return "", 0, err
	}
	return s, 2 + length, nil
}

// encodeString writes a length-prefixed UTF-8 string.
func encodeString(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

// validateUTF8 rejects malformed UTF-8, embedded nulls, and the noncharacter
// and surrogate code points MQTT 3.1.1 disallows in UTF-8 encoded strings.
func validateUTF8(s string) error {
	if !utf8.ValidString(s) {
		return &er.Err{Context: "validateUTF8", Message: er.ErrInvalidUTF8String}
	}
	for _, r := range s {
		if r == 0 {
			return &er.Err{Context: "validateUTF8", Message: er.ErrNullCharacterInTopic}
		}
		if isNoncharacter(r) {
			return &er.Err{Context: "validateUTF8", Message: er.ErrUTF8Noncharacter}
		}
	}
	return nil
}

// isNoncharacter reports whether r is one of the Unicode noncharacter code
// points (U+FDD0-U+FDEF, or U+nFFFE/U+nFFFF for any plane n). Surrogates
// are not checked here: utf8.ValidString already rejects encoded surrogate
// halves before this runs.
func isNoncharacter(r rune) bool {
	if r >= 0xFDD0 && r <= 0xFDEF {
		return true
	}
	if r&0xFFFE == 0xFFFE {
		return true
	}
	return false
}
