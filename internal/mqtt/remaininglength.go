package mqtt

import "github.com/pyr33x/goqttd/pkg/er"

// encodeRemainingLength encodes length as 1-4 bytes, 7 payload bits per byte
// plus a continuation bit, per MQTT 3.1.1 §2.2.3.
func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}
	var out []byte
	for {
		b := byte(length % 128)
		length /= 128
		if length > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if length == 0 {
			break
		}
	}
	return out
}

// decodeRemainingLength decodes the variable-length remaining-length field.
// It returns er.ErrIncomplete if data doesn't yet contain a terminated
// length field, and ErrRemainingLengthExceeded if a 4th byte still carries
// the continuation bit or the decoded value exceeds MaxRemainingLength.
func decodeRemainingLength(data []byte) (length int, consumed int, err error) {
	multiplier := 1
	for i := 0; i < 4; i++ {
		if i >= len(data) {
			return 0, 0, er.ErrIncomplete
		}
		b := data[i]
		length += int(b&0x7F) * multiplier
		multiplier *= 128
		consumed++
		if b&0x80 == 0 {
			if length > MaxRemainingLength {
				return 0, 0, &er.Err{Context: "remainingLength", Message: er.ErrRemainingLengthExceeded}
			}
			return length, consumed, nil
		}
	}
	return 0, 0, &er.Err{Context: "remainingLength", Message: er.ErrRemainingLengthExceeded}
}
