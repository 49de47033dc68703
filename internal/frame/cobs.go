// Package frame implements the wire framing for the USB-serial link:
// COBS byte stuffing, a CRC16 trailer, and a pluggable CBOR/MsgPack
// payload codec.
package frame

import "errors"

// ErrMissingTerminator is returned when a COBS-encoded buffer does not
// end with the zero terminator byte.
var ErrMissingTerminator = errors.New("frame: COBS buffer missing terminator")

// ErrInvalidCode is returned when a zero length code appears inside a
// COBS-encoded buffer.
var ErrInvalidCode = errors.New("frame: invalid COBS code 0")

// ErrBlockOverrun is returned when a COBS block would read past the
// end of the buffer.
var ErrBlockOverrun = errors.New("frame: COBS block overruns buffer")

// cobsEncode applies Consistent Overhead Byte Stuffing to data and
// appends the zero-byte frame terminator. Each block is a length code
// (the distance to the next zero, or 0xFF for a full 254-byte run)
// followed by that block's non-zero bytes.
func cobsEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/254+3)

	codeIdx := len(out)
	out = append(out, 0)
	code := byte(1)

	for _, b := range data {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}

	out[codeIdx] = code
	out = append(out, 0x00)
	return out
}

// cobsDecode reverses cobsEncode. data must include the trailing zero
// terminator.
func cobsDecode(data []byte) ([]byte, error) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return nil, ErrMissingTerminator
	}

	out := make([]byte, 0, len(data))
	length := len(data) - 1
	idx := 0
	for idx < length {
		code := int(data[idx])
		if code == 0 {
			return nil, ErrInvalidCode
		}
		idx++
		blockEnd := idx + code - 1
		if blockEnd > length {
			return nil, ErrBlockOverrun
		}
		out = append(out, data[idx:blockEnd]...)
		idx = blockEnd
		if code < 0xFF && idx < length {
			out = append(out, 0x00)
		}
	}
	return out, nil
}
