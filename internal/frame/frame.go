package frame

import (
	"encoding/binary"
	"fmt"
)

// Framer turns outbound messages into wire bytes and wire bytes back
// into inbound messages, using one payload codec for both directions.
type Framer struct {
	codec Codec
}

// NewFramer creates a Framer using the given payload codec.
func NewFramer(codec Codec) *Framer {
	return &Framer{codec: codec}
}

// EncodeFrame serializes msg, appends a CRC16 trailer, and COBS-stuffs
// the result, producing bytes ready to write to the serial port.
func (f *Framer) EncodeFrame(msg Message) ([]byte, error) {
	payload, err := Encode(f.codec, msg)
	if err != nil {
		return nil, fmt.Errorf("frame: encode payload: %w", err)
	}

	crc := crc16CCITT(payload)
	trailer := make([]byte, 2)
	binary.BigEndian.PutUint16(trailer, crc)

	withCRC := make([]byte, 0, len(payload)+2)
	withCRC = append(withCRC, payload...)
	withCRC = append(withCRC, trailer...)

	return cobsEncode(withCRC), nil
}

// DecodeFrame reverses EncodeFrame: it un-stuffs a complete COBS frame
// (including its trailing zero byte), verifies the CRC16 trailer, and
// decodes the payload into a Message.
func (f *Framer) DecodeFrame(raw []byte) (Message, error) {
	decoded, err := cobsDecode(raw)
	if err != nil {
		return nil, fmt.Errorf("frame: cobs decode: %w", err)
	}
	if len(decoded) < 2 {
		return nil, fmt.Errorf("frame: decoded buffer too short for CRC trailer")
	}

	payload := decoded[:len(decoded)-2]
	trailer := decoded[len(decoded)-2:]
	want := binary.BigEndian.Uint16(trailer)
	got := crc16CCITT(payload)
	if got != want {
		return nil, fmt.Errorf("frame: crc mismatch: got %#04x want %#04x", got, want)
	}

	msg, err := Decode(f.codec, payload)
	if err != nil {
		return nil, fmt.Errorf("frame: decode payload: %w", err)
	}
	return msg, nil
}

// Type returns the "type" discriminator of a decoded message, or ""
// when absent or not a string.
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}
