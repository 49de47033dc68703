package frame

import (
	"bytes"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec names the payload serialization used on the wire, matching the
// co-processor's configurable codec setting.
type Codec string

const (
	CodecCBOR    Codec = "cbor"
	CodecMsgPack Codec = "msgpack"
)

// Message is a decoded inbound or outbound payload, keyed the way the
// co-processor keys its messages: a "type" field selects the variant.
type Message map[string]any

var cborEncMode cbor.EncMode
var cborDecMode cbor.DecMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeUnix
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	cborEncMode = mode

	// Nested maps (metrics, relay, setpoints) decode as map[string]any so
	// dispatch code can assert on them directly.
	decOpts := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}
	decMode, err := decOpts.DecMode()
	if err != nil {
		panic(err)
	}
	cborDecMode = decMode
}

func encodeCBOR(msg Message) ([]byte, error) {
	return cborEncMode.Marshal(msg)
}

func decodeCBOR(buf []byte) (Message, error) {
	var v any
	if err := cborDecMode.Unmarshal(buf, &v); err != nil {
		return nil, err
	}
	return coerceMessage(v), nil
}

func encodeMsgPack(msg Message) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func decodeMsgPack(buf []byte) (Message, error) {
	r := bytes.NewReader(buf)
	var v any
	if err := msgpack.NewDecoder(r).Decode(&v); err != nil {
		return nil, err
	}
	// A payload that is not one complete MsgPack value (e.g. a CBOR map,
	// whose header byte reads as a short MsgPack string) is a failure.
	if r.Len() > 0 {
		return nil, fmt.Errorf("frame: msgpack: %d trailing bytes", r.Len())
	}
	return coerceMessage(v), nil
}

// coerceMessage keeps decode permissive: top-level maps pass through,
// lists and scalars get wrapped so a Message is always returned.
func coerceMessage(v any) Message {
	switch t := v.(type) {
	case map[string]any:
		return Message(t)
	case map[any]any:
		out := make(Message, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	case []any:
		return Message{"list": t}
	default:
		return Message{"value": t}
	}
}

// Encode serializes msg using the given codec. Outbound encoding never
// falls back to another codec.
func Encode(codec Codec, msg Message) ([]byte, error) {
	if codec == CodecCBOR {
		return encodeCBOR(msg)
	}
	return encodeMsgPack(msg)
}

// Decode deserializes buf using the given codec. When codec is MsgPack
// and decoding fails, Decode falls back to CBOR, matching the
// co-processor's firmware which may emit CBOR frames even when the
// link defaults to MsgPack. CBOR-configured links never fall back.
func Decode(codec Codec, buf []byte) (Message, error) {
	if codec == CodecCBOR {
		return decodeCBOR(buf)
	}
	msg, err := decodeMsgPack(buf)
	if err != nil {
		return decodeCBOR(buf)
	}
	return msg, nil
}

// ISOTimestamp formats t the way the co-processor's timestamps are
// rendered for human-readable fields: second precision, "Z" suffix.
func ISOTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}
