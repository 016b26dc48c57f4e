// Package protocol implements the xiaozhi binary framing protocol spoken by
// embedded voice clients, together with the JSON control messages that travel
// alongside it.
//
// Three wire layouts exist. V1 carries the payload with no header at all. V2
// prefixes a 16-byte header with a version tag, frame kind, reserved word,
// timestamp and payload size. V3 uses a compact 4-byte header. All multi-byte
// header fields are big-endian. The layout is selected once per connection
// during the handshake; see [CodecFor].
//
// Decoding never copies: the returned payload aliases the input buffer.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version identifies one of the binary framing layouts.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
	V3 Version = 3
)

// String implements fmt.Stringer.
func (v Version) String() string {
	switch v {
	case V1, V2, V3:
		return fmt.Sprintf("v%d", int(v))
	default:
		return fmt.Sprintf("Version(%d)", int(v))
	}
}

// IsValid reports whether v names a supported layout.
func (v Version) IsValid() bool {
	return v == V1 || v == V2 || v == V3
}

// ParseVersion converts a declared protocol version into a [Version]. The second
// return value is false when n does not name a supported layout.
func ParseVersion(n int) (Version, bool) {
	v := Version(n)
	return v, v.IsValid()
}

// Kind is the frame type carried in V2 and V3 headers.
type Kind uint16

const (
	// KindAudio marks an Opus (or raw PCM) audio payload.
	KindAudio Kind = 0

	// KindJSON marks a JSON control payload sent inside a binary frame.
	KindJSON Kind = 1
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindJSON:
		return "json"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// Header sizes in bytes.
const (
	HeaderSizeV1 = 0
	HeaderSizeV2 = 16
	HeaderSizeV3 = 4
)

// MaxPayloadV3 is the largest payload a V3 header can describe.
const MaxPayloadV3 = 0xFFFF

var (
	// ErrTruncatedFrame is returned when a buffer is shorter than its header, or
	// when the declared payload size exceeds the bytes actually present.
	ErrTruncatedFrame = errors.New("protocol: truncated frame")

	// ErrEmptyFrame is returned when a V1 frame carries no bytes at all.
	ErrEmptyFrame = errors.New("protocol: empty frame")

	// ErrPayloadTooLarge is returned when a payload cannot be described by the
	// header's size field.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")

	// ErrUnsupportedVersion is returned for a [Version] outside V1..V3.
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
)

// Frame is one decoded binary message. Payload aliases the decode input.
type Frame struct {
	Kind      Kind
	Reserved  uint32
	Timestamp uint32
	Payload   []byte
}

// Codec encodes and decodes frames for a single layout.
type Codec interface {
	Version() Version
	HeaderSize() int
	Decode(b []byte) (Frame, error)
	Encode(payload []byte, kind Kind) ([]byte, error)
}

var codecs = map[Version]Codec{
	V1: v1Codec{},
	V2: v2Codec{},
	V3: v3Codec{},
}

// CodecFor returns the codec for v, or nil when v is not supported.
func CodecFor(v Version) Codec {
	return codecs[v]
}

// Decode parses b according to layout v.
func Decode(b []byte, v Version) (Frame, error) {
	c := CodecFor(v)
	if c == nil {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, int(v))
	}
	return c.Decode(b)
}

// Encode builds a frame for payload in layout v. The result is allocated at
// exactly header size plus payload length.
func Encode(payload []byte, v Version, kind Kind) ([]byte, error) {
	c := CodecFor(v)
	if c == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, int(v))
	}
	return c.Encode(payload, kind)
}

// ── V1 ────────────────────────────────────────────────────────────────────────

type v1Codec struct{}

func (v1Codec) Version() Version { return V1 }
func (v1Codec) HeaderSize() int  { return HeaderSizeV1 }

func (v1Codec) Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	return Frame{Kind: KindAudio, Payload: b}, nil
}

// Encode ignores kind: V1 has nowhere to put it.
func (v1Codec) Encode(payload []byte, _ Kind) ([]byte, error) {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// ── V2 ────────────────────────────────────────────────────────────────────────
//
//	offset  size  field
//	0       2     version (always 2)
//	2       2     type
//	4       4     reserved
//	8       4     timestamp
//	12      4     payload size

type v2Codec struct{}

func (v2Codec) Version() Version { return V2 }
func (v2Codec) HeaderSize() int  { return HeaderSizeV2 }

func (v2Codec) Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSizeV2 {
		return Frame{}, fmt.Errorf("%w: v2 header needs %d bytes, got %d", ErrTruncatedFrame, HeaderSizeV2, len(b))
	}
	size := binary.BigEndian.Uint32(b[12:16])
	if uint64(HeaderSizeV2)+uint64(size) > uint64(len(b)) {
		return Frame{}, fmt.Errorf("%w: v2 declares %d payload bytes, %d available", ErrTruncatedFrame, size, len(b)-HeaderSizeV2)
	}
	end := HeaderSizeV2 + int(size)
	return Frame{
		Kind:      Kind(binary.BigEndian.Uint16(b[2:4])),
		Reserved:  binary.BigEndian.Uint32(b[4:8]),
		Timestamp: binary.BigEndian.Uint32(b[8:12]),
		Payload:   b[HeaderSizeV2:end:end],
	}, nil
}

// Encode writes a zero timestamp; the server does not track per-frame time.
func (v2Codec) Encode(payload []byte, kind Kind) ([]byte, error) {
	if uint64(len(payload)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	out := make([]byte, HeaderSizeV2+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(V2))
	binary.BigEndian.PutUint16(out[2:4], uint16(kind))
	binary.BigEndian.PutUint32(out[12:16], uint32(len(payload)))
	copy(out[HeaderSizeV2:], payload)
	return out, nil
}

// ── V3 ────────────────────────────────────────────────────────────────────────
//
//	offset  size  field
//	0       1     type
//	1       1     reserved
//	2       2     payload size

type v3Codec struct{}

func (v3Codec) Version() Version { return V3 }
func (v3Codec) HeaderSize() int  { return HeaderSizeV3 }

func (v3Codec) Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSizeV3 {
		return Frame{}, fmt.Errorf("%w: v3 header needs %d bytes, got %d", ErrTruncatedFrame, HeaderSizeV3, len(b))
	}
	size := int(binary.BigEndian.Uint16(b[2:4]))
	if HeaderSizeV3+size > len(b) {
		return Frame{}, fmt.Errorf("%w: v3 declares %d payload bytes, %d available", ErrTruncatedFrame, size, len(b)-HeaderSizeV3)
	}
	end := HeaderSizeV3 + size
	return Frame{
		Kind:     Kind(b[0]),
		Reserved: uint32(b[1]),
		Payload:  b[HeaderSizeV3:end:end],
	}, nil
}

func (v3Codec) Encode(payload []byte, kind Kind) ([]byte, error) {
	if len(payload) > MaxPayloadV3 {
		return nil, fmt.Errorf("%w: %d bytes exceeds v3 limit of %d", ErrPayloadTooLarge, len(payload), MaxPayloadV3)
	}
	if kind > 0xFF {
		return nil, fmt.Errorf("protocol: v3 frame kind %d does not fit in one byte", uint16(kind))
	}
	out := make([]byte, HeaderSizeV3+len(payload))
	out[0] = byte(kind)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[HeaderSizeV3:], payload)
	return out, nil
}
