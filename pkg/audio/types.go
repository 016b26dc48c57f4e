// Package audio converts voice audio between the compressed format used by
// embedded clients (Opus, 60 ms mono frames) and the uncompressed or companded
// formats accepted by realtime speech backends (PCM16, G.711 μ-law).
//
// All PCM in this package is mono, 16-bit signed, little-endian.
package audio

import "strings"

// Format names an audio encoding on the backend side of the gateway.
type Format string

const (
	FormatPCM16 Format = "pcm16"
	FormatULaw  Format = "g711_ulaw"
	FormatOpus  Format = "opus"
)

// ParseFormat maps a configured or declared format name onto a [Format].
// Matching is case-insensitive. Unknown names fall back to [FormatPCM16].
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "g711_ulaw", "ulaw", "mulaw", "pcmu":
		return FormatULaw
	case "opus":
		return FormatOpus
	default:
		return FormatPCM16
	}
}

// Known reports whether s names one of the supported formats without relying
// on the PCM16 fallback.
func Known(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pcm16", "pcm", "g711_ulaw", "ulaw", "mulaw", "pcmu", "opus":
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (f Format) String() string { return string(f) }

// BytesToInt16s converts little-endian PCM bytes to samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16sToBytes converts samples to little-endian PCM bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
