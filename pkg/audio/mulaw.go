package audio

// G.711 μ-law parameters.
const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawEncode compands one PCM16 sample into a G.711 μ-law byte.
//
// The segment is the highest exponent e in 7..1 with biased magnitude
// >= 0x80<<e, else 0. A MuLawEncode/MuLawDecode round trip therefore differs
// from the input by at most 2^(e+2), half the quantisation step of segment e.
// Magnitudes above 32635 are clipped first.
func MuLawEncode(sample int16) byte {
	s := int32(sample)
	var sign int32
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	var exp int32
	for e := int32(7); e > 0; e-- {
		if s >= 0x80<<e {
			exp = e
			break
		}
	}
	mantissa := (s >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mantissa)
}

// MuLawDecode expands a G.711 μ-law byte into a PCM16 sample.
func MuLawDecode(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exp := int32(u>>4) & 0x07
	mantissa := int32(u) & 0x0F
	mag := ((mantissa << 3) + muLawBias) << exp
	mag -= muLawBias
	if sign != 0 {
		return int16(-mag)
	}
	return int16(mag)
}

// EncodeULaw converts PCM16 bytes into one μ-law byte per sample.
func EncodeULaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		out[i] = MuLawEncode(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}
	return out
}

// DecodeULaw converts μ-law bytes into PCM16 bytes.
func DecodeULaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		s := MuLawDecode(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
