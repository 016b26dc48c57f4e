package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func TestMuLaw_RoundTripBound(t *testing.T) {
	t.Parallel()

	for s := math.MinInt16; s <= math.MaxInt16; s++ {
		b := audio.MuLawEncode(int16(s))
		got := int(audio.MuLawDecode(b))

		want := s
		if want > 32635 {
			want = 32635
		} else if want < -32635 {
			want = -32635
		}
		exp := int((^b >> 4) & 0x07)
		bound := 1 << (exp + 2)

		diff := got - want
		if diff < 0 {
			diff = -diff
		}
		if diff > bound {
			t.Fatalf("sample %d: decoded %d (segment %d), error %d exceeds %d", s, got, exp, diff, bound)
		}
	}
}

func TestMuLaw_KnownValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int16
		want byte
	}{
		{0, 0xFF},
		{-1, 0x7F},
		{32767, 0x80},
		{-32768, 0x00},
	}
	for _, tt := range tests {
		if got := audio.MuLawEncode(tt.in); got != tt.want {
			t.Errorf("MuLawEncode(%d) = %#02x, want %#02x", tt.in, got, tt.want)
		}
	}
	if got := audio.MuLawDecode(0xFF); got != 0 {
		t.Errorf("MuLawDecode(0xFF) = %d, want 0", got)
	}
}

func TestMuLaw_Buffers(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{0, 1000, -1000, 20000, -20000})
	ulaw := audio.EncodeULaw(pcm)
	if len(ulaw) != 5 {
		t.Fatalf("EncodeULaw length = %d, want 5", len(ulaw))
	}
	back := bytesToSamples(audio.DecodeULaw(ulaw))
	orig := bytesToSamples(pcm)
	for i := range orig {
		d := int(back[i]) - int(orig[i])
		if d < -512 || d > 512 {
			t.Errorf("sample %d: %d → %d", i, orig[i], back[i])
		}
	}
}
