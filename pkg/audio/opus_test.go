package audio_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/voxgate/pkg/audio"
)

func TestFrameSamples(t *testing.T) {
	t.Parallel()

	for rate, want := range map[int]int{8000: 480, 16000: 960, 24000: 1440, 48000: 2880} {
		if got := audio.FrameSamples(rate); got != want {
			t.Errorf("FrameSamples(%d) = %d, want %d", rate, got, want)
		}
		if got := audio.FrameBytes(rate); got != want*2 {
			t.Errorf("FrameBytes(%d) = %d, want %d", rate, got, want*2)
		}
	}
}

func TestCodec_EncodeDecodeSpeech(t *testing.T) {
	t.Parallel()

	c := audio.NewCodec()
	pcm := sine(audio.FrameSamples(24000), 8000, 0)

	packet, err := c.Encode(pcm, 24000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packet) == 0 || len(packet) > 4000 {
		t.Fatalf("packet length = %d", len(packet))
	}

	out, err := c.Decode(packet, 24000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got, want := len(out), audio.FrameBytes(24000); got != want {
		t.Errorf("decoded %d bytes, want %d", got, want)
	}
}

func TestCodec_EncodePadsShortInput(t *testing.T) {
	t.Parallel()

	c := audio.NewCodec()
	packet, err := c.Encode(sine(100, 4000, 0), 16000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := c.Decode(packet, 16000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got, want := len(out), audio.FrameBytes(16000); got != want {
		t.Errorf("decoded %d bytes, want a full %d-byte frame", got, want)
	}
}

func TestCodec_SilenceRoundTrip(t *testing.T) {
	t.Parallel()

	c := audio.NewCodec()
	silence := make([]byte, audio.FrameBytes(16000))

	var out []byte
	// The first frames of a fresh codec pair can carry start-up transients.
	for range 5 {
		packet, err := c.Encode(silence, 16000)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		out, err = c.Decode(packet, 16000)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
	}

	st := audio.Analyze(out)
	if st.RMS > 1 {
		t.Errorf("RMS = %.2f, want ≈0", st.RMS)
	}
	if !hasIssue(st.Issues(), "nearly all silence") {
		t.Errorf("Issues() = %q, want nearly all silence", st.Issues())
	}
}

func TestCodec_DecodeGarbage(t *testing.T) {
	t.Parallel()

	c := audio.NewCodec()
	// Frame-count code 3 without the mandatory count byte.
	_, err := c.Decode([]byte{0x03}, 24000)
	if !errors.Is(err, audio.ErrCodecFailure) {
		t.Errorf("err = %v, want ErrCodecFailure", err)
	}
}

func TestCodec_InvalidRate(t *testing.T) {
	t.Parallel()

	c := audio.NewCodec()
	if _, err := c.Encode(make([]byte, 100), 11025); !errors.Is(err, audio.ErrCodecFailure) {
		t.Errorf("Encode err = %v, want ErrCodecFailure", err)
	}
	if _, err := c.Decode([]byte{0xF8, 0xFF, 0xFE}, 11025); !errors.Is(err, audio.ErrCodecFailure) {
		t.Errorf("Decode err = %v, want ErrCodecFailure", err)
	}
}

func TestCodec_RateChange(t *testing.T) {
	t.Parallel()

	c := audio.NewCodec()
	for _, rate := range []int{16000, 24000, 16000} {
		packet, err := c.Encode(sine(audio.FrameSamples(rate), 3000, 0), rate)
		if err != nil {
			t.Fatalf("Encode at %d: %v", rate, err)
		}
		out, err := c.Decode(packet, rate)
		if err != nil {
			t.Fatalf("Decode at %d: %v", rate, err)
		}
		if got, want := len(out), audio.FrameBytes(rate); got != want {
			t.Errorf("rate %d: decoded %d bytes, want %d", rate, got, want)
		}
	}
}

func TestCodec_ConcurrentDirections(t *testing.T) {
	t.Parallel()

	c := audio.NewCodec()
	packet, err := audio.NewCodec().Encode(sine(audio.FrameSamples(24000), 3000, 0), 24000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 10 {
				if _, err := c.Encode(make([]byte, audio.FrameBytes(24000)), 24000); err != nil {
					t.Errorf("Encode: %v", err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for range 10 {
				if _, err := c.Decode(packet, 24000); err != nil {
					t.Errorf("Decode: %v", err)
				}
			}
		}()
	}
	wg.Wait()
}
