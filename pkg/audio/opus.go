package audio

import (
	"errors"
	"fmt"
	"sync"

	"layeh.com/gopus"
)

// Embedded clients exchange mono Opus in 60 ms frames.
const (
	FrameDurationMs = 60

	// maxDecodeMs is the longest duration a single Opus packet may carry.
	maxDecodeMs = 120

	// maxPacketBytes bounds one encoded Opus packet.
	maxPacketBytes = 4000
)

// ErrCodecFailure is returned when Opus encoding or decoding fails or yields
// no samples.
var ErrCodecFailure = errors.New("audio: opus codec failure")

// FrameSamples returns the number of samples in one 60 ms frame at rate.
func FrameSamples(rate int) int {
	return rate * FrameDurationMs / 1000
}

// FrameBytes returns the PCM16 byte length of one 60 ms frame at rate.
func FrameBytes(rate int) int {
	return FrameSamples(rate) * 2
}

// Codec holds the Opus encoder and decoder for one client connection. Each
// direction has its own lock so inbound decoding never waits on outbound
// encoding. An encoder or decoder is created lazily and recreated whenever the
// requested sample rate differs from the one it was built for.
//
// A Codec is safe for concurrent use.
type Codec struct {
	encMu   sync.Mutex
	enc     *gopus.Encoder
	encRate int

	decMu   sync.Mutex
	dec     *gopus.Decoder
	decRate int
}

// NewCodec returns a Codec with no encoder or decoder allocated yet.
func NewCodec() *Codec {
	return &Codec{}
}

// Decode decodes one Opus packet into PCM16 at rate. The decode buffer holds
// up to 120 ms of audio. A packet that decodes to no samples is reported as
// [ErrCodecFailure].
func (c *Codec) Decode(packet []byte, rate int) ([]byte, error) {
	if len(packet) == 0 {
		// libopus treats an empty packet as loss and would synthesise audio.
		return nil, fmt.Errorf("%w: empty packet", ErrCodecFailure)
	}

	c.decMu.Lock()
	defer c.decMu.Unlock()

	if c.dec == nil || c.decRate != rate {
		dec, err := gopus.NewDecoder(rate, 1)
		if err != nil {
			return nil, fmt.Errorf("%w: create decoder at %d Hz: %w", ErrCodecFailure, rate, err)
		}
		c.dec = dec
		c.decRate = rate
	}

	maxSamples := rate * maxDecodeMs / 1000
	pcm, err := c.dec.Decode(packet, maxSamples, false)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %d bytes: %w", ErrCodecFailure, len(packet), err)
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: decode %d bytes produced no samples", ErrCodecFailure, len(packet))
	}
	if len(pcm) > maxSamples {
		pcm = pcm[:maxSamples]
	}
	return Int16sToBytes(pcm), nil
}

// Encode encodes exactly one 60 ms frame of PCM16 at rate. Shorter input is
// zero-padded and longer input truncated to the frame length.
func (c *Codec) Encode(pcm []byte, rate int) ([]byte, error) {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	if c.enc == nil || c.encRate != rate {
		enc, err := gopus.NewEncoder(rate, 1, gopus.Audio)
		if err != nil {
			return nil, fmt.Errorf("%w: create encoder at %d Hz: %w", ErrCodecFailure, rate, err)
		}
		c.enc = enc
		c.encRate = rate
	}

	frameSamples := FrameSamples(rate)
	want := frameSamples * 2
	if len(pcm) != want {
		adjusted := make([]byte, want)
		copy(adjusted, pcm)
		pcm = adjusted
	}

	packet, err := c.enc.Encode(BytesToInt16s(pcm), frameSamples, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %w", ErrCodecFailure, err)
	}
	if len(packet) == 0 {
		return nil, fmt.Errorf("%w: encoder produced no data", ErrCodecFailure)
	}
	return packet, nil
}
