package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// QualityFunc receives the statistics and detected issues of a decoded client
// frame. It is only called when at least one issue was found.
type QualityFunc func(stats SignalStats, issues []string)

// ConverterOption configures a [Converter].
type ConverterOption func(*Converter)

// WithLogger sets the logger used for quality and codec warnings. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) ConverterOption {
	return func(c *Converter) { c.log = l }
}

// WithQualityHook registers fn to observe signal-quality issues, e.g. for
// metrics. Delivery of the audio is never affected by the hook.
func WithQualityHook(fn QualityFunc) ConverterOption {
	return func(c *Converter) { c.onQuality = fn }
}

// Converter moves audio between the client's Opus stream and a backend
// format. Create one per connection; it owns that connection's [Codec].
type Converter struct {
	codec     *Codec
	log       *slog.Logger
	onQuality QualityFunc

	warnedOdd sync.Once
}

// NewConverter returns a Converter around codec. A nil codec allocates a new one.
func NewConverter(codec *Codec, opts ...ConverterOption) *Converter {
	if codec == nil {
		codec = NewCodec()
	}
	c := &Converter{codec: codec, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Codec returns the underlying Opus codec.
func (c *Converter) Codec() *Codec { return c.codec }

// CompressedToTarget converts one client Opus packet recorded at srcRate into
// target at dstRate. An Opus target passes the packet through untouched.
// Decoded PCM is checked for signal-quality issues before resampling.
func (c *Converter) CompressedToTarget(packet []byte, target Format, srcRate, dstRate int) ([]byte, error) {
	if target == FormatOpus {
		out := make([]byte, len(packet))
		copy(out, packet)
		return out, nil
	}
	pcm, err := c.codec.Decode(packet, srcRate)
	if err != nil {
		return nil, err
	}
	c.checkQuality(pcm)
	return c.fromPCM16(Resample(pcm, srcRate, dstRate), target, dstRate)
}

// RawPCMToTarget converts client PCM16 at srcRate into target at dstRate.
func (c *Converter) RawPCMToTarget(pcm []byte, target Format, srcRate, dstRate int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		c.warnedOdd.Do(func() {
			c.log.Warn("audio converter: odd byte count in PCM data, dropping last byte", "bytes", len(pcm))
		})
		pcm = pcm[:len(pcm)-1]
	}
	return c.fromPCM16(Resample(pcm, srcRate, dstRate), target, dstRate)
}

// TargetToCompressed encodes backend audio in format src into one 60 ms Opus
// frame at sampleRate. Input that is not exactly one frame long is padded or
// truncated.
func (c *Converter) TargetToCompressed(data []byte, src Format, sampleRate int) ([]byte, error) {
	pcm, err := c.ToPCM16(data, src, sampleRate)
	if err != nil {
		return nil, err
	}
	return c.codec.Encode(pcm, sampleRate)
}

// ToPCM16 decodes data in format src into PCM16. Opus input is decoded at rate.
func (c *Converter) ToPCM16(data []byte, src Format, rate int) ([]byte, error) {
	switch src {
	case FormatULaw:
		return DecodeULaw(data), nil
	case FormatOpus:
		return c.codec.Decode(data, rate)
	default:
		return data, nil
	}
}

func (c *Converter) fromPCM16(pcm []byte, target Format, rate int) ([]byte, error) {
	switch target {
	case FormatULaw:
		return EncodeULaw(pcm), nil
	case FormatOpus:
		out, err := c.codec.Encode(pcm, rate)
		if err != nil {
			return nil, fmt.Errorf("audio: convert to opus: %w", err)
		}
		return out, nil
	default:
		return pcm, nil
	}
}

func (c *Converter) checkQuality(pcm []byte) {
	st := Analyze(pcm)
	issues := st.Issues()
	if len(issues) == 0 {
		return
	}
	c.log.Warn("audio converter: PCM quality warning",
		"issues", issues,
		"samples", st.Samples,
		"rms", fmt.Sprintf("%.1f", st.RMS),
		"min", st.Min,
		"max", st.Max,
		"zero_percent", fmt.Sprintf("%.1f", st.ZeroPercent),
	)
	if c.onQuality != nil {
		c.onQuality(st, issues)
	}
}
