package audio

// Framer slices a continuous PCM16 stream into fixed-size frames. Backends
// deliver audio in arbitrarily sized chunks while Opus needs exact 60 ms
// input, so the remainder of each chunk is carried over to the next one.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	size int
	buf  []byte
}

// NewFramer returns a Framer emitting frames of frameBytes bytes. Sizes below
// one sample are raised to one sample.
func NewFramer(frameBytes int) *Framer {
	return &Framer{size: max(frameBytes, 2)}
}

// Buffered reports how many bytes are waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.buf) }

// Write appends pcm and returns every complete frame now available. The
// returned frames do not alias pcm.
func (f *Framer) Write(pcm []byte) [][]byte {
	f.buf = append(f.buf, pcm...)
	var frames [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		frames = append(frames, frame)
		f.buf = f.buf[f.size:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Flush returns the buffered remainder zero-padded to a full frame, or nil
// when nothing is buffered.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frame := make([]byte, f.size)
	copy(frame, f.buf)
	f.buf = nil
	return frame
}

// Reset discards buffered audio.
func (f *Framer) Reset() {
	f.buf = nil
}
