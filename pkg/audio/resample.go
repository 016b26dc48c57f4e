package audio

// Resample converts PCM16 mono from srcRate to dstRate using linear
// interpolation. With ratio = dstRate/srcRate the output holds
// floor(srcSamples*ratio) samples, and output sample i interpolates between
// source samples floor(i/ratio) and the next one, clamped to the last sample.
//
// When the rates match, or the input holds less than one sample, pcm is
// returned unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * step
		idx := int(srcPos)
		if idx >= srcSamples {
			idx = srcSamples - 1
		}
		next := min(idx+1, srcSamples-1)
		frac := srcPos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := int16(pcm[next*2]) | int16(pcm[next*2+1])<<8

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
