package audio

// LooksLikeRawPCM guesses whether a client audio payload is uncompressed PCM16
// rather than an Opus packet. Some firmware builds stream raw PCM while still
// declaring Opus in their hello.
//
// The rules are empirical and evaluated strictly in order; the first that
// fires decides:
//
//  1. shorter than 8 bytes: Opus (too small to judge)
//  2. longer than 1000 bytes: PCM (a 60 ms Opus packet is typically 40-150 bytes)
//  3. shorter than 200 bytes with TOC config (b[0]>>3) in 4..31: PCM only if
//     more than 7 of bytes 1..9 lie within 20 of b[0], otherwise Opus
//  4. at least 32 bytes and byte variance of the first 32 bytes above 3000: PCM
//  5. even length above 500 bytes: PCM
//  6. otherwise Opus
//
// The thresholds were tuned against captured device traffic. Changing them or
// their order changes which packets get decoded.
func LooksLikeRawPCM(data []byte) bool {
	n := len(data)
	if n < 8 {
		return false
	}
	if n > 1000 {
		return true
	}

	if n < 200 {
		config := (data[0] >> 3) & 0x1F
		if config >= 4 {
			similar := 0
			for i := 1; i < min(n, 10); i++ {
				d := int(data[i]) - int(data[0])
				if d < 0 {
					d = -d
				}
				if d < 20 {
					similar++
				}
			}
			return similar > 7
		}
	}

	if n >= 32 && byteVariance(data[:32]) > 3000 {
		return true
	}

	return n%2 == 0 && n > 500
}

// byteVariance returns the population variance of b's byte values.
func byteVariance(b []byte) float64 {
	var sum int
	for _, v := range b {
		sum += int(v)
	}
	mean := float64(sum) / float64(len(b))
	var acc float64
	for _, v := range b {
		d := float64(v) - mean
		acc += d * d
	}
	return acc / float64(len(b))
}
