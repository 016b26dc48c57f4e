package audio

import (
	"fmt"
	"math"
)

// Signal-quality thresholds.
const (
	silenceZeroPercent = 95
	clipLevel          = 32760
	maxDCOffset        = 1000
	minRMS             = 10
	lowRMSZeroPercent  = 50
)

// SignalStats summarises one decoded PCM16 frame.
type SignalStats struct {
	Samples     int
	Mean        float64
	RMS         float64
	Min         int16
	Max         int16
	ZeroPercent float64
}

// Analyze computes signal statistics over pcm. An input with no complete
// sample yields the zero value.
func Analyze(pcm []byte) SignalStats {
	n := len(pcm) / 2
	if n == 0 {
		return SignalStats{}
	}
	st := SignalStats{Samples: n, Min: math.MaxInt16, Max: math.MinInt16}
	var sum, sumSq float64
	zeros := 0
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		f := float64(s)
		sum += f
		sumSq += f * f
		st.Min = min(st.Min, s)
		st.Max = max(st.Max, s)
		if s == 0 {
			zeros++
		}
	}
	st.Mean = sum / float64(n)
	st.RMS = math.Sqrt(sumSq / float64(n))
	st.ZeroPercent = float64(zeros) / float64(n) * 100
	return st
}

// Issues lists the quality problems detected in st. Issues are advisory: they
// are logged and counted but never cause audio to be dropped.
func (st SignalStats) Issues() []string {
	if st.Samples == 0 {
		return nil
	}
	var issues []string
	if st.ZeroPercent > silenceZeroPercent {
		issues = append(issues, "nearly all silence")
	}
	if st.Max >= clipLevel || st.Min <= -clipLevel {
		issues = append(issues, "potential audio clipping")
	}
	if math.Abs(st.Mean) > maxDCOffset {
		issues = append(issues, fmt.Sprintf("abnormal DC offset: %.1f", st.Mean))
	}
	if st.RMS < minRMS && st.ZeroPercent < lowRMSZeroPercent {
		issues = append(issues, fmt.Sprintf("abnormally low RMS: %.1f", st.RMS))
	}
	return issues
}
