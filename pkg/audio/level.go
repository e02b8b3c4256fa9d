package audio

import "math"

// RMS computes the root-mean-square level of a 16-bit little-endian PCM
// chunk, normalized to [0, 1]. Odd trailing bytes are ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

// Meter smooths per-frame RMS levels with an exponential moving average so
// the reported level is usable for visualization without flicker. A Meter
// is not safe for concurrent use; the capture loop is its only caller.
type Meter struct {
	alpha float64
	level float64
}

// NewMeter creates a Meter with smoothing factor alpha in (0, 1]; higher
// alpha tracks the input faster. Values outside the range are clamped.
func NewMeter(alpha float64) *Meter {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &Meter{alpha: alpha}
}

// Update feeds one PCM frame and returns the smoothed level in [0, 1].
func (m *Meter) Update(pcm []byte) float64 {
	m.level = m.alpha*RMS(pcm) + (1-m.alpha)*m.level
	return m.level
}

// Level returns the current smoothed level without feeding new audio.
func (m *Meter) Level() float64 { return m.level }

// Reset clears the meter back to silence.
func (m *Meter) Reset() { m.level = 0 }
