package stream

import "math"

// Notch is a fixed-frequency IIR notch biquad in direct form II transposed,
// one filter state per channel. It removes mains hum from the capture
// buffers before they go to the sink and the recording artifact.
type Notch struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     []float64
}

// NewNotch builds a notch at freq Hz with quality q for sample rate rate,
// filtering up to channels rows independently.
func NewNotch(freq, q float64, rate, channels int) *Notch {
	w0 := 2 * math.Pi * freq / float64(rate)
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)
	a0 := 1 + alpha

	return &Notch{
		b0: 1 / a0,
		b1: -2 * cosw0 / a0,
		b2: 1 / a0,
		a1: -2 * cosw0 / a0,
		a2: (1 - alpha) / a0,
		z1: make([]float64, channels),
		z2: make([]float64, channels),
	}
}

// Apply filters one channel-major buffer in place, carrying filter state
// across buffers so batch boundaries stay seamless.
func (n *Notch) Apply(data []int16, channels, samples int) {
	if len(data) != channels*samples {
		return
	}
	for ch := 0; ch < channels && ch < len(n.z1); ch++ {
		row := data[ch*samples : (ch+1)*samples]
		z1, z2 := n.z1[ch], n.z2[ch]
		for i, v := range row {
			x := float64(v)
			y := n.b0*x + z1
			z1 = n.b1*x - n.a1*y + z2
			z2 = n.b2*x - n.a2*y
			row[i] = clampInt16(math.Round(y))
		}
		n.z1[ch], n.z2[ch] = z1, z2
	}
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
