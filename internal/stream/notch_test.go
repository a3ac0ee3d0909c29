package stream_test

import (
	"math"
	"testing"

	"github.com/viperbox/vipercore/internal/stream"
)

const sampleRate = 20000

func sineBuffer(freq float64, amplitude, samples int) []int16 {
	out := make([]int16, samples)
	for i := range out {
		out[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return out
}

func maxAbsTail(data []int16, tail int) int {
	max := 0
	for _, v := range data[len(data)-tail:] {
		a := int(v)
		if a < 0 {
			a = -a
		}
		if a > max {
			max = a
		}
	}
	return max
}

func TestNotchKeepsDC(t *testing.T) {
	n := stream.NewNotch(50, 30, sampleRate, 1)
	data := make([]int16, sampleRate)
	for i := range data {
		data[i] = 1000
	}
	n.Apply(data, 1, len(data))

	if got := data[len(data)-1]; got < 999 || got > 1001 {
		t.Errorf("DC level after filtering = %d, want 1000", got)
	}
}

func TestNotchAttenuatesTargetFrequency(t *testing.T) {
	n := stream.NewNotch(50, 30, sampleRate, 1)
	data := sineBuffer(50, 1000, 2*sampleRate)
	n.Apply(data, 1, len(data))

	if residual := maxAbsTail(data, sampleRate/4); residual > 100 {
		t.Errorf("50 Hz residual after settling = %d, want < 100", residual)
	}
}

func TestNotchPassesDistantFrequency(t *testing.T) {
	n := stream.NewNotch(50, 30, sampleRate, 1)
	data := sineBuffer(500, 1000, 2*sampleRate)
	n.Apply(data, 1, len(data))

	if level := maxAbsTail(data, sampleRate/4); level < 700 {
		t.Errorf("500 Hz level after filtering = %d, want > 700", level)
	}
}

func TestNotchStateSpansBuffers(t *testing.T) {
	whole := stream.NewNotch(50, 30, sampleRate, 1)
	chunked := stream.NewNotch(50, 30, sampleRate, 1)

	wholeData := sineBuffer(50, 1000, 4000)
	chunkedData := append([]int16(nil), wholeData...)

	whole.Apply(wholeData, 1, len(wholeData))
	const chunk = 500
	for off := 0; off < len(chunkedData); off += chunk {
		chunked.Apply(chunkedData[off:off+chunk], 1, chunk)
	}

	for i := range wholeData {
		if wholeData[i] != chunkedData[i] {
			t.Fatalf("sample %d differs between whole and chunked filtering: %d vs %d",
				i, wholeData[i], chunkedData[i])
		}
	}
}

func TestNotchFiltersChannelsIndependently(t *testing.T) {
	n := stream.NewNotch(50, 30, sampleRate, 2)
	samples := sampleRate
	data := make([]int16, 2*samples)
	hum := sineBuffer(50, 1000, samples)
	copy(data[:samples], hum)
	// second channel stays silent and must remain silent
	n.Apply(data, 2, samples)

	if residual := maxAbsTail(data[samples:], samples/4); residual != 0 {
		t.Errorf("silent channel picked up %d from neighbor", residual)
	}
}
