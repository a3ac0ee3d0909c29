package settings

import (
	"sort"

	"github.com/viperbox/vipercore/internal/types"
)

// ChannelConfig is the full configuration of one recording channel. A channel
// routes to exactly one electrode at a time; an upload replaces the whole
// triple, it never patches single fields.
type ChannelConfig struct {
	References ReferenceMask `json:"references"`
	Gain       int           `json:"gain"`
	Input      int           `json:"input"`
}

// WaveformConfig is the stimulation waveform of one stimulation unit. All
// values are validated against the bounds table before they reach the model.
type WaveformConfig struct {
	Polarity   int `json:"polarity"`
	Pulses     int `json:"pulses"`
	Prephase   int `json:"prephase"`
	Amplitude1 int `json:"amplitude1"`
	Width1     int `json:"width1"`
	Interphase int `json:"interphase"`
	Amplitude2 int `json:"amplitude2"`
	Width2     int `json:"width2"`
	Discharge  int `json:"discharge"`
	Duration   int `json:"duration"`
	Aftertrain int `json:"aftertrain"`
}

// ProbeSettings holds everything configured on one probe. Map keys are
// 0-indexed channel and stimulation unit indices.
type ProbeSettings struct {
	Channels  map[int]ChannelConfig  `json:"channels"`
	Waveforms map[int]WaveformConfig `json:"waveforms"`
	Mappings  map[int][]int          `json:"mappings"`
}

func newProbeSettings() *ProbeSettings {
	return &ProbeSettings{
		Channels:  make(map[int]ChannelConfig),
		Waveforms: make(map[int]WaveformConfig),
		Mappings:  make(map[int][]int),
	}
}

// FullyConfigured reports whether every recording channel of the probe has a
// configuration. Recording cannot start on a partially configured probe.
func (p *ProbeSettings) FullyConfigured() bool {
	return len(p.Channels) == types.ChannelsPerProbe
}

func (p *ProbeSettings) clone() *ProbeSettings {
	out := newProbeSettings()
	for k, v := range p.Channels {
		out.Channels[k] = v
	}
	for k, v := range p.Waveforms {
		out.Waveforms[k] = v
	}
	for k, v := range p.Mappings {
		out.Mappings[k] = append([]int(nil), v...)
	}
	return out
}

type BoxSettings struct {
	Probes map[int]*ProbeSettings `json:"probes"`
}

// SessionSettings is the last-applied configuration of the whole session,
// keyed by box index. It is only ever mutated through Document.Apply on a
// clone; the live instance is swapped in after a successful dispatch.
type SessionSettings struct {
	Boxes map[int]*BoxSettings `json:"boxes"`
}

func NewSessionSettings() *SessionSettings {
	return &SessionSettings{Boxes: make(map[int]*BoxSettings)}
}

// Probe returns the settings of (box, probe), creating empty ones on first
// access.
func (s *SessionSettings) Probe(box, probe int) *ProbeSettings {
	b, ok := s.Boxes[box]
	if !ok {
		b = &BoxSettings{Probes: make(map[int]*ProbeSettings)}
		s.Boxes[box] = b
	}
	p, ok := b.Probes[probe]
	if !ok {
		p = newProbeSettings()
		b.Probes[probe] = p
	}
	return p
}

// ProbeView returns the settings of (box, probe) without creating them.
func (s *SessionSettings) ProbeView(box, probe int) (*ProbeSettings, bool) {
	b, ok := s.Boxes[box]
	if !ok {
		return nil, false
	}
	p, ok := b.Probes[probe]
	return p, ok
}

// Clone deep-copies the settings. Uploads validate and dispatch against a
// clone and commit it only when every step succeeded.
func (s *SessionSettings) Clone() *SessionSettings {
	out := NewSessionSettings()
	for box, b := range s.Boxes {
		nb := &BoxSettings{Probes: make(map[int]*ProbeSettings, len(b.Probes))}
		for probe, p := range b.Probes {
			nb.Probes[probe] = p.clone()
		}
		out.Boxes[box] = nb
	}
	return out
}

// LiveSet is the snapshot of connected hardware a document is expanded
// against. Wildcards bind to it at apply time, not at parse time.
type LiveSet struct {
	Probes map[int][]int // box index -> connected probe indices
}

func (l LiveSet) Boxes() []int {
	out := make([]int, 0, len(l.Probes))
	for box := range l.Probes {
		out = append(out, box)
	}
	sort.Ints(out)
	return out
}

func (l LiveSet) ProbesOf(box int) []int {
	out := append([]int(nil), l.Probes[box]...)
	sort.Ints(out)
	return out
}

// FullLiveSet is the whole addressable hardware universe. Verification
// without a connected box expands wildcards against it.
func FullLiveSet() LiveSet {
	probes := make(map[int][]int, types.MaxBoxes)
	for box := 0; box < types.MaxBoxes; box++ {
		probes[box] = seq(types.ProbesPerBox)
	}
	return LiveSet{Probes: probes}
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
