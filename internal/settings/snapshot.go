package settings

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type snapshotProgram struct {
	XMLName  xml.Name         `xml:"Program"`
	Settings snapshotSettings `xml:"Settings"`
}

type snapshotSettings struct {
	Recording *snapshotRecording `xml:"RecordingSettings,omitempty"`
	Waveforms *snapshotWaveforms `xml:"StimulationWaveformSettings,omitempty"`
	Mappings  *snapshotMappings  `xml:"StimulationMappingSettings,omitempty"`
}

type snapshotRecording struct {
	Channels []snapshotChannel `xml:"Channel"`
}

type snapshotWaveforms struct {
	Configurations []snapshotConfiguration `xml:"Configuration"`
}

type snapshotMappings struct {
	Mappings []snapshotMapping `xml:"Mapping"`
}

type snapshotChannel struct {
	Box        string `xml:"box,attr"`
	Probe      string `xml:"probe,attr"`
	Channel    string `xml:"channel,attr"`
	References string `xml:"references,attr"`
	Gain       int    `xml:"gain,attr"`
	Input      int    `xml:"input,attr"`
}

type snapshotConfiguration struct {
	Box        string `xml:"box,attr"`
	Probe      string `xml:"probe,attr"`
	Unit       string `xml:"stimunit,attr"`
	Polarity   int    `xml:"polarity,attr"`
	Pulses     int    `xml:"pulses,attr"`
	Prephase   int    `xml:"prephase,attr"`
	Amplitude1 int    `xml:"amplitude1,attr"`
	Width1     int    `xml:"width1,attr"`
	Interphase int    `xml:"interphase,attr"`
	Amplitude2 int    `xml:"amplitude2,attr"`
	Width2     int    `xml:"width2,attr"`
	Discharge  int    `xml:"discharge,attr"`
	Duration   int    `xml:"duration,attr"`
	Aftertrain int    `xml:"aftertrain,attr"`
}

type snapshotMapping struct {
	Box        string `xml:"box,attr"`
	Probe      string `xml:"probe,attr"`
	Unit       string `xml:"stimunit,attr"`
	Electrodes string `xml:"electrodes,attr"`
}

// Snapshot renders the settings as a document that parses back to the same
// state. Indices are written 1-based as single values so the output is
// independent of whatever selectors produced it. Empty sections are omitted.
func Snapshot(s *SessionSettings) ([]byte, error) {
	rec := &snapshotRecording{}
	wav := &snapshotWaveforms{}
	mp := &snapshotMappings{}

	for _, box := range sortedKeys(s.Boxes) {
		b := s.Boxes[box]
		for _, probe := range sortedKeys(b.Probes) {
			p := b.Probes[probe]
			for _, channel := range sortedKeys(p.Channels) {
				cfg := p.Channels[channel]
				rec.Channels = append(rec.Channels, snapshotChannel{
					Box:        oneBased(box),
					Probe:      oneBased(probe),
					Channel:    oneBased(channel),
					References: cfg.References.String(),
					Gain:       cfg.Gain,
					Input:      cfg.Input,
				})
			}
			for _, unit := range sortedKeys(p.Waveforms) {
				w := p.Waveforms[unit]
				wav.Configurations = append(wav.Configurations, snapshotConfiguration{
					Box:        oneBased(box),
					Probe:      oneBased(probe),
					Unit:       oneBased(unit),
					Polarity:   w.Polarity,
					Pulses:     w.Pulses,
					Prephase:   w.Prephase,
					Amplitude1: w.Amplitude1,
					Width1:     w.Width1,
					Interphase: w.Interphase,
					Amplitude2: w.Amplitude2,
					Width2:     w.Width2,
					Discharge:  w.Discharge,
					Duration:   w.Duration,
					Aftertrain: w.Aftertrain,
				})
			}
			for _, unit := range sortedKeys(p.Mappings) {
				electrodes := p.Mappings[unit]
				if len(electrodes) == 0 {
					continue
				}
				mp.Mappings = append(mp.Mappings, snapshotMapping{
					Box:        oneBased(box),
					Probe:      oneBased(probe),
					Unit:       oneBased(unit),
					Electrodes: compressIndices(electrodes),
				})
			}
		}
	}

	prog := snapshotProgram{}
	if len(rec.Channels) > 0 {
		prog.Settings.Recording = rec
	}
	if len(wav.Configurations) > 0 {
		prog.Settings.Waveforms = wav
	}
	if len(mp.Mappings) > 0 {
		prog.Settings.Mappings = mp
	}

	out, err := xml.MarshalIndent(prog, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling settings snapshot: %w", err)
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

func oneBased(index int) string {
	return strconv.Itoa(index + 1)
}

// compressIndices renders sorted zero-based indices as a one-based selector,
// collapsing consecutive runs into ranges.
func compressIndices(values []int) string {
	if len(values) == 0 {
		return ""
	}
	var parts []string
	start, prev := values[0], values[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start+1))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start+1, prev+1))
		}
	}
	for _, v := range values[1:] {
		if v == prev+1 {
			prev = v
			continue
		}
		flush()
		start, prev = v, v
	}
	flush()
	return strings.Join(parts, ",")
}

func sortedKeys[T any](m map[int]T) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
