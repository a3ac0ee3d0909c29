package settings

import (
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/viperbox/vipercore/internal/types"
)

// Raw decode shapes. Attributes and child elements are captured generically
// so unknown ones can be rejected instead of silently ignored.

type xmlProgram struct {
	XMLName  xml.Name     `xml:"Program"`
	Settings *xmlSettings `xml:"Settings"`
}

type xmlSettings struct {
	Sections []xmlSection `xml:",any"`
}

type xmlSection struct {
	XMLName    xml.Name
	Directives []xmlDirective `xml:",any"`
}

type xmlDirective struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
}

var (
	channelAttrs = []string{"box", "probe", "channel", "references", "gain", "input"}
	configAttrs  = []string{
		"box", "probe", "stimunit", "polarity", "pulses", "prephase",
		"amplitude1", "width1", "interphase", "amplitude2", "width2",
		"discharge", "duration", "aftertrain",
	}
	mappingAttrs = []string{"box", "probe", "stimunit", "electrodes"}
)

// ChannelDirective targets recording channels. The selectors stay unexpanded
// until Apply binds them against the connected set.
type ChannelDirective struct {
	Box        Selector
	Probe      Selector
	Channel    Selector
	References ReferenceMask
	Gain       int
	Input      int
}

// WaveformDirective targets stimulation units with a validated waveform.
type WaveformDirective struct {
	Box    Selector
	Probe  Selector
	Unit   Selector
	Config WaveformConfig
}

// MappingDirective connects electrodes to stimulation units.
type MappingDirective struct {
	Box        Selector
	Probe      Selector
	Unit       Selector
	Electrodes Selector
}

// Document is a parsed settings document. Directive order within each kind
// is document order and Apply preserves it, so later directives overwrite
// earlier ones on overlapping targets.
type Document struct {
	Recording []ChannelDirective
	Waveforms []WaveformDirective
	Mappings  []MappingDirective

	hasRecordingSection   bool
	hasStimulationSection bool
}

// HasRecordingSection reports whether the document carries a
// RecordingSettings section, even an empty one.
func (d *Document) HasRecordingSection() bool { return d.hasRecordingSection }

// HasStimulationSection reports whether the document carries a waveform or
// mapping section, even an empty one.
func (d *Document) HasStimulationSection() bool { return d.hasStimulationSection }

// ParseDocument decodes and validates a settings document. Everything that
// does not depend on the connected set is checked here: schema shape,
// attribute sets, selector grammar, references, gain/input codes and the
// waveform bounds table. No state is touched.
func ParseDocument(data []byte) (*Document, error) {
	var prog xmlProgram
	if err := xml.Unmarshal(data, &prog); err != nil {
		return nil, &types.ParseError{Element: "Program", Reason: err.Error()}
	}
	if prog.Settings == nil {
		return nil, &types.ParseError{Element: "Program", Reason: "missing Settings element"}
	}

	doc := &Document{}
	for _, sec := range prog.Settings.Sections {
		switch sec.XMLName.Local {
		case "RecordingSettings":
			doc.hasRecordingSection = true
			for _, dir := range sec.Directives {
				if dir.XMLName.Local != "Channel" {
					return nil, &types.ParseError{
						Element: dir.XMLName.Local,
						Reason:  "unknown element in RecordingSettings, expected Channel",
					}
				}
				cd, err := parseChannel(dir)
				if err != nil {
					return nil, err
				}
				doc.Recording = append(doc.Recording, cd)
			}
		case "StimulationWaveformSettings":
			doc.hasStimulationSection = true
			for _, dir := range sec.Directives {
				if dir.XMLName.Local != "Configuration" {
					return nil, &types.ParseError{
						Element: dir.XMLName.Local,
						Reason:  "unknown element in StimulationWaveformSettings, expected Configuration",
					}
				}
				wd, err := parseConfiguration(dir)
				if err != nil {
					return nil, err
				}
				doc.Waveforms = append(doc.Waveforms, wd)
			}
		case "StimulationMappingSettings":
			doc.hasStimulationSection = true
			for _, dir := range sec.Directives {
				if dir.XMLName.Local != "Mapping" {
					return nil, &types.ParseError{
						Element: dir.XMLName.Local,
						Reason:  "unknown element in StimulationMappingSettings, expected Mapping",
					}
				}
				md, err := parseMapping(dir)
				if err != nil {
					return nil, err
				}
				doc.Mappings = append(doc.Mappings, md)
			}
		default:
			return nil, &types.ParseError{
				Element: sec.XMLName.Local,
				Reason:  "unknown settings section",
			}
		}
	}
	return doc, nil
}

func parseChannel(dir xmlDirective) (ChannelDirective, error) {
	attrs, err := attrMap("Channel", dir, channelAttrs)
	if err != nil {
		return ChannelDirective{}, err
	}

	out := ChannelDirective{
		Box:     Selector(attrs["box"]),
		Probe:   Selector(attrs["probe"]),
		Channel: Selector(attrs["channel"]),
	}
	if err := validateSelectors("Channel", map[string]Selector{
		"box": out.Box, "probe": out.Probe, "channel": out.Channel,
	}); err != nil {
		return ChannelDirective{}, err
	}

	refs, err := ParseReferences(attrs["references"])
	if err != nil {
		return ChannelDirective{}, &types.ParseError{Element: "Channel", Attr: "references", Reason: err.Error()}
	}
	out.References = refs

	for _, name := range []string{"gain", "input"} {
		v, err := intAttr("Channel", name, attrs[name])
		if err != nil {
			return ChannelDirective{}, err
		}
		if err := checkGainInput(name, v); err != nil {
			return ChannelDirective{}, &types.ParseError{Element: "Channel", Attr: name, Reason: err.Error()}
		}
		if name == "gain" {
			out.Gain = v
		} else {
			out.Input = v
		}
	}
	return out, nil
}

func parseConfiguration(dir xmlDirective) (WaveformDirective, error) {
	attrs, err := attrMap("Configuration", dir, configAttrs)
	if err != nil {
		return WaveformDirective{}, err
	}

	out := WaveformDirective{
		Box:   Selector(attrs["box"]),
		Probe: Selector(attrs["probe"]),
		Unit:  Selector(attrs["stimunit"]),
	}
	if err := validateSelectors("Configuration", map[string]Selector{
		"box": out.Box, "probe": out.Probe, "stimunit": out.Unit,
	}); err != nil {
		return WaveformDirective{}, err
	}

	fields := []struct {
		name string
		dst  *int
	}{
		{"polarity", &out.Config.Polarity},
		{"pulses", &out.Config.Pulses},
		{"prephase", &out.Config.Prephase},
		{"amplitude1", &out.Config.Amplitude1},
		{"width1", &out.Config.Width1},
		{"interphase", &out.Config.Interphase},
		{"amplitude2", &out.Config.Amplitude2},
		{"width2", &out.Config.Width2},
		{"discharge", &out.Config.Discharge},
		{"duration", &out.Config.Duration},
		{"aftertrain", &out.Config.Aftertrain},
	}
	for _, f := range fields {
		v, err := intAttr("Configuration", f.name, attrs[f.name])
		if err != nil {
			return WaveformDirective{}, err
		}
		if err := checkWaveformValue(f.name, v); err != nil {
			return WaveformDirective{}, &types.ParseError{Element: "Configuration", Attr: f.name, Reason: err.Error()}
		}
		*f.dst = v
	}
	return out, nil
}

func parseMapping(dir xmlDirective) (MappingDirective, error) {
	attrs, err := attrMap("Mapping", dir, mappingAttrs)
	if err != nil {
		return MappingDirective{}, err
	}

	out := MappingDirective{
		Box:        Selector(attrs["box"]),
		Probe:      Selector(attrs["probe"]),
		Unit:       Selector(attrs["stimunit"]),
		Electrodes: Selector(attrs["electrodes"]),
	}
	if err := validateSelectors("Mapping", map[string]Selector{
		"box": out.Box, "probe": out.Probe, "stimunit": out.Unit, "electrodes": out.Electrodes,
	}); err != nil {
		return MappingDirective{}, err
	}
	return out, nil
}

func attrMap(element string, dir xmlDirective, want []string) (map[string]string, error) {
	known := make(map[string]bool, len(want))
	for _, name := range want {
		known[name] = true
	}

	attrs := make(map[string]string, len(dir.Attrs))
	for _, a := range dir.Attrs {
		if !known[a.Name.Local] {
			return nil, &types.ParseError{Element: element, Attr: a.Name.Local, Reason: "unknown attribute"}
		}
		attrs[a.Name.Local] = a.Value
	}
	for _, name := range want {
		if _, ok := attrs[name]; !ok {
			return nil, &types.ParseError{Element: element, Attr: name, Reason: "missing attribute"}
		}
	}
	return attrs, nil
}

func intAttr(element, name, raw string) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &types.ParseError{Element: element, Attr: name, Reason: fmt.Sprintf("not an integer: %q", raw)}
	}
	return v, nil
}

func validateSelectors(element string, sels map[string]Selector) error {
	// deterministic error for deterministic tests: check in a fixed order
	for _, name := range []string{"box", "probe", "channel", "stimunit", "electrodes"} {
		sel, ok := sels[name]
		if !ok {
			continue
		}
		if err := sel.Validate(); err != nil {
			return &types.ParseError{Element: element, Attr: name, Reason: err.Error()}
		}
	}
	return nil
}

var (
	channelUniverse   = seq(types.ChannelsPerProbe)
	unitUniverse      = seq(types.StimUnitsPerProbe)
	electrodeUniverse = seq(types.ElectrodesPerProbe)
)

// Apply merges the document into s in document order, expanding selectors
// against the live set at this moment. A wildcard over an empty connected
// set applies nothing and is not an error; an explicit index outside the
// connected set aborts with a ParseError. s is usually a clone that the
// caller commits after a successful dispatch.
func (d *Document) Apply(s *SessionSettings, live LiveSet) error {
	for i := range d.Recording {
		dir := &d.Recording[i]
		cfg := ChannelConfig{References: dir.References, Gain: dir.Gain, Input: dir.Input}
		err := forEachTarget(live, "Channel", "channel", dir.Box, dir.Probe, dir.Channel, channelUniverse,
			func(box, probe, channel int) {
				s.Probe(box, probe).Channels[channel] = cfg
			})
		if err != nil {
			return err
		}
	}

	for i := range d.Waveforms {
		dir := &d.Waveforms[i]
		err := forEachTarget(live, "Configuration", "stimunit", dir.Box, dir.Probe, dir.Unit, unitUniverse,
			func(box, probe, unit int) {
				s.Probe(box, probe).Waveforms[unit] = dir.Config
			})
		if err != nil {
			return err
		}
	}

	for i := range d.Mappings {
		dir := &d.Mappings[i]
		electrodes, err := dir.Electrodes.Resolve(electrodeUniverse)
		if err != nil {
			return &types.ParseError{Element: "Mapping", Attr: "electrodes", Reason: err.Error()}
		}
		err = forEachTarget(live, "Mapping", "stimunit", dir.Box, dir.Probe, dir.Unit, unitUniverse,
			func(box, probe, unit int) {
				s.Probe(box, probe).Mappings[unit] = append([]int(nil), electrodes...)
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func forEachTarget(
	live LiveSet,
	element, unitAttr string,
	boxSel, probeSel, unitSel Selector,
	unitUniverse []int,
	apply func(box, probe, unit int),
) error {
	boxes, err := boxSel.Resolve(live.Boxes())
	if err != nil {
		return &types.ParseError{Element: element, Attr: "box", Reason: err.Error()}
	}
	for _, box := range boxes {
		probes, err := probeSel.Resolve(live.ProbesOf(box))
		if err != nil {
			return &types.ParseError{Element: element, Attr: "probe", Reason: err.Error()}
		}
		for _, probe := range probes {
			units, err := unitSel.Resolve(unitUniverse)
			if err != nil {
				return &types.ParseError{Element: element, Attr: unitAttr, Reason: err.Error()}
			}
			for _, unit := range units {
				apply(box, probe, unit)
			}
		}
	}
	return nil
}
