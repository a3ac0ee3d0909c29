package types

import "fmt"

// Hardware limits of a ViperBox setup.
const (
	MaxBoxes           = 3
	ProbesPerBox       = 4
	ChannelsPerProbe   = 64
	StimUnitsPerProbe  = 8
	ElectrodesPerProbe = 128

	// References: body plus numbered references 1..8.
	ReferenceCount = 9

	// Gain and input selection codes.
	MaxGainCode  = 3
	MaxInputCode = 3
)

// HardwareAddress identifies one configurable unit inside a box. Unit is a
// recording channel index [0,64) or a stimulation unit index [0,8) depending
// on context.
type HardwareAddress struct {
	Box   int `json:"box"`
	Probe int `json:"probe"`
	Unit  int `json:"unit"`
}

func (a HardwareAddress) String() string {
	return fmt.Sprintf("box %d probe %d unit %d", a.Box, a.Probe, a.Unit)
}

// ProbeAddress identifies a probe slot on a box.
type ProbeAddress struct {
	Box   int `json:"box"`
	Probe int `json:"probe"`
}

func (a ProbeAddress) String() string {
	return fmt.Sprintf("box %d probe %d", a.Box, a.Probe)
}
