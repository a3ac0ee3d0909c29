package driver

import (
	"context"
)

// ChannelSetting is the hardware-facing configuration of one recording
// channel. References is the 9-bit reference set with bit 0 as the probe
// body, Input selects one of the four multiplexed electrode inputs.
type ChannelSetting struct {
	References uint16
	Gain       int
	Input      int
}

// WaveformSetting is the hardware-facing stimulation waveform of one
// stimulation unit. Amplitudes are in DAC steps, times in microseconds,
// already validated against the parameter bounds.
type WaveformSetting struct {
	Polarity   int
	Pulses     int
	Prephase   int
	Amplitude1 int
	Width1     int
	Interphase int
	Amplitude2 int
	Width2     int
	Discharge  int
	Duration   int
	Aftertrain int
}

// Batch is one acquisition buffer: Samples values per channel for Channels
// channels, channel-major. Sequence increases by one per batch within an
// acquisition run.
type Batch struct {
	Sequence uint32
	Channels int
	Samples  int
	Data     []int16
}

// Driver is the link to the physical boxes. The session serializes all
// calls except ReadBatch, which runs on the capture goroutine while control
// operations continue.
type Driver interface {
	// Open establishes the link and brings up the requested probes on every
	// reachable box. It returns the connected topology, box index to probe
	// indices. Opening an already open link is an error; callers guard
	// idempotency at the session level.
	Open(ctx context.Context, probes []int) (map[int][]int, error)
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	// WriteChannel stages one channel configuration; CommitChannels pushes
	// the staged set of a probe to the hardware in one shot.
	WriteChannel(ctx context.Context, box, probe, channel int, cfg ChannelSetting) error
	CommitChannels(ctx context.Context, box, probe int) error

	WriteWaveform(ctx context.Context, box, probe, unit int, w WaveformSetting) error

	// WriteStimMappings replaces the whole electrode image of a probe at
	// once, unit index to claimed electrodes.
	WriteStimMappings(ctx context.Context, box, probe int, electrodes map[int][]int) error

	StartAcquisition(ctx context.Context) error
	StopAcquisition(ctx context.Context) error

	// ReadBatch blocks until the next acquisition buffer is available or the
	// context is done.
	ReadBatch(ctx context.Context) (Batch, error)

	// TriggerStimulation starts the configured trains of the units set in
	// the mask (bit i is unit i); HaltStimulation ends them early.
	TriggerStimulation(ctx context.Context, box, probe int, units uint8) error
	HaltStimulation(ctx context.Context, box, probe int, units uint8) error
}
