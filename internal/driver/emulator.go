package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/viperbox/vipercore/internal/types"
)

// Operation names used in DriverError.Op and as fault-injection keys.
const (
	OpOpen              = "open"
	OpClose             = "close"
	OpPing              = "ping"
	OpWriteChannel      = "write_channel"
	OpCommitChannels    = "commit_channels"
	OpWriteWaveform     = "write_waveform"
	OpWriteStimMappings = "write_stim_mappings"
	OpStartAcquisition  = "start_acquisition"
	OpStopAcquisition   = "stop_acquisition"
	OpReadBatch         = "read_batch"
	OpTrigger           = "trigger"
	OpHalt              = "halt"
)

var errLinkNotOpen = errors.New("link not open")

// Emulator is an in-process stand-in for the hardware link. It accepts the
// full dispatch surface, remembers everything written to it, and synthesizes
// acquisition batches with the batch sequence stamped into every sample so
// stream continuity is checkable downstream. Faults can be injected per
// operation.
type Emulator struct {
	boxes    int
	channels int
	samples  int

	mu         sync.Mutex
	opened     bool
	acquiring  bool
	sequence   uint32
	topology   map[int][]int
	channelCfg map[types.HardwareAddress]ChannelSetting
	commits    map[types.ProbeAddress]int
	waveforms  map[types.HardwareAddress]WaveformSetting
	stimImages map[types.ProbeAddress]map[int][]int
	active     map[types.ProbeAddress]uint8
	faults     map[string]error
}

var _ Driver = (*Emulator)(nil)

func NewEmulator(boxes, channels, samples int) *Emulator {
	if boxes < 1 {
		boxes = 1
	}
	if boxes > types.MaxBoxes {
		boxes = types.MaxBoxes
	}
	return &Emulator{
		boxes:      boxes,
		channels:   channels,
		samples:    samples,
		channelCfg: make(map[types.HardwareAddress]ChannelSetting),
		commits:    make(map[types.ProbeAddress]int),
		waveforms:  make(map[types.HardwareAddress]WaveformSetting),
		stimImages: make(map[types.ProbeAddress]map[int][]int),
		active:     make(map[types.ProbeAddress]uint8),
		faults:     make(map[string]error),
	}
}

// InjectFault makes every subsequent call of the named operation return err
// until the fault is cleared.
func (e *Emulator) InjectFault(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[op] = err
}

func (e *Emulator) ClearFault(op string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.faults, op)
}

// fault must be called with e.mu held.
func (e *Emulator) fault(op string) error {
	if err, ok := e.faults[op]; ok {
		return err
	}
	return nil
}

func (e *Emulator) Open(ctx context.Context, probes []int) (map[int][]int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpOpen); err != nil {
		return nil, err
	}
	if e.opened {
		return nil, &types.DriverError{Op: OpOpen, Err: errors.New("link already open")}
	}

	e.topology = make(map[int][]int, e.boxes)
	for box := 0; box < e.boxes; box++ {
		e.topology[box] = append([]int(nil), probes...)
	}
	e.opened = true

	out := make(map[int][]int, len(e.topology))
	for box, p := range e.topology {
		out[box] = append([]int(nil), p...)
	}
	return out, nil
}

func (e *Emulator) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpClose); err != nil {
		return err
	}
	if !e.opened {
		return nil
	}
	e.opened = false
	e.acquiring = false
	e.active = make(map[types.ProbeAddress]uint8)
	return nil
}

func (e *Emulator) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpPing); err != nil {
		return err
	}
	if !e.opened {
		return &types.DriverError{Op: OpPing, Err: errLinkNotOpen}
	}
	return nil
}

func (e *Emulator) WriteChannel(ctx context.Context, box, probe, channel int, cfg ChannelSetting) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpWriteChannel); err != nil {
		return err
	}
	if err := e.probeReady(OpWriteChannel, box, probe); err != nil {
		return err
	}
	if channel < 0 || channel >= types.ChannelsPerProbe {
		return &types.DriverError{Op: OpWriteChannel, Err: fmt.Errorf("channel %d out of range", channel)}
	}
	e.channelCfg[types.HardwareAddress{Box: box, Probe: probe, Unit: channel}] = cfg
	return nil
}

func (e *Emulator) CommitChannels(ctx context.Context, box, probe int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpCommitChannels); err != nil {
		return err
	}
	if err := e.probeReady(OpCommitChannels, box, probe); err != nil {
		return err
	}
	e.commits[types.ProbeAddress{Box: box, Probe: probe}]++
	return nil
}

func (e *Emulator) WriteWaveform(ctx context.Context, box, probe, unit int, w WaveformSetting) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpWriteWaveform); err != nil {
		return err
	}
	if err := e.probeReady(OpWriteWaveform, box, probe); err != nil {
		return err
	}
	if unit < 0 || unit >= types.StimUnitsPerProbe {
		return &types.DriverError{Op: OpWriteWaveform, Err: fmt.Errorf("stimulation unit %d out of range", unit)}
	}
	e.waveforms[types.HardwareAddress{Box: box, Probe: probe, Unit: unit}] = w
	return nil
}

func (e *Emulator) WriteStimMappings(ctx context.Context, box, probe int, electrodes map[int][]int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpWriteStimMappings); err != nil {
		return err
	}
	if err := e.probeReady(OpWriteStimMappings, box, probe); err != nil {
		return err
	}
	image := make(map[int][]int, len(electrodes))
	for unit, list := range electrodes {
		image[unit] = append([]int(nil), list...)
	}
	e.stimImages[types.ProbeAddress{Box: box, Probe: probe}] = image
	return nil
}

func (e *Emulator) StartAcquisition(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpStartAcquisition); err != nil {
		return err
	}
	if !e.opened {
		return &types.DriverError{Op: OpStartAcquisition, Err: errLinkNotOpen}
	}
	if e.acquiring {
		return &types.DriverError{Op: OpStartAcquisition, Err: errors.New("acquisition already running")}
	}
	e.acquiring = true
	e.sequence = 0
	return nil
}

func (e *Emulator) StopAcquisition(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpStopAcquisition); err != nil {
		return err
	}
	e.acquiring = false
	return nil
}

func (e *Emulator) ReadBatch(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpReadBatch); err != nil {
		return Batch{}, err
	}
	if !e.acquiring {
		return Batch{}, &types.DriverError{Op: OpReadBatch, Err: errors.New("acquisition not running")}
	}

	data := make([]int16, e.channels*e.samples)
	stamp := int16(e.sequence + 1)
	for i := range data {
		data[i] = stamp
	}
	batch := Batch{
		Sequence: e.sequence,
		Channels: e.channels,
		Samples:  e.samples,
		Data:     data,
	}
	e.sequence++
	return batch, nil
}

func (e *Emulator) TriggerStimulation(ctx context.Context, box, probe int, units uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpTrigger); err != nil {
		return err
	}
	if err := e.probeReady(OpTrigger, box, probe); err != nil {
		return err
	}
	e.active[types.ProbeAddress{Box: box, Probe: probe}] |= units
	return nil
}

func (e *Emulator) HaltStimulation(ctx context.Context, box, probe int, units uint8) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.fault(OpHalt); err != nil {
		return err
	}
	if err := e.probeReady(OpHalt, box, probe); err != nil {
		return err
	}
	e.active[types.ProbeAddress{Box: box, Probe: probe}] &^= units
	return nil
}

// probeReady must be called with e.mu held.
func (e *Emulator) probeReady(op string, box, probe int) error {
	if !e.opened {
		return &types.DriverError{Op: op, Err: errLinkNotOpen}
	}
	for _, p := range e.topology[box] {
		if p == probe {
			return nil
		}
	}
	return &types.DriverError{Op: op, Err: fmt.Errorf("probe %d on box %d not connected", probe, box)}
}

// Test and status accessors.

func (e *Emulator) ChannelConfig(box, probe, channel int) (ChannelSetting, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.channelCfg[types.HardwareAddress{Box: box, Probe: probe, Unit: channel}]
	return cfg, ok
}

func (e *Emulator) Commits(box, probe int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commits[types.ProbeAddress{Box: box, Probe: probe}]
}

func (e *Emulator) Waveform(box, probe, unit int) (WaveformSetting, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.waveforms[types.HardwareAddress{Box: box, Probe: probe, Unit: unit}]
	return w, ok
}

func (e *Emulator) StimImage(box, probe int) map[int][]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	image := e.stimImages[types.ProbeAddress{Box: box, Probe: probe}]
	out := make(map[int][]int, len(image))
	for unit, list := range image {
		out[unit] = append([]int(nil), list...)
	}
	return out
}

func (e *Emulator) ActiveUnits(box, probe int) uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[types.ProbeAddress{Box: box, Probe: probe}]
}

func (e *Emulator) Acquiring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquiring
}
