package driver

import (
	"context"

	"github.com/viperbox/vipercore/internal/types"
)

// Unavailable stands in when no physical link layer is present, for example
// when the service runs without the vendor runtime. Every operation fails
// the way an unreachable box does, so the control surface answers with the
// documented error instead of crashing.
type Unavailable struct {
	Reason string
}

var _ Driver = Unavailable{}

func (u Unavailable) err() error {
	reason := u.Reason
	if reason == "" {
		reason = "no physical box reachable"
	}
	return &types.DeviceUnavailableError{Reason: reason}
}

func (u Unavailable) Open(ctx context.Context, probes []int) (map[int][]int, error) {
	return nil, u.err()
}

func (u Unavailable) Close(ctx context.Context) error { return nil }

func (u Unavailable) Ping(ctx context.Context) error { return u.err() }

func (u Unavailable) WriteChannel(ctx context.Context, box, probe, channel int, cfg ChannelSetting) error {
	return u.err()
}

func (u Unavailable) CommitChannels(ctx context.Context, box, probe int) error { return u.err() }

func (u Unavailable) WriteWaveform(ctx context.Context, box, probe, unit int, w WaveformSetting) error {
	return u.err()
}

func (u Unavailable) WriteStimMappings(ctx context.Context, box, probe int, electrodes map[int][]int) error {
	return u.err()
}

func (u Unavailable) StartAcquisition(ctx context.Context) error { return u.err() }

func (u Unavailable) StopAcquisition(ctx context.Context) error { return u.err() }

func (u Unavailable) ReadBatch(ctx context.Context) (Batch, error) { return Batch{}, u.err() }

func (u Unavailable) TriggerStimulation(ctx context.Context, box, probe int, units uint8) error {
	return u.err()
}

func (u Unavailable) HaltStimulation(ctx context.Context, box, probe int, units uint8) error {
	return u.err()
}
