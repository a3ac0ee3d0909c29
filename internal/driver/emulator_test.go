package driver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/viperbox/vipercore/internal/driver"
	"github.com/viperbox/vipercore/internal/types"
)

func openEmulator(t *testing.T, boxes int) *driver.Emulator {
	t.Helper()
	e := driver.NewEmulator(boxes, 60, 500)
	if _, err := e.Open(context.Background(), []int{0, 1}); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return e
}

func TestEmulatorOpen(t *testing.T) {
	e := driver.NewEmulator(2, 60, 500)
	topology, err := e.Open(context.Background(), []int{0, 1, 2})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if len(topology) != 2 {
		t.Fatalf("got %d boxes, want 2", len(topology))
	}
	for box, probes := range topology {
		if len(probes) != 3 {
			t.Errorf("box %d has %d probes, want 3", box, len(probes))
		}
	}

	if _, err := e.Open(context.Background(), []int{0}); err == nil {
		t.Error("second Open succeeded, want error")
	}

	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Errorf("second Close returned error: %v", err)
	}
}

func TestEmulatorBatchSequence(t *testing.T) {
	e := openEmulator(t, 1)
	ctx := context.Background()

	if _, err := e.ReadBatch(ctx); err == nil {
		t.Error("ReadBatch before StartAcquisition succeeded")
	}

	if err := e.StartAcquisition(ctx); err != nil {
		t.Fatalf("StartAcquisition returned error: %v", err)
	}
	for want := uint32(0); want < 3; want++ {
		batch, err := e.ReadBatch(ctx)
		if err != nil {
			t.Fatalf("ReadBatch returned error: %v", err)
		}
		if batch.Sequence != want {
			t.Errorf("batch sequence = %d, want %d", batch.Sequence, want)
		}
		if len(batch.Data) != batch.Channels*batch.Samples {
			t.Fatalf("batch data length %d, want %d", len(batch.Data), batch.Channels*batch.Samples)
		}
		if stamp := int16(want + 1); batch.Data[0] != stamp || batch.Data[len(batch.Data)-1] != stamp {
			t.Errorf("batch %d not stamped with %d", want, stamp)
		}
	}

	if err := e.StopAcquisition(ctx); err != nil {
		t.Fatalf("StopAcquisition returned error: %v", err)
	}
	if err := e.StartAcquisition(ctx); err != nil {
		t.Fatalf("restarting acquisition returned error: %v", err)
	}
	batch, err := e.ReadBatch(ctx)
	if err != nil {
		t.Fatalf("ReadBatch returned error: %v", err)
	}
	if batch.Sequence != 0 {
		t.Errorf("sequence after restart = %d, want 0", batch.Sequence)
	}
}

func TestEmulatorWriteSurface(t *testing.T) {
	e := openEmulator(t, 1)
	ctx := context.Background()

	cfg := driver.ChannelSetting{References: 0b000000011, Gain: 1, Input: 2}
	if err := e.WriteChannel(ctx, 0, 0, 5, cfg); err != nil {
		t.Fatalf("WriteChannel returned error: %v", err)
	}
	got, ok := e.ChannelConfig(0, 0, 5)
	if !ok || got != cfg {
		t.Errorf("ChannelConfig = %+v,%v, want %+v,true", got, ok, cfg)
	}

	if err := e.WriteChannel(ctx, 0, 3, 0, cfg); err == nil {
		t.Error("write to unconnected probe succeeded")
	}
	if err := e.WriteChannel(ctx, 0, 0, 64, cfg); err == nil {
		t.Error("write to out-of-range channel succeeded")
	}

	if err := e.CommitChannels(ctx, 0, 0); err != nil {
		t.Fatalf("CommitChannels returned error: %v", err)
	}
	if n := e.Commits(0, 0); n != 1 {
		t.Errorf("commit count = %d, want 1", n)
	}

	w := driver.WaveformSetting{Pulses: 20, Width1: 170, Duration: 600}
	if err := e.WriteWaveform(ctx, 0, 1, 7, w); err != nil {
		t.Fatalf("WriteWaveform returned error: %v", err)
	}
	if got, ok := e.Waveform(0, 1, 7); !ok || got != w {
		t.Errorf("Waveform = %+v,%v, want %+v,true", got, ok, w)
	}
	if err := e.WriteWaveform(ctx, 0, 0, 8, w); err == nil {
		t.Error("write to out-of-range stimulation unit succeeded")
	}

	image := map[int][]int{0: {1, 2, 5}, 3: {9}}
	if err := e.WriteStimMappings(ctx, 0, 0, image); err != nil {
		t.Fatalf("WriteStimMappings returned error: %v", err)
	}
	got2 := e.StimImage(0, 0)
	if len(got2) != 2 || len(got2[0]) != 3 || got2[3][0] != 9 {
		t.Errorf("StimImage = %v, want %v", got2, image)
	}
}

func TestEmulatorStimulationMask(t *testing.T) {
	e := openEmulator(t, 1)
	ctx := context.Background()

	if err := e.TriggerStimulation(ctx, 0, 0, 0b101); err != nil {
		t.Fatalf("TriggerStimulation returned error: %v", err)
	}
	if err := e.HaltStimulation(ctx, 0, 0, 0b001); err != nil {
		t.Fatalf("HaltStimulation returned error: %v", err)
	}
	if active := e.ActiveUnits(0, 0); active != 0b100 {
		t.Errorf("active units = %03b, want 100", active)
	}
}

func TestEmulatorFaultInjection(t *testing.T) {
	e := driver.NewEmulator(1, 60, 500)
	injected := &types.DeviceUnavailableError{Reason: "box powered off"}
	e.InjectFault(driver.OpOpen, injected)

	_, err := e.Open(context.Background(), []int{0})
	var unavailable *types.DeviceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Open error = %v, want DeviceUnavailableError", err)
	}

	e.ClearFault(driver.OpOpen)
	if _, err := e.Open(context.Background(), []int{0}); err != nil {
		t.Fatalf("Open after clearing fault returned error: %v", err)
	}
}

func TestUnavailableDriver(t *testing.T) {
	u := driver.Unavailable{Reason: "vendor runtime not installed"}

	_, err := u.Open(context.Background(), []int{0})
	var unavailable *types.DeviceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Open error = %v, want DeviceUnavailableError", err)
	}
	if err := u.Close(context.Background()); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
	if err := u.Ping(context.Background()); err == nil {
		t.Error("Ping succeeded on unavailable driver")
	}
}
