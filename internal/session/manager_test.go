package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viperbox/vipercore/internal/config"
	"github.com/viperbox/vipercore/internal/driver"
	"github.com/viperbox/vipercore/internal/session"
	"github.com/viperbox/vipercore/internal/storage"
	"github.com/viperbox/vipercore/internal/types"
)

const recordingDocument = `<Program>
  <Settings>
    <RecordingSettings>
      <Channel box="-" probe="-" channel="-" references="b,2" gain="2" input="1" />
    </RecordingSettings>
  </Settings>
</Program>`

const waveformDocument = `<Program>
  <Settings>
    <StimulationWaveformSettings>
      <Configuration box="-" probe="-" stimunit="-" polarity="0" pulses="20" prephase="0" amplitude1="5" width1="170" interphase="60" amplitude2="5" width2="170" discharge="200" duration="600" aftertrain="1000" />
    </StimulationWaveformSettings>
  </Settings>
</Program>`

const mappingDocument = `<Program>
  <Settings>
    <StimulationMappingSettings>
      <Mapping box="1" probe="1" stimunit="1" electrodes="1,2,5,21" />
    </StimulationMappingSettings>
  </Settings>
</Program>`

const conflictDocument = `<Program>
  <Settings>
    <StimulationMappingSettings>
      <Mapping box="1" probe="1" stimunit="1" electrodes="1,2" />
      <Mapping box="1" probe="1" stimunit="2" electrodes="2,5" />
    </StimulationMappingSettings>
  </Settings>
</Program>`

// fakeCatalog records catalog calls in memory.
type fakeCatalog struct {
	mu         sync.Mutex
	inserted   []storage.Recording
	finished   map[uuid.UUID]string
	failInsert bool
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{finished: make(map[uuid.UUID]string)}
}

func (f *fakeCatalog) InsertRecording(ctx context.Context, rec *storage.Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert {
		return errors.New("catalog down")
	}
	rec.ID = uuid.New()
	f.inserted = append(f.inserted, *rec)
	return nil
}

func (f *fakeCatalog) FinishRecording(ctx context.Context, id uuid.UUID, stoppedAt time.Time, frames int64, fault string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[id] = fault
	return nil
}

func (f *fakeCatalog) ListRecordings(ctx context.Context, limit int) ([]storage.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Recording(nil), f.inserted...), nil
}

func (f *fakeCatalog) insertedRecords() []storage.Recording {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Recording(nil), f.inserted...)
}

func (f *fakeCatalog) finishedFaults() map[uuid.UUID]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]string, len(f.finished))
	for k, v := range f.finished {
		out[k] = v
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Driver.Boxes = 1
	cfg.Sink.Address = "127.0.0.1:1" // kein Listener, Session laeuft ohne Sink weiter
	cfg.Sink.Timeout = 50 * time.Millisecond
	cfg.Sink.Channels = 8
	cfg.Sink.Samples = 20
	cfg.Sink.Frequency = 20000
	cfg.Paths.RecordingsDir = filepath.Join(dir, "Recordings")
	cfg.Paths.SettingsDir = filepath.Join(dir, "Settings")
	cfg.Paths.MappingFile = filepath.Join(dir, "electrode_mapping.csv")
	return cfg
}

type testSession struct {
	mgr *session.Manager
	emu *driver.Emulator
	cat *fakeCatalog
	cfg *config.Config
}

func newTestSession(t *testing.T) *testSession {
	t.Helper()
	cfg := testConfig(t)
	emu := driver.NewEmulator(1, cfg.Sink.Channels, cfg.Sink.Samples)
	cat := newFakeCatalog()
	mgr := session.NewManager(zap.NewNop(), cfg, cat, nil, func(emulated bool) driver.Driver {
		return emu
	})
	t.Cleanup(func() { mgr.Disconnect(context.Background()) })
	return &testSession{mgr: mgr, emu: emu, cat: cat, cfg: cfg}
}

func (s *testSession) connect(t *testing.T) {
	t.Helper()
	if err := s.mgr.Connect(context.Background(), "-", true); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectBringsSessionToIdle(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	if got := s.mgr.Status().State; got != session.StateDisconnected {
		t.Fatalf("initial state = %s, want %s", got, session.StateDisconnected)
	}

	s.connect(t)

	st := s.mgr.Status()
	if st.State != session.StateIdle {
		t.Fatalf("state after connect = %s, want %s", st.State, session.StateIdle)
	}
	if !st.Emulated {
		t.Error("emulated session not reported as emulated")
	}
	if len(st.Boxes) != 1 {
		t.Fatalf("got %d boxes, want 1", len(st.Boxes))
	}
	if len(st.Boxes[0].Probes) != 4 {
		t.Fatalf("got %d probes, want 4", len(st.Boxes[0].Probes))
	}

	// Connecting again keeps the session as it is
	if err := s.mgr.Connect(ctx, "-", true); err != nil {
		t.Fatalf("second Connect returned error: %v", err)
	}
	if got := s.mgr.Status().State; got != session.StateIdle {
		t.Errorf("state after second connect = %s, want %s", got, session.StateIdle)
	}
}

func TestConnectSelectsProbes(t *testing.T) {
	s := newTestSession(t)

	if err := s.mgr.Connect(context.Background(), "1,3", true); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	st := s.mgr.Status()
	if len(st.Boxes) != 1 || len(st.Boxes[0].Probes) != 2 {
		t.Fatalf("unexpected topology: %+v", st.Boxes)
	}
	if st.Boxes[0].Probes[0].Probe != 0 || st.Boxes[0].Probes[1].Probe != 2 {
		t.Errorf("probe indices = %d and %d, want 0 and 2",
			st.Boxes[0].Probes[0].Probe, st.Boxes[0].Probes[1].Probe)
	}
}

func TestConnectRejectsBadProbeSelection(t *testing.T) {
	s := newTestSession(t)

	if err := s.mgr.Connect(context.Background(), "5", true); err == nil {
		t.Fatal("Connect with out-of-range probe succeeded")
	}
	if got := s.mgr.Status().State; got != session.StateDisconnected {
		t.Errorf("state after failed connect = %s, want %s", got, session.StateDisconnected)
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	if err := s.mgr.UploadRecordingSettings(ctx, []byte(recordingDocument)); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("UploadRecordingSettings = %v, want ErrNotConnected", err)
	}
	if err := s.mgr.UploadStimulationSettings(ctx, []byte(waveformDocument)); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("UploadStimulationSettings = %v, want ErrNotConnected", err)
	}
	if err := s.mgr.ApplyDefaults(ctx); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("ApplyDefaults = %v, want ErrNotConnected", err)
	}
	if _, err := s.mgr.StartRecording(ctx, "x"); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("StartRecording = %v, want ErrNotConnected", err)
	}
	if _, err := s.mgr.StopRecording(ctx); !errors.Is(err, types.ErrNotRecording) {
		t.Errorf("StopRecording = %v, want ErrNotRecording", err)
	}
	if _, err := s.mgr.StartStimulation(ctx); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("StartStimulation = %v, want ErrNotConnected", err)
	}
	if _, err := s.mgr.StopStimulation(ctx); !errors.Is(err, types.ErrNotStimulating) {
		t.Errorf("StopStimulation = %v, want ErrNotStimulating", err)
	}
	if err := s.mgr.Disconnect(ctx); err != nil {
		t.Errorf("Disconnect while disconnected = %v, want nil", err)
	}
}

func TestUploadDispatchesChannelConfiguration(t *testing.T) {
	s := newTestSession(t)
	s.connect(t)

	if err := s.mgr.UploadRecordingSettings(context.Background(), []byte(recordingDocument)); err != nil {
		t.Fatalf("UploadRecordingSettings returned error: %v", err)
	}

	cfg, ok := s.emu.ChannelConfig(0, 0, 0)
	if !ok {
		t.Fatal("channel 0 was never written")
	}
	if cfg.Gain != 2 {
		t.Errorf("gain = %d, want 2", cfg.Gain)
	}
	if cfg.References != 5 { // body plus reference 2
		t.Errorf("references = %#b, want 0b101", cfg.References)
	}
	// The document input attribute stays model-side; without a mapping file
	// the identity table routes every channel to input 0.
	if cfg.Input != 0 {
		t.Errorf("input = %d, want 0", cfg.Input)
	}

	for probe := 0; probe < 4; probe++ {
		if got := s.emu.Commits(0, probe); got != 1 {
			t.Errorf("probe %d commits = %d, want 1", probe, got)
		}
	}

	st := s.mgr.Status()
	for _, p := range st.Boxes[0].Probes {
		if p.ChannelsConfigured != 64 {
			t.Errorf("probe %d channels configured = %d, want 64", p.Probe, p.ChannelsConfigured)
		}
	}
}

func TestUploadUsesMappingTableInputs(t *testing.T) {
	s := newTestSession(t)

	table := "Probe electrode,EL_PAD#,Resulting channel,Resulting input selection,Resulting electrode\n" +
		"1,1,1,2,1\n" +
		"2,2,2,0,2\n" +
		"3,3,2,1,3\n"
	if err := os.WriteFile(s.cfg.Paths.MappingFile, []byte(table), 0o644); err != nil {
		t.Fatalf("writing mapping fixture: %v", err)
	}

	s.connect(t)
	if err := s.mgr.UploadRecordingSettings(context.Background(), []byte(recordingDocument)); err != nil {
		t.Fatalf("UploadRecordingSettings returned error: %v", err)
	}

	if cfg, _ := s.emu.ChannelConfig(0, 0, 0); cfg.Input != 2 {
		t.Errorf("channel 0 input = %d, want 2 from the mapping table", cfg.Input)
	}
	// Channel 1 is claimed twice; the first claimant decides the input.
	if cfg, _ := s.emu.ChannelConfig(0, 0, 1); cfg.Input != 0 {
		t.Errorf("channel 1 input = %d, want 0", cfg.Input)
	}
	// Unwired channels fall back to input 0.
	if cfg, _ := s.emu.ChannelConfig(0, 0, 5); cfg.Input != 0 {
		t.Errorf("channel 5 input = %d, want 0", cfg.Input)
	}
}

func TestUploadRequiresMatchingSection(t *testing.T) {
	s := newTestSession(t)
	s.connect(t)
	ctx := context.Background()

	var parseErr *types.ParseError
	if err := s.mgr.UploadRecordingSettings(ctx, []byte(waveformDocument)); !errors.As(err, &parseErr) {
		t.Errorf("recording upload without RecordingSettings = %v, want ParseError", err)
	}
	if err := s.mgr.UploadStimulationSettings(ctx, []byte(recordingDocument)); !errors.As(err, &parseErr) {
		t.Errorf("stimulation upload without stimulation sections = %v, want ParseError", err)
	}
}

func TestUploadRejectsMappingConflict(t *testing.T) {
	s := newTestSession(t)
	s.connect(t)
	ctx := context.Background()

	var conflict *types.MappingConflictError
	err := s.mgr.UploadStimulationSettings(ctx, []byte(conflictDocument))
	if !errors.As(err, &conflict) {
		t.Fatalf("conflicting upload = %v, want MappingConflictError", err)
	}
	if conflict.Electrode != 1 || conflict.FirstUnit != 0 || conflict.SecondUnit != 1 {
		t.Errorf("conflict = %+v, want electrode 1 between units 0 and 1", conflict)
	}

	// Claims surviving from an earlier upload conflict too.
	if err := s.mgr.UploadStimulationSettings(ctx, []byte(mappingDocument)); err != nil {
		t.Fatalf("first mapping upload returned error: %v", err)
	}
	second := `<Program><Settings><StimulationMappingSettings>
		<Mapping box="1" probe="1" stimunit="2" electrodes="5" />
	</StimulationMappingSettings></Settings></Program>`
	err = s.mgr.UploadStimulationSettings(ctx, []byte(second))
	if !errors.As(err, &conflict) {
		t.Fatalf("upload against persisted claim = %v, want MappingConflictError", err)
	}
	if conflict.Electrode != 4 || conflict.FirstUnit != 0 || conflict.SecondUnit != 1 {
		t.Errorf("conflict = %+v, want electrode 4 between units 0 and 1", conflict)
	}
}

func TestUploadFailureLeavesSettingsUncommitted(t *testing.T) {
	s := newTestSession(t)
	s.connect(t)
	ctx := context.Background()

	if err := s.mgr.UploadRecordingSettings(ctx, []byte(recordingDocument)); err != nil {
		t.Fatalf("UploadRecordingSettings returned error: %v", err)
	}

	s.emu.InjectFault(driver.OpWriteWaveform, &types.DriverError{
		Op:  driver.OpWriteWaveform,
		Err: errors.New("write refused"),
	})
	if err := s.mgr.UploadStimulationSettings(ctx, []byte(waveformDocument)); err == nil {
		t.Fatal("upload with failing waveform write succeeded")
	}
	if got := s.mgr.Status().State; got != session.StateIdle {
		t.Fatalf("state after failed upload = %s, want %s", got, session.StateIdle)
	}
	s.emu.ClearFault(driver.OpWriteWaveform)

	if _, err := s.mgr.StartRecording(ctx, "atomicity"); err != nil {
		t.Fatalf("StartRecording returned error: %v", err)
	}
	// The failed upload must not have marked stimulation settings as
	// uploaded.
	if _, err := s.mgr.StartStimulation(ctx); !errors.Is(err, types.ErrNoStimulationSettings) {
		t.Errorf("StartStimulation = %v, want ErrNoStimulationSettings", err)
	}
}

func TestStimulationLifecycle(t *testing.T) {
	s := newTestSession(t)
	s.connect(t)
	ctx := context.Background()

	if err := s.mgr.ApplyDefaults(ctx); err != nil {
		t.Fatalf("ApplyDefaults returned error: %v", err)
	}
	if err := s.mgr.UploadStimulationSettings(ctx, []byte(mappingDocument)); err != nil {
		t.Fatalf("UploadStimulationSettings returned error: %v", err)
	}
	if _, err := s.mgr.StartRecording(ctx, "stim"); err != nil {
		t.Fatalf("StartRecording returned error: %v", err)
	}

	triggered, err := s.mgr.StartStimulation(ctx)
	if err != nil {
		t.Fatalf("StartStimulation returned error: %v", err)
	}
	if len(triggered) != 1 || triggered[0].Box != 0 || triggered[0].Probe != 0 {
		t.Fatalf("triggered = %+v, want box 0 probe 0", triggered)
	}
	if len(triggered[0].Units) != 1 || triggered[0].Units[0] != 0 {
		t.Fatalf("triggered units = %v, want [0]", triggered[0].Units)
	}
	if got := s.emu.ActiveUnits(0, 0); got != 0b1 {
		t.Errorf("active unit mask = %#b, want 0b1", got)
	}

	st := s.mgr.Status()
	if st.State != session.StateRecordingAndStimulating {
		t.Fatalf("state = %s, want %s", st.State, session.StateRecordingAndStimulating)
	}
	if units := st.Boxes[0].Probes[0].ActiveUnits; len(units) != 1 || units[0] != 0 {
		t.Errorf("status active units = %v, want [0]", units)
	}

	halted, err := s.mgr.StopStimulation(ctx)
	if err != nil {
		t.Fatalf("StopStimulation returned error: %v", err)
	}
	if len(halted) != 1 || len(halted[0].Units) != 1 || halted[0].Units[0] != 0 {
		t.Fatalf("halted = %+v, want unit 0 on box 0 probe 0", halted)
	}
	if got := s.emu.ActiveUnits(0, 0); got != 0 {
		t.Errorf("active unit mask after halt = %#b, want 0", got)
	}
	if got := s.mgr.Status().State; got != session.StateRecording {
		t.Fatalf("state after halt = %s, want %s", got, session.StateRecording)
	}

	if _, err := s.mgr.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording returned error: %v", err)
	}
	if got := s.mgr.Status().State; got != session.StateIdle {
		t.Errorf("state after stop = %s, want %s", got, session.StateIdle)
	}
}

func TestStartStimulationGuards(t *testing.T) {
	s := newTestSession(t)
	s.connect(t)
	ctx := context.Background()

	// Nothing uploaded at all: the recording guard fires before the
	// settings guard.
	if _, err := s.mgr.StartStimulation(ctx); !errors.Is(err, types.ErrNotRecording) {
		t.Fatalf("StartStimulation without recording = %v, want ErrNotRecording", err)
	}

	if err := s.mgr.ApplyDefaults(ctx); err != nil {
		t.Fatalf("ApplyDefaults returned error: %v", err)
	}
	if _, err := s.mgr.StartRecording(ctx, "noop"); err != nil {
		t.Fatalf("StartRecording returned error: %v", err)
	}

	// Defaults carry waveforms but no electrode mappings: triggering is a
	// documented no-op.
	triggered, err := s.mgr.StartStimulation(ctx)
	if err != nil {
		t.Fatalf("StartStimulation returned error: %v", err)
	}
	if len(triggered) != 0 {
		t.Errorf("triggered = %+v, want none", triggered)
	}
	if got := s.mgr.Status().State; got != session.StateRecording {
		t.Errorf("state after no-op trigger = %s, want %s", got, session.StateRecording)
	}
	if _, err := s.mgr.StopStimulation(ctx); !errors.Is(err, types.ErrNotStimulating) {
		t.Errorf("StopStimulation = %v, want ErrNotStimulating", err)
	}
}

func TestApplyDefaultsReplacesConfiguration(t *testing.T) {
	s := newTestSession(t)
	s.connect(t)
	ctx := context.Background()

	if err := s.mgr.UploadStimulationSettings(ctx, []byte(mappingDocument)); err != nil {
		t.Fatalf("UploadStimulationSettings returned error: %v", err)
	}
	if got := s.mgr.Status().Boxes[0].Probes[0].MappedUnits; got != 1 {
		t.Fatalf("mapped units before defaults = %d, want 1", got)
	}

	if err := s.mgr.ApplyDefaults(ctx); err != nil {
		t.Fatalf("ApplyDefaults returned error: %v", err)
	}

	p := s.mgr.Status().Boxes[0].Probes[0]
	if p.ChannelsConfigured != 64 {
		t.Errorf("channels configured = %d, want 64", p.ChannelsConfigured)
	}
	if p.WaveformsConfigured != 8 {
		t.Errorf("waveforms configured = %d, want 8", p.WaveformsConfigured)
	}
	if p.MappedUnits != 0 {
		t.Errorf("mapped units after defaults = %d, want 0", p.MappedUnits)
	}
}

func TestVerifySettingsDoesNotTouchState(t *testing.T) {
	s := newTestSession(t)

	// Offline verification binds wildcards to the full hardware universe.
	if err := s.mgr.VerifySettings([]byte(recordingDocument)); err != nil {
		t.Fatalf("VerifySettings returned error: %v", err)
	}

	var conflict *types.MappingConflictError
	if err := s.mgr.VerifySettings([]byte(conflictDocument)); !errors.As(err, &conflict) {
		t.Errorf("VerifySettings on conflict = %v, want MappingConflictError", err)
	}
	if err := s.mgr.VerifySettings([]byte("<Program>")); err == nil {
		t.Error("VerifySettings on malformed document succeeded")
	}

	if got := s.mgr.Status().State; got != session.StateDisconnected {
		t.Errorf("state after verification = %s, want %s", got, session.StateDisconnected)
	}
	if _, ok := s.emu.ChannelConfig(0, 0, 0); ok {
		t.Error("verification dispatched a channel write")
	}
}

// gatedDriver blocks channel writes until released, keeping an upload in
// flight for as long as the test needs.
type gatedDriver struct {
	driver.Driver
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedDriver) WriteChannel(ctx context.Context, box, probe, channel int, cfg driver.ChannelSetting) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Driver.WriteChannel(ctx, box, probe, channel, cfg)
}

func TestConcurrentUploadRejected(t *testing.T) {
	cfg := testConfig(t)
	emu := driver.NewEmulator(1, cfg.Sink.Channels, cfg.Sink.Samples)
	gate := &gatedDriver{
		Driver:  emu,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	mgr := session.NewManager(zap.NewNop(), cfg, nil, nil, func(emulated bool) driver.Driver {
		return gate
	})
	ctx := context.Background()

	if err := mgr.Connect(ctx, "-", true); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- mgr.UploadRecordingSettings(ctx, []byte(recordingDocument))
	}()
	<-gate.entered

	if err := mgr.UploadStimulationSettings(ctx, []byte(waveformDocument)); !errors.Is(err, types.ErrConcurrentOperation) {
		t.Errorf("second upload = %v, want ErrConcurrentOperation", err)
	}
	if err := mgr.ApplyDefaults(ctx); !errors.Is(err, types.ErrConcurrentOperation) {
		t.Errorf("defaults during upload = %v, want ErrConcurrentOperation", err)
	}

	close(gate.release)
	if err := <-errCh; err != nil {
		t.Fatalf("gated upload returned error: %v", err)
	}
}

func TestFatalDriverFaultDropsSession(t *testing.T) {
	s := newTestSession(t)
	s.connect(t)
	ctx := context.Background()

	s.emu.InjectFault(driver.OpWriteWaveform, &types.DriverError{
		Op:    driver.OpWriteWaveform,
		Fatal: true,
		Err:   errors.New("link lost"),
	})
	if err := s.mgr.UploadStimulationSettings(ctx, []byte(waveformDocument)); err == nil {
		t.Fatal("upload over dead link succeeded")
	}

	if got := s.mgr.Status().State; got != session.StateDisconnected {
		t.Fatalf("state after fatal fault = %s, want %s", got, session.StateDisconnected)
	}
	if err := s.emu.Ping(ctx); err == nil {
		t.Error("driver link still open after teardown")
	}

	// A fresh connect starts over.
	s.emu.ClearFault(driver.OpWriteWaveform)
	s.connect(t)
	if got := s.mgr.Status().State; got != session.StateIdle {
		t.Errorf("state after reconnect = %s, want %s", got, session.StateIdle)
	}
}
