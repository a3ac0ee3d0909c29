package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/viperbox/vipercore/internal/api/websocket"
	"github.com/viperbox/vipercore/internal/config"
	"github.com/viperbox/vipercore/internal/driver"
	"github.com/viperbox/vipercore/internal/mapping"
	"github.com/viperbox/vipercore/internal/settings"
	"github.com/viperbox/vipercore/internal/storage"
	"github.com/viperbox/vipercore/internal/stream"
	"github.com/viperbox/vipercore/internal/types"
)

// DriverFactory builds the driver for one connection attempt. The emulated
// flag is the effective one, request flag or configured default.
type DriverFactory func(emulated bool) driver.Driver

// Manager owns the device session: the driver link, the last-applied
// settings, the electrode table and the active recording. All mutating
// operations are serialized; status reads run concurrently against a
// snapshot.
type Manager struct {
	logger    *zap.Logger
	cfg       *config.Config
	catalog   storage.RecordingCatalog
	wsHub     *websocket.Hub
	newDriver DriverFactory

	// ops serializes mutating operations against each other. Settings
	// uploads refuse to wait and report the collision instead.
	ops sync.Mutex

	mu              sync.RWMutex
	state           State
	lastStateChange time.Time
	emulated        bool
	drv             driver.Driver
	sink            *stream.Sink
	live            settings.LiveSet
	current         *settings.SessionSettings
	table           *mapping.Table
	stimUploaded    bool
	active          map[types.ProbeAddress]uint8
	rec             *activeRecording
}

func NewManager(
	logger *zap.Logger,
	cfg *config.Config,
	catalog storage.RecordingCatalog,
	wsHub *websocket.Hub,
	newDriver DriverFactory,
) *Manager {
	return &Manager{
		logger:          logger,
		cfg:             cfg,
		catalog:         catalog,
		wsHub:           wsHub,
		newDriver:       newDriver,
		state:           StateDisconnected,
		lastStateChange: time.Now(),
		active:          make(map[types.ProbeAddress]uint8),
	}
}

// Connect opens the driver link and brings the selected probes up. probes is
// a selector expression ("-" or empty for all). Connecting while already
// connected keeps the session as it is.
func (m *Manager) Connect(ctx context.Context, probes string, emulated bool) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.RLock()
	connected := m.state.Connected()
	m.mu.RUnlock()
	if connected {
		m.logger.Info("Connect requested while connected, keeping session")
		return nil
	}

	sel := settings.Selector(probes)
	if probes == "" {
		sel = settings.Wildcard
	}
	requested, err := sel.Resolve(allProbes())
	if err != nil {
		return &types.ParseError{Element: "Connect", Attr: "probes", Reason: err.Error()}
	}

	if err := m.transition(StateConnecting); err != nil {
		return err
	}

	emulated = emulated || m.cfg.Driver.Emulated
	drv := m.newDriver(emulated)
	topology, err := drv.Open(ctx, requested)
	if err != nil {
		m.forceDisconnected()
		return err
	}

	sink := stream.NewSink(m.cfg.Sink.Address, m.cfg.Sink.Timeout)
	if err := sink.Connect(); err != nil {
		m.logger.Warn("Streaming sink not reachable, continuing without live stream",
			zap.String("address", m.cfg.Sink.Address),
			zap.Error(err))
	}

	live := settings.LiveSet{Probes: topology}

	m.mu.Lock()
	m.drv = drv
	m.sink = sink
	m.live = live
	m.current = settings.NewSessionSettings()
	m.table = nil
	m.stimUploaded = false
	m.emulated = emulated
	m.active = make(map[types.ProbeAddress]uint8)
	m.mu.Unlock()

	if err := m.transition(StateIdle); err != nil {
		return err
	}

	total := 0
	for _, box := range live.Boxes() {
		total += len(live.ProbesOf(box))
	}
	m.logger.Info("Connected to ViperBox",
		zap.Int("boxes", len(live.Boxes())),
		zap.Int("probes", total),
		zap.Bool("emulated", emulated))
	return nil
}

// Disconnect stops any active recording, halts stimulation and closes the
// link. Disconnecting while disconnected is a no-op.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state == StateDisconnected {
		return nil
	}

	if state.Recording() {
		if _, err := m.stopRecordingLocked(ctx); err != nil {
			m.logger.Warn("Stopping recording on disconnect failed", zap.Error(err))
		}
	}

	m.teardown(ctx, "")
	m.logger.Info("Disconnected from ViperBox")
	return nil
}

// UploadRecordingSettings parses, validates, dispatches and commits a
// recording settings document.
func (m *Manager) UploadRecordingSettings(ctx context.Context, data []byte) error {
	return m.uploadSettings(ctx, "recording", data)
}

// UploadStimulationSettings parses, validates, dispatches and commits a
// stimulation settings document. Allowed during an active recording, so
// trains can be reconfigured between triggers.
func (m *Manager) UploadStimulationSettings(ctx context.Context, data []byte) error {
	return m.uploadSettings(ctx, "stimulation", data)
}

func (m *Manager) uploadSettings(ctx context.Context, kind string, data []byte) error {
	if !m.ops.TryLock() {
		return types.ErrConcurrentOperation
	}
	defer m.ops.Unlock()

	doc, err := settings.ParseDocument(data)
	if err != nil {
		return err
	}
	switch kind {
	case "recording":
		if !doc.HasRecordingSection() {
			return &types.ParseError{Element: "Settings", Reason: "missing RecordingSettings section"}
		}
	case "stimulation":
		if !doc.HasStimulationSection() {
			return &types.ParseError{Element: "Settings", Reason: "missing stimulation settings section"}
		}
	}

	m.mu.RLock()
	state := m.state
	base := m.current
	m.mu.RUnlock()

	if !state.Connected() {
		return types.ErrNotConnected
	}
	// Die Kanalkonfiguration ist waehrend einer Aufnahme eingefroren
	if state.Recording() && (kind == "recording" || len(doc.Recording) > 0) {
		return fmt.Errorf("%w: recording channels cannot be reconfigured during capture",
			types.ErrAlreadyRecording)
	}

	return m.applyDocument(ctx, kind, doc, base)
}

// ApplyDefaults loads the built-in default document and applies it to a
// fresh model, replacing whatever was configured before.
func (m *Manager) ApplyDefaults(ctx context.Context) error {
	if !m.ops.TryLock() {
		return types.ErrConcurrentOperation
	}
	defer m.ops.Unlock()

	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()

	if !state.Connected() {
		return types.ErrNotConnected
	}
	if state.Recording() {
		return fmt.Errorf("%w: defaults cannot be applied during capture",
			types.ErrAlreadyRecording)
	}

	doc, err := settings.DefaultSettings()
	if err != nil {
		return err
	}
	return m.applyDocument(ctx, "defaults", doc, settings.NewSessionSettings())
}

// applyDocument runs the upload pipeline on a clone of base: expand
// directives, verify electrode claims, dispatch to the hardware, and only
// then commit the clone as last-applied. A failure anywhere leaves the
// session on the previous settings.
func (m *Manager) applyDocument(ctx context.Context, kind string, doc *settings.Document, base *settings.SessionSettings) error {
	m.mu.RLock()
	live := m.live
	m.mu.RUnlock()

	next := base.Clone()
	if err := doc.Apply(next, live); err != nil {
		return err
	}
	if err := verifyClaims(next); err != nil {
		return err
	}

	var table *mapping.Table
	if len(doc.Recording) > 0 {
		var err error
		table, err = m.loadTable()
		if err != nil {
			return err
		}
		if err := m.dispatchRecording(ctx, next, live, table); err != nil {
			return err
		}
	}
	if len(doc.Waveforms) > 0 || len(doc.Mappings) > 0 {
		if err := m.dispatchStimulation(ctx, next, live); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.current = next
	if table != nil {
		m.table = table
	}
	if doc.HasStimulationSection() {
		m.stimUploaded = true
	}
	m.mu.Unlock()

	directives := len(doc.Recording) + len(doc.Waveforms) + len(doc.Mappings)
	m.logger.Info("Settings applied",
		zap.String("kind", kind),
		zap.Int("directives", directives))
	if m.wsHub != nil {
		m.wsHub.Broadcast(websocket.NewSettingsAppliedMessage(kind, directives))
	}
	return nil
}

// VerifySettings runs a document through the full upload validation against
// a throwaway clone. Nothing is dispatched and nothing changes. Without a
// connected box, wildcards bind to the whole addressable hardware.
func (m *Manager) VerifySettings(data []byte) error {
	doc, err := settings.ParseDocument(data)
	if err != nil {
		return err
	}

	m.mu.RLock()
	state := m.state
	live := m.live
	base := m.current
	m.mu.RUnlock()

	if !state.Connected() {
		live = settings.FullLiveSet()
		base = settings.NewSessionSettings()
	}

	next := base.Clone()
	if err := doc.Apply(next, live); err != nil {
		return err
	}
	if err := verifyClaims(next); err != nil {
		return err
	}
	if len(doc.Recording) > 0 {
		if _, err := m.loadTable(); err != nil {
			return err
		}
	}
	return nil
}

// StartStimulation triggers every stimulation unit that has both a waveform
// and an electrode mapping. Units missing either are skipped; an empty
// eligible set succeeds without touching the hardware.
func (m *Manager) StartStimulation(ctx context.Context) ([]TriggeredProbe, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.RLock()
	state := m.state
	stimUploaded := m.stimUploaded
	m.mu.RUnlock()

	if !state.Connected() {
		return nil, types.ErrNotConnected
	}
	if !state.Recording() {
		return nil, fmt.Errorf("%w: stimulation requires an active recording",
			types.ErrNotRecording)
	}
	if !stimUploaded {
		return nil, types.ErrNoStimulationSettings
	}

	targets := m.configuredUnits()
	if len(targets) == 0 {
		m.logger.Info("No stimulation unit has both waveform and mapping, nothing to trigger")
		return []TriggeredProbe{}, nil
	}

	triggered := make([]TriggeredProbe, 0, len(targets))
	var trigErr error
	for _, t := range targets {
		mask := unitsToMask(t.Units)
		if err := m.drv.TriggerStimulation(ctx, t.Box, t.Probe, mask); err != nil {
			trigErr = m.noteDriverError(err)
			break
		}
		m.mu.Lock()
		m.active[types.ProbeAddress{Box: t.Box, Probe: t.Probe}] |= mask
		m.mu.Unlock()
		triggered = append(triggered, t)
	}

	// Nach einem fatalen Fehler ist die Session bereits abgebaut
	m.mu.RLock()
	state = m.state
	m.mu.RUnlock()
	if len(triggered) > 0 && state == StateRecording {
		if err := m.transition(StateRecordingAndStimulating); err != nil && trigErr == nil {
			trigErr = err
		}
	}

	if len(triggered) > 0 {
		m.logger.Info("Stimulation triggered", zap.Int("probes", len(triggered)))
		if m.wsHub != nil {
			m.wsHub.Broadcast(websocket.NewStimulationMessage(
				websocket.MessageTypeStimulationStarted, stimTargets(triggered)))
		}
	}
	return triggered, trigErr
}

// StopStimulation halts every unit a trigger started and returns the
// session to plain recording.
func (m *Manager) StopStimulation(ctx context.Context) ([]TriggeredProbe, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state != StateRecordingAndStimulating {
		return nil, types.ErrNotStimulating
	}

	halted, err := m.haltStimulation(ctx)
	if err != nil {
		return halted, err
	}

	if err := m.transition(StateRecording); err != nil {
		return halted, err
	}

	m.logger.Info("Stimulation halted", zap.Int("probes", len(halted)))
	if m.wsHub != nil {
		m.wsHub.Broadcast(websocket.NewStimulationMessage(
			websocket.MessageTypeStimulationStopped, stimTargets(halted)))
	}
	return halted, nil
}

// Status returns a point-in-time snapshot of the session.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		State:           m.state,
		Emulated:        m.emulated,
		Boxes:           []BoxStatus{},
		LastStateChange: m.lastStateChange,
	}

	for _, box := range m.live.Boxes() {
		bs := BoxStatus{Box: box, Probes: []ProbeStatus{}}
		for _, probe := range m.live.ProbesOf(box) {
			p := ProbeStatus{Probe: probe}
			if m.current != nil {
				if ps, ok := m.current.ProbeView(box, probe); ok {
					p.ChannelsConfigured = len(ps.Channels)
					p.WaveformsConfigured = len(ps.Waveforms)
					p.MappedUnits = len(ps.Mappings)
				}
			}
			if mask := m.active[types.ProbeAddress{Box: box, Probe: probe}]; mask != 0 {
				p.ActiveUnits = maskToUnits(mask)
			}
			bs.Probes = append(bs.Probes, p)
		}
		st.Boxes = append(st.Boxes, bs)
	}

	if m.rec != nil {
		st.Recording = &RecordingStatus{
			Name:      m.rec.name,
			FilePath:  m.rec.artifact.Path(),
			StartedAt: m.rec.startedAt,
			Frames:    m.rec.forwarder.Batches(),
			Gaps:      m.rec.forwarder.Gaps(),
		}
	}
	return st
}

// Recordings lists the newest catalog entries. Without a configured catalog
// the list is empty.
func (m *Manager) Recordings(ctx context.Context, limit int) ([]storage.Recording, error) {
	if m.catalog == nil {
		return []storage.Recording{}, nil
	}
	return m.catalog.ListRecordings(ctx, limit)
}

// dispatchRecording writes every configured channel of the clone to the
// hardware and commits per probe. The electrode table decides the input
// multiplexer; channels without a wired electrode stay on input 0.
func (m *Manager) dispatchRecording(ctx context.Context, s *settings.SessionSettings, live settings.LiveSet, table *mapping.Table) error {
	for _, box := range live.Boxes() {
		for _, probe := range live.ProbesOf(box) {
			ps, ok := s.ProbeView(box, probe)
			if !ok || len(ps.Channels) == 0 {
				continue
			}
			for _, ch := range sortedKeys(ps.Channels) {
				cfg := ps.Channels[ch]
				input, wired := table.InputFor(ch)
				if !wired {
					input = 0
					m.logger.Debug("No electrode wired to channel, input left at 0",
						zap.Int("box", box),
						zap.Int("probe", probe),
						zap.Int("channel", ch))
				}
				setting := driver.ChannelSetting{
					References: uint16(cfg.References),
					Gain:       cfg.Gain,
					Input:      input,
				}
				if err := m.drv.WriteChannel(ctx, box, probe, ch, setting); err != nil {
					return m.noteDriverError(err)
				}
			}
			if err := m.drv.CommitChannels(ctx, box, probe); err != nil {
				return m.noteDriverError(err)
			}
		}
	}
	return nil
}

// dispatchStimulation writes waveforms per unit and replaces the electrode
// image of every probe the clone maps.
func (m *Manager) dispatchStimulation(ctx context.Context, s *settings.SessionSettings, live settings.LiveSet) error {
	for _, box := range live.Boxes() {
		for _, probe := range live.ProbesOf(box) {
			ps, ok := s.ProbeView(box, probe)
			if !ok {
				continue
			}
			for _, unit := range sortedKeys(ps.Waveforms) {
				w := driver.WaveformSetting(ps.Waveforms[unit])
				if err := m.drv.WriteWaveform(ctx, box, probe, unit, w); err != nil {
					return m.noteDriverError(err)
				}
			}
			if len(ps.Mappings) > 0 {
				if err := m.drv.WriteStimMappings(ctx, box, probe, ps.Mappings); err != nil {
					return m.noteDriverError(err)
				}
			}
		}
	}
	return nil
}

// haltStimulation stops all active units probe by probe and clears their
// masks. Partial failure leaves the remaining masks in place so a retry
// halts the rest.
func (m *Manager) haltStimulation(ctx context.Context) ([]TriggeredProbe, error) {
	m.mu.RLock()
	addrs := make([]types.ProbeAddress, 0, len(m.active))
	for addr := range m.active {
		addrs = append(addrs, addr)
	}
	m.mu.RUnlock()

	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].Box != addrs[j].Box {
			return addrs[i].Box < addrs[j].Box
		}
		return addrs[i].Probe < addrs[j].Probe
	})

	halted := make([]TriggeredProbe, 0, len(addrs))
	for _, addr := range addrs {
		m.mu.RLock()
		mask := m.active[addr]
		m.mu.RUnlock()
		if mask == 0 {
			continue
		}
		if err := m.drv.HaltStimulation(ctx, addr.Box, addr.Probe, mask); err != nil {
			return halted, m.noteDriverError(err)
		}
		m.mu.Lock()
		delete(m.active, addr)
		m.mu.Unlock()
		halted = append(halted, TriggeredProbe{
			Box:   addr.Box,
			Probe: addr.Probe,
			Units: maskToUnits(mask),
		})
	}
	return halted, nil
}

// configuredUnits collects, per connected probe, the stimulation units that
// carry both a waveform and a non-empty electrode mapping.
func (m *Manager) configuredUnits() []TriggeredProbe {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []TriggeredProbe{}
	for _, box := range m.live.Boxes() {
		for _, probe := range m.live.ProbesOf(box) {
			ps, ok := m.current.ProbeView(box, probe)
			if !ok {
				continue
			}
			units := []int{}
			for _, unit := range sortedKeys(ps.Waveforms) {
				if len(ps.Mappings[unit]) > 0 {
					units = append(units, unit)
				}
			}
			if len(units) > 0 {
				out = append(out, TriggeredProbe{Box: box, Probe: probe, Units: units})
			}
		}
	}
	return out
}

// loadTable reads the electrode mapping table. A missing file is not an
// error, the identity mapping applies then.
func (m *Manager) loadTable() (*mapping.Table, error) {
	path := m.cfg.Paths.MappingFile
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		m.logger.Debug("No electrode mapping file, using identity mapping",
			zap.String("path", path))
		return mapping.Identity(types.ChannelsPerProbe), nil
	}
	return mapping.Load(path)
}

// noteDriverError inspects a failed driver call. Fatal link errors
// invalidate the whole session; everything else goes back to the caller
// unchanged.
func (m *Manager) noteDriverError(err error) error {
	var derr *types.DriverError
	if errors.As(err, &derr) && derr.Fatal {
		m.logger.Error("Fatal driver failure, dropping connection", zap.Error(err))
		m.teardown(context.Background(), "driver failure: "+derr.Error())
	}
	return err
}

// teardown releases every resource of the session and drops to
// Disconnected. Best effort: a dead link may refuse the goodbye too.
func (m *Manager) teardown(ctx context.Context, fault string) {
	m.mu.Lock()
	drv := m.drv
	sink := m.sink
	rec := m.rec
	m.drv = nil
	m.sink = nil
	m.rec = nil
	m.live = settings.LiveSet{}
	m.current = nil
	m.table = nil
	m.stimUploaded = false
	m.active = make(map[types.ProbeAddress]uint8)
	m.mu.Unlock()

	if rec != nil {
		rec.forwarder.Stop()
		frames := rec.forwarder.Batches()
		if err := rec.artifact.Close(); err != nil {
			m.logger.Warn("Closing recording artifact failed", zap.Error(err))
		}
		m.finishCatalog(ctx, rec, frames, fault)
		m.logger.Warn("Recording aborted",
			zap.String("name", rec.name),
			zap.Uint64("frames", frames))
	}
	if drv != nil {
		if err := drv.Close(ctx); err != nil {
			m.logger.Warn("Closing driver link failed", zap.Error(err))
		}
	}
	if sink != nil {
		if err := sink.Close(); err != nil {
			m.logger.Warn("Closing sink failed", zap.Error(err))
		}
	}

	m.forceDisconnected()
}

// transition moves the session to a new state after validating the edge.
func (m *Manager) transition(to State) error {
	m.mu.Lock()
	from := m.state
	if err := ValidateTransition(from, to); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = to
	m.lastStateChange = time.Now()
	m.mu.Unlock()

	m.logger.Info("Session state changed",
		zap.String("state", string(to)),
		zap.String("previous", string(from)))

	if m.wsHub != nil {
		m.wsHub.Broadcast(websocket.NewSessionStateMessage(string(to), string(from)))
	}
	return nil
}

// forceDisconnected drops to Disconnected without edge validation. Fatal
// link failures may strike in any state.
func (m *Manager) forceDisconnected() {
	m.mu.Lock()
	from := m.state
	m.state = StateDisconnected
	m.lastStateChange = time.Now()
	m.mu.Unlock()

	if from == StateDisconnected {
		return
	}

	m.logger.Info("Session state changed",
		zap.String("state", string(StateDisconnected)),
		zap.String("previous", string(from)))

	if m.wsHub != nil {
		m.wsHub.Broadcast(websocket.NewSessionStateMessage(
			string(StateDisconnected), string(from)))
	}
}

// verifyClaims enforces the one-electrode-per-unit rule across the whole
// model, including claims kept from earlier uploads.
func verifyClaims(s *settings.SessionSettings) error {
	for _, box := range sortedKeys(s.Boxes) {
		b := s.Boxes[box]
		for _, probe := range sortedKeys(b.Probes) {
			if err := mapping.VerifyUnitClaims(box, probe, b.Probes[probe].Mappings); err != nil {
				return err
			}
		}
	}
	return nil
}

func stimTargets(probes []TriggeredProbe) []websocket.StimulationTarget {
	out := make([]websocket.StimulationTarget, len(probes))
	for i, p := range probes {
		out[i] = websocket.StimulationTarget{Box: p.Box, Probe: p.Probe, Units: p.Units}
	}
	return out
}

// unitsToMask packs unit indices into the trigger bitmask, bit i is unit i.
func unitsToMask(units []int) uint8 {
	var mask uint8
	for _, u := range units {
		mask |= 1 << uint(u)
	}
	return mask
}

func maskToUnits(mask uint8) []int {
	units := []int{}
	for i := 0; i < types.StimUnitsPerProbe; i++ {
		if mask&(1<<uint(i)) != 0 {
			units = append(units, i)
		}
	}
	return units
}

func allProbes() []int {
	out := make([]int, types.ProbesPerBox)
	for i := range out {
		out[i] = i
	}
	return out
}

func sortedKeys[T any](m map[int]T) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
