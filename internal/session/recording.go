package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viperbox/vipercore/internal/api/websocket"
	"github.com/viperbox/vipercore/internal/mapping"
	"github.com/viperbox/vipercore/internal/settings"
	"github.com/viperbox/vipercore/internal/storage"
	"github.com/viperbox/vipercore/internal/stream"
	"github.com/viperbox/vipercore/internal/types"
)

// activeRecording bundles everything owned by one running capture.
type activeRecording struct {
	id           uuid.UUID
	name         string
	startedAt    time.Time
	artifact     *stream.FileWriter
	settingsPath string
	forwarder    *stream.Forwarder
	catalogged   bool
}

// RecordingSummary is the result of a stopped recording. Fault carries
// shutdown problems that did not prevent the stop itself.
type RecordingSummary struct {
	Name     string `json:"name"`
	FilePath string `json:"file_path"`
	Frames   uint64 `json:"frames"`
	Gaps     uint64 `json:"gaps"`
	Fault    string `json:"fault,omitempty"`
}

// StartRecording opens the artifact files, snapshots the active settings and
// starts the capture loop. The name is reduced to a basename and gets a
// timestamp suffix so repeated names never overwrite; an empty name falls
// back to "unnamed_recording". Returns the artifact path.
func (m *Manager) StartRecording(ctx context.Context, name string) (string, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.RLock()
	state := m.state
	live := m.live
	current := m.current
	table := m.table
	m.mu.RUnlock()

	if !state.Connected() {
		return "", types.ErrNotConnected
	}
	if state.Recording() {
		return "", types.ErrAlreadyRecording
	}

	for _, box := range live.Boxes() {
		for _, probe := range live.ProbesOf(box) {
			ps, ok := current.ProbeView(box, probe)
			if !ok || !ps.FullyConfigured() {
				return "", fmt.Errorf(
					"%w: no recording settings for all channels on box %d probe %d",
					types.ErrSettingsIncomplete, box, probe)
			}
		}
	}

	now := time.Now()
	base := recordingBasename(name, now)

	if err := os.MkdirAll(m.cfg.Paths.RecordingsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory: %w", err)
	}
	if err := os.MkdirAll(m.cfg.Paths.SettingsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create settings directory: %w", err)
	}

	snapshot, err := settings.Snapshot(current)
	if err != nil {
		return "", err
	}
	settingsPath := filepath.Join(m.cfg.Paths.SettingsDir, base+".xml")
	if err := os.WriteFile(settingsPath, snapshot, 0o644); err != nil {
		return "", fmt.Errorf("failed to write settings snapshot: %w", err)
	}

	artifact, err := stream.NewFileWriter(filepath.Join(m.cfg.Paths.RecordingsDir, base+".bin"))
	if err != nil {
		return "", err
	}

	// Sink neu verbinden falls die Verbindung beim Connect fehlschlug
	if m.sink != nil && !m.sink.Connected() {
		if err := m.sink.Connect(); err != nil {
			m.logger.Warn("Streaming sink still unreachable, recording to file only",
				zap.Error(err))
		}
	}
	writers := []stream.FrameWriter{artifact}
	if m.sink != nil && m.sink.Connected() {
		writers = append(writers, m.sink)
	}

	if table == nil {
		table = mapping.Identity(types.ChannelsPerProbe)
	}
	// Ueber die volle Kanalzahl dimensioniert, der Encoder clippt auf die Batch-Groesse
	muted := make([]bool, types.ChannelsPerProbe)
	for ch := range table.MutedChannels() {
		if ch >= 0 && ch < len(muted) {
			muted[ch] = true
		}
	}

	var notch *stream.Notch
	if m.cfg.Sink.NotchFreq > 0 {
		notch = stream.NewNotch(m.cfg.Sink.NotchFreq, m.cfg.Sink.NotchQ,
			m.cfg.Sink.Frequency, types.ChannelsPerProbe)
	}

	if err := m.drv.StartAcquisition(ctx); err != nil {
		artifact.Close()
		os.Remove(artifact.Path())
		os.Remove(settingsPath)
		return "", m.noteDriverError(err)
	}

	fwd := stream.NewForwarder(m.drv, writers, m.cfg.Sink.BatchInterval(), muted, notch, m.logger)
	if err := fwd.Start(); err != nil {
		m.drv.StopAcquisition(ctx)
		artifact.Close()
		os.Remove(artifact.Path())
		os.Remove(settingsPath)
		return "", err
	}

	rec := &activeRecording{
		name:         base,
		startedAt:    now,
		artifact:     artifact,
		settingsPath: settingsPath,
		forwarder:    fwd,
	}

	if m.catalog != nil {
		entry := &storage.Recording{
			Name:         base,
			FilePath:     artifact.Path(),
			SettingsPath: settingsPath,
			StartedAt:    now,
		}
		if err := m.catalog.InsertRecording(ctx, entry); err != nil {
			m.logger.Warn("Recording catalog insert failed", zap.Error(err))
		} else {
			rec.id = entry.ID
			rec.catalogged = true
		}
	}

	m.mu.Lock()
	m.rec = rec
	m.mu.Unlock()

	if err := m.transition(StateRecording); err != nil {
		return "", err
	}

	m.logger.Info("Recording started",
		zap.String("name", base),
		zap.String("file", artifact.Path()))
	if m.wsHub != nil {
		m.wsHub.Broadcast(websocket.NewRecordingStartedMessage(base, artifact.Path()))
	}
	return artifact.Path(), nil
}

// StopRecording ends the capture, finalizes the artifacts and reports the
// totals. Shutdown problems are folded into the summary fault; the
// recording still counts as stopped.
func (m *Manager) StopRecording(ctx context.Context) (RecordingSummary, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.stopRecordingLocked(ctx)
}

func (m *Manager) stopRecordingLocked(ctx context.Context) (RecordingSummary, error) {
	m.mu.RLock()
	state := m.state
	rec := m.rec
	m.mu.RUnlock()

	if !state.Recording() || rec == nil {
		return RecordingSummary{}, types.ErrNotRecording
	}

	var faults []string

	if state == StateRecordingAndStimulating {
		if _, err := m.haltStimulation(ctx); err != nil {
			m.mu.RLock()
			gone := m.rec == nil
			m.mu.RUnlock()
			if gone {
				// Der fatale Halt-Fehler hat die ganze Session abgebaut,
				// die Aufnahme wurde dort finalisiert
				return RecordingSummary{}, err
			}
			m.logger.Warn("Halting stimulation on stop failed", zap.Error(err))
			faults = append(faults, "stimulation halt failed: "+err.Error())
		}
	}

	rec.forwarder.Stop()
	frames := rec.forwarder.Batches()
	gaps := rec.forwarder.Gaps()
	if err := rec.forwarder.Err(); err != nil {
		faults = append(faults, "capture failed: "+err.Error())
	}

	if err := m.drv.StopAcquisition(ctx); err != nil {
		m.logger.Warn("Stopping acquisition failed", zap.Error(err))
		faults = append(faults, "acquisition stop failed: "+err.Error())
	}

	if err := rec.artifact.Close(); err != nil {
		m.logger.Warn("Closing recording artifact failed", zap.Error(err))
		faults = append(faults, "artifact close failed: "+err.Error())
	}

	fault := strings.Join(faults, "; ")
	m.finishCatalog(ctx, rec, frames, fault)

	m.mu.Lock()
	m.rec = nil
	m.active = make(map[types.ProbeAddress]uint8)
	m.mu.Unlock()

	if err := m.transition(StateIdle); err != nil {
		return RecordingSummary{}, err
	}

	summary := RecordingSummary{
		Name:     rec.name,
		FilePath: rec.artifact.Path(),
		Frames:   frames,
		Gaps:     gaps,
		Fault:    fault,
	}

	m.logger.Info("Recording stopped",
		zap.String("name", rec.name),
		zap.Uint64("frames", frames),
		zap.Uint64("gaps", gaps))
	if m.wsHub != nil {
		m.wsHub.Broadcast(websocket.NewRecordingStoppedMessage(
			rec.name, rec.artifact.Path(), frames, gaps, fault))
	}
	return summary, nil
}

// finishCatalog closes the catalog row of a recording, if it ever got one.
func (m *Manager) finishCatalog(ctx context.Context, rec *activeRecording, frames uint64, fault string) {
	if m.catalog == nil || !rec.catalogged {
		return
	}
	if err := m.catalog.FinishRecording(ctx, rec.id, time.Now(), int64(frames), fault); err != nil {
		m.logger.Warn("Updating recording catalog failed", zap.Error(err))
	}
}

// recordingBasename reduces a requested name to a safe artifact basename
// with a timestamp suffix.
func recordingBasename(name string, now time.Time) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "unnamed_recording"
	}
	return base + "_" + now.Format("20060102_150405")
}
