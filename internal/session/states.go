package session

import (
	"fmt"
	"time"
)

type State string

const (
	StateDisconnected            State = "disconnected"
	StateConnecting              State = "connecting"
	StateIdle                    State = "idle"
	StateRecording               State = "recording"
	StateRecordingAndStimulating State = "recording_and_stimulating"
)

// Connected reports whether the session holds a usable driver link.
func (s State) Connected() bool {
	return s == StateIdle || s == StateRecording || s == StateRecordingAndStimulating
}

// Recording reports whether a capture is active.
func (s State) Recording() bool {
	return s == StateRecording || s == StateRecordingAndStimulating
}

// ValidateTransition rejects state changes the session must never make.
// Disconnected is reachable from everywhere: explicit disconnect and fatal
// link failures both end there.
func ValidateTransition(from, to State) error {
	validTransitions := map[State][]State{
		StateDisconnected:            {StateConnecting},
		StateConnecting:              {StateIdle, StateDisconnected},
		StateIdle:                    {StateRecording, StateDisconnected},
		StateRecording:               {StateRecordingAndStimulating, StateIdle, StateDisconnected},
		StateRecordingAndStimulating: {StateRecording, StateIdle, StateDisconnected},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}

// RecordingStatus describes the active recording.
type RecordingStatus struct {
	Name      string    `json:"name"`
	FilePath  string    `json:"file_path"`
	StartedAt time.Time `json:"started_at"`
	Frames    uint64    `json:"frames"`
	Gaps      uint64    `json:"gaps"`
}

// ProbeStatus summarizes what is configured and active on one probe.
type ProbeStatus struct {
	Probe               int   `json:"probe"`
	ChannelsConfigured  int   `json:"channels_configured"`
	WaveformsConfigured int   `json:"waveforms_configured"`
	MappedUnits         int   `json:"mapped_units"`
	ActiveUnits         []int `json:"active_units,omitempty"`
}

type BoxStatus struct {
	Box    int           `json:"box"`
	Probes []ProbeStatus `json:"probes"`
}

// Status is the read-only session snapshot served to status queries and
// pushed to fresh WebSocket clients.
type Status struct {
	State           State            `json:"state"`
	Emulated        bool             `json:"emulated"`
	Boxes           []BoxStatus      `json:"boxes"`
	Recording       *RecordingStatus `json:"recording,omitempty"`
	LastStateChange time.Time        `json:"last_state_change"`
}

// TriggeredProbe names one probe and the stimulation units a trigger or halt
// touched.
type TriggeredProbe struct {
	Box   int   `json:"box"`
	Probe int   `json:"probe"`
	Units []int `json:"units"`
}
