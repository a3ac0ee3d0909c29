package websocket

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Session lifecycle messages
	MessageTypeSessionState  MessageType = "session_state"
	MessageTypeSessionStatus MessageType = "session_status"

	// Recording messages
	MessageTypeRecordingStarted MessageType = "recording_started"
	MessageTypeRecordingStopped MessageType = "recording_stopped"

	// Stimulation messages
	MessageTypeStimulationStarted MessageType = "stimulation_started"
	MessageTypeStimulationStopped MessageType = "stimulation_stopped"

	// Settings messages
	MessageTypeSettingsApplied MessageType = "settings_applied"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// SessionStateData represents a session state change
type SessionStateData struct {
	State    string `json:"state"`
	Previous string `json:"previous_state"`
}

// RecordingData describes a recording artifact event
type RecordingData struct {
	Name     string `json:"name"`
	FilePath string `json:"file_path"`
	Frames   uint64 `json:"frames,omitempty"`
	Gaps     uint64 `json:"gaps,omitempty"`
	Fault    string `json:"fault,omitempty"`
}

// StimulationTarget names one probe and the units a trigger touched
type StimulationTarget struct {
	Box   int   `json:"box"`
	Probe int   `json:"probe"`
	Units []int `json:"units"`
}

// StimulationData carries all targets of one trigger or halt
type StimulationData struct {
	Targets []StimulationTarget `json:"targets"`
}

// SettingsAppliedData summarizes an accepted settings upload
type SettingsAppliedData struct {
	Kind       string `json:"kind"`
	Directives int    `json:"directives"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Helper functions for creating specific message types

func NewSessionStateMessage(newState, previousState string) Message {
	return NewMessage(MessageTypeSessionState, SessionStateData{
		State:    newState,
		Previous: previousState,
	})
}

func NewRecordingStartedMessage(name, filePath string) Message {
	return NewMessage(MessageTypeRecordingStarted, RecordingData{
		Name:     name,
		FilePath: filePath,
	})
}

func NewRecordingStoppedMessage(name, filePath string, frames, gaps uint64, fault string) Message {
	return NewMessage(MessageTypeRecordingStopped, RecordingData{
		Name:     name,
		FilePath: filePath,
		Frames:   frames,
		Gaps:     gaps,
		Fault:    fault,
	})
}

func NewStimulationMessage(msgType MessageType, targets []StimulationTarget) Message {
	return NewMessage(msgType, StimulationData{Targets: targets})
}

func NewSettingsAppliedMessage(kind string, directives int) Message {
	return NewMessage(MessageTypeSettingsApplied, SettingsAppliedData{
		Kind:       kind,
		Directives: directives,
	})
}
