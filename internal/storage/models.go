package storage

import (
	"time"

	"github.com/google/uuid"
)

// Recording is one catalog row: an acquisition artifact on disk together
// with the settings snapshot it was captured under.
type Recording struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	FilePath     string     `json:"file_path"`
	SettingsPath string     `json:"settings_path"`
	StartedAt    time.Time  `json:"started_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	Frames       int64      `json:"frames"`
	Fault        string     `json:"fault,omitempty"`
}
