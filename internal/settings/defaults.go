package settings

import (
	_ "embed"
)

//go:embed defaults/default_settings.xml
var defaultSettingsXML []byte

// DefaultSettings returns the built-in defaults document: every channel
// referenced to the probe body at gain 1 on electrode input 0, and the
// standard biphasic waveform on every stimulation unit. Applying it replaces
// the previous configuration instead of merging into it.
func DefaultSettings() (*Document, error) {
	return ParseDocument(defaultSettingsXML)
}
