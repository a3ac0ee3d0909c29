package profiles

// Profile describes one probe model as data: the counts and limits a probe of
// this type brings. The emulated box is seeded from it, the control surface
// lists it.
type Profile struct {
	SchemaVersion int          `json:"schema_version"`
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	Manufacturer  string       `json:"manufacturer,omitempty"`
	Hardware      Hardware     `json:"hardware"`
	Acquisition   Acquisition  `json:"acquisition"`
	Stimulation   *Stimulation `json:"stimulation,omitempty"`
}

// Hardware holds the per-probe counts.
type Hardware struct {
	Channels         int `json:"channels"`
	Electrodes       int `json:"electrodes"`
	StimUnits        int `json:"stim_units"`
	References       int `json:"references,omitempty"`
	InputsPerChannel int `json:"inputs_per_channel,omitempty"`
}

type Acquisition struct {
	FrequencyHz     int `json:"frequency_hz"`
	SamplesPerBatch int `json:"samples_per_batch,omitempty"`
	GainCodes       int `json:"gain_codes,omitempty"`
}

type Stimulation struct {
	AmplitudeLevels int `json:"amplitude_levels,omitempty"`
	TimeStepMicros  int `json:"time_step_us,omitempty"`
}
