package settings

import "fmt"

// Waveform parameter bounds from the stimulation unit datasheet. Values are
// integers with a quantization step; anything not aligned to the step is
// rejected, never rounded.
type paramBounds struct {
	Step int
	Min  int
	Max  int
}

var waveformBounds = map[string]paramBounds{
	"polarity":   {Step: 1, Min: 0, Max: 1},
	"pulses":     {Step: 1, Min: 0, Max: 255},
	"amplitude1": {Step: 1, Min: 0, Max: 255},
	"amplitude2": {Step: 1, Min: 0, Max: 255},
	"duration":   {Step: 100, Min: 100, Max: 25500},
	"prephase":   {Step: 100, Min: 0, Max: 25500},
	"width1":     {Step: 10, Min: 0, Max: 2550},
	"interphase": {Step: 10, Min: 10, Max: 2550},
	"width2":     {Step: 10, Min: 0, Max: 2550},
	"discharge":  {Step: 100, Min: 0, Max: 25500},
	"aftertrain": {Step: 100, Min: 0, Max: 25500},
}

func checkWaveformValue(name string, value int) error {
	b, ok := waveformBounds[name]
	if !ok {
		return fmt.Errorf("unknown waveform parameter %q", name)
	}
	if value < b.Min || value > b.Max {
		return fmt.Errorf("%s is %d, must be between %d and %d", name, value, b.Min, b.Max)
	}
	if (value-b.Min)%b.Step != 0 {
		return fmt.Errorf("%s is %d, must be a multiple of %d starting at %d", name, value, b.Step, b.Min)
	}
	return nil
}

func checkGainInput(name string, value int) error {
	if value < 0 || value > 3 {
		return fmt.Errorf("%s is %d, must be an integer between 0 and 3", name, value)
	}
	return nil
}
