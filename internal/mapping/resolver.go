package mapping

import (
	"sort"

	"github.com/viperbox/vipercore/internal/types"
)

// VerifyUnitClaims checks that no electrode of a probe is claimed by two
// stimulation units. The caller passes the full merged mapping set, so
// claims surviving from earlier uploads still count. Units are walked in
// ascending order, making the reported pair deterministic.
func VerifyUnitClaims(box, probe int, mappings map[int][]int) error {
	units := make([]int, 0, len(mappings))
	for unit := range mappings {
		units = append(units, unit)
	}
	sort.Ints(units)

	claims := make(map[int]int)
	for _, unit := range units {
		for _, electrode := range mappings[unit] {
			if first, ok := claims[electrode]; ok && first != unit {
				return &types.MappingConflictError{
					Box:        box,
					Probe:      probe,
					Electrode:  electrode,
					FirstUnit:  first,
					SecondUnit: unit,
				}
			}
			claims[electrode] = unit
		}
	}
	return nil
}

// MutedChannels returns the channels claimed by more than one electrode.
// Two electrodes on one channel line make the analog signal ambiguous, so
// the capture stream keeps such a channel in place and zeroes its samples
// instead of delivering undefined data.
func (t *Table) MutedChannels() map[int]bool {
	out := make(map[int]bool)
	for _, row := range t.rows {
		if row.Wired && row.Duplicate {
			out[row.Channel] = true
		}
	}
	return out
}
