package settings

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Selector is the raw per-axis target expression from a settings document:
// "-" for all connected instances, a single index, or a comma-separated list
// of indices and a-b ranges ("1,6-8"). Documents are 1-indexed, the model is
// 0-indexed; the shift happens in Resolve.
type Selector string

const Wildcard Selector = "-"

// Validate checks the grammar without binding to a connected set. Used at
// document parse time; membership is only known at apply time.
func (s Selector) Validate() error {
	_, _, err := s.expand()
	return err
}

// Resolve expands the selector against the allowed 0-indexed values. A
// wildcard yields all allowed values, never an error, even when none are
// connected. Explicit values outside the allowed set fail with every
// offending value named (1-indexed, as written in the document).
func (s Selector) Resolve(allowed []int) ([]int, error) {
	values, wildcard, err := s.expand()
	if err != nil {
		return nil, err
	}
	if wildcard {
		out := append([]int(nil), allowed...)
		sort.Ints(out)
		return out, nil
	}

	allowedSet := make(map[int]bool, len(allowed))
	for _, v := range allowed {
		allowedSet[v] = true
	}

	out := make([]int, 0, len(values))
	var missing []int
	for _, v := range values {
		idx := v - 1 // documents are 1-indexed
		if !allowedSet[idx] {
			missing = append(missing, v)
			continue
		}
		out = append(out, idx)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("values not connected or out of range: %v", missing)
	}
	return out, nil
}

// expand parses the selector into literal integers without the 1-index shift.
func (s Selector) expand() ([]int, bool, error) {
	raw := string(s)
	if raw == "" {
		return nil, false, fmt.Errorf("empty selector")
	}
	if strings.Contains(raw, ",,") {
		return nil, false, fmt.Errorf("double comma in %q", raw)
	}
	if strings.Contains(raw, "--") {
		return nil, false, fmt.Errorf("double dash in %q", raw)
	}
	if raw == string(Wildcard) {
		return nil, true, nil
	}

	seen := make(map[int]bool)
	for _, item := range strings.Split(raw, ",") {
		if item == "" {
			return nil, false, fmt.Errorf("empty list item in %q", raw)
		}
		if item[0] == '-' {
			return nil, false, fmt.Errorf("item %q cannot start with a dash", item)
		}
		if item[len(item)-1] == '-' {
			return nil, false, fmt.Errorf("item %q cannot end with a dash", item)
		}
		if strings.Contains(item, "-") {
			parts := strings.Split(item, "-")
			if len(parts) != 2 {
				return nil, false, fmt.Errorf("invalid range %q", item)
			}
			lo, err := strconv.Atoi(parts[0])
			if err != nil {
				return nil, false, fmt.Errorf("invalid range bound %q", parts[0])
			}
			hi, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, false, fmt.Errorf("invalid range bound %q", parts[1])
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			for v := lo; v <= hi; v++ {
				seen[v] = true
			}
		} else {
			v, err := strconv.Atoi(item)
			if err != nil {
				return nil, false, fmt.Errorf("invalid number %q", item)
			}
			seen[v] = true
		}
	}

	values := make([]int, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Ints(values)
	return values, false, nil
}

// ReferenceMask holds the reference selection of a recording channel as a
// 9-bit set: bit 0 is the body reference, bits 1..8 the numbered references.
type ReferenceMask uint16

const AllReferences ReferenceMask = 0x1FF

// ParseReferences parses a reference selector such as "b", "b,1,2" or "-".
// "b" is the body reference; numbered references are not index-shifted.
func ParseReferences(raw string) (ReferenceMask, error) {
	values, wildcard, err := Selector(strings.ReplaceAll(raw, "b", "0")).expand()
	if err != nil {
		return 0, err
	}
	if wildcard {
		return AllReferences, nil
	}
	var mask ReferenceMask
	for _, v := range values {
		if v < 0 || v > 8 {
			return 0, fmt.Errorf("reference %d out of range (b, 1..8)", v)
		}
		mask |= 1 << uint(v)
	}
	return mask, nil
}

// Has reports whether reference i is selected (0 is body).
func (m ReferenceMask) Has(i int) bool {
	return i >= 0 && i <= 8 && m&(1<<uint(i)) != 0
}

// String renders the canonical selector form, e.g. "b,1,5". The output
// parses back to the same mask.
func (m ReferenceMask) String() string {
	var parts []string
	if m.Has(0) {
		parts = append(parts, "b")
	}
	for i := 1; i <= 8; i++ {
		if m.Has(i) {
			parts = append(parts, strconv.Itoa(i))
		}
	}
	return strings.Join(parts, ",")
}
