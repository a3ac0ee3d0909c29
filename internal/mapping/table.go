package mapping

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/viperbox/vipercore/internal/types"
)

// Row is one probe electrode of the mapping table, in file order. The file
// is 1-indexed for electrodes, pads and channels; Channel and Electrode are
// shifted to the 0-indexed model here, the input selection is 0-indexed in
// the file already.
type Row struct {
	ProbeElectrode int  // electrode number as printed on the probe, 1-indexed
	Pad            int  // bond pad number (EL_PAD#), 1-indexed
	Channel        int  // recording channel claimed by this electrode
	Input          int  // input selection under which the channel sees it
	Electrode      int  // resulting electrode index
	Wired          bool // false when the electrode has no recording route
	Duplicate      bool // an earlier row already claimed the channel
}

// Table is the electrode mapping read from the externally editable file.
// It is reloaded on connect and on every settings upload, never cached
// across those points, so edits take effect on the next upload.
type Table struct {
	rows    []Row
	byClaim map[int]int // channel -> first claimant row index
}

var tableColumns = []string{
	"Probe electrode",
	"EL_PAD#",
	"Resulting channel",
	"Resulting input selection",
	"Resulting electrode",
}

// Load reads the mapping file. Rows whose recording columns are all empty
// describe electrodes without a recording route and keep only their pad
// binding; partially filled recording columns are a file defect and fail
// the load.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening mapping table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading mapping table %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("mapping table %s is empty", path)
	}

	cols, err := columnIndex(records[0])
	if err != nil {
		return nil, fmt.Errorf("mapping table %s: %w", path, err)
	}

	rows := make([]Row, 0, len(records)-1)
	for i, rec := range records[1:] {
		line := i + 2 // header is line 1
		row, ok, err := parseRow(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("mapping table %s line %d: %w", path, line, err)
		}
		if !ok {
			continue
		}
		rows = append(rows, row)
	}
	return newTable(rows), nil
}

// Identity returns the built-in fallback used when no mapping file is
// available: electrode i routes to channel i on input 0.
func Identity(size int) *Table {
	rows := make([]Row, size)
	for i := range rows {
		rows[i] = Row{
			ProbeElectrode: i + 1,
			Pad:            i + 1,
			Channel:        i,
			Input:          0,
			Electrode:      i,
			Wired:          true,
		}
	}
	return newTable(rows)
}

func newTable(rows []Row) *Table {
	t := &Table{
		rows:    rows,
		byClaim: make(map[int]int),
	}
	for i := range t.rows {
		row := &t.rows[i]
		if !row.Wired {
			continue
		}
		if _, claimed := t.byClaim[row.Channel]; claimed {
			row.Duplicate = true
		} else {
			t.byClaim[row.Channel] = i
		}
	}
	return t
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, name := range tableColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	return cols, nil
}

func parseRow(rec []string, cols map[string]int) (Row, bool, error) {
	cell := func(name string) string {
		idx := cols[name]
		if idx >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[idx])
	}

	probeE := cell("Probe electrode")
	pad := cell("EL_PAD#")
	channel := cell("Resulting channel")
	input := cell("Resulting input selection")
	electrode := cell("Resulting electrode")

	if probeE == "" && pad == "" && channel == "" && input == "" && electrode == "" {
		return Row{}, false, nil
	}

	row := Row{}
	v, err := strconv.Atoi(probeE)
	if err != nil {
		return Row{}, false, fmt.Errorf("probe electrode %q is not an integer", probeE)
	}
	row.ProbeElectrode = v
	if v, err = strconv.Atoi(pad); err != nil {
		return Row{}, false, fmt.Errorf("pad %q is not an integer", pad)
	}
	row.Pad = v

	wired := 0
	for _, c := range []string{channel, input, electrode} {
		if c != "" {
			wired++
		}
	}
	switch wired {
	case 0:
		return row, true, nil
	case 3:
	default:
		return Row{}, false, fmt.Errorf("recording columns must be filled together or left empty")
	}
	row.Wired = true

	if v, err = strconv.Atoi(channel); err != nil {
		return Row{}, false, fmt.Errorf("channel %q is not an integer", channel)
	}
	row.Channel = v - 1
	if row.Channel < 0 || row.Channel >= types.ChannelsPerProbe {
		return Row{}, false, fmt.Errorf("channel %d out of range 1..%d", v, types.ChannelsPerProbe)
	}

	if v, err = strconv.Atoi(input); err != nil {
		return Row{}, false, fmt.Errorf("input selection %q is not an integer", input)
	}
	row.Input = v
	if row.Input < 0 || row.Input > types.MaxInputCode {
		return Row{}, false, fmt.Errorf("input selection %d out of range 0..%d", v, types.MaxInputCode)
	}

	if v, err = strconv.Atoi(electrode); err != nil {
		return Row{}, false, fmt.Errorf("electrode %q is not an integer", electrode)
	}
	row.Electrode = v - 1
	if row.Electrode < 0 || row.Electrode >= types.ElectrodesPerProbe {
		return Row{}, false, fmt.Errorf("electrode %d out of range 1..%d", v, types.ElectrodesPerProbe)
	}

	return row, true, nil
}

// Rows returns the table in file order.
func (t *Table) Rows() []Row {
	return append([]Row(nil), t.rows...)
}

// InputFor returns the input selection the table prescribes for a channel,
// taken from its first claimant.
func (t *Table) InputFor(channel int) (int, bool) {
	i, ok := t.byClaim[channel]
	if !ok {
		return 0, false
	}
	return t.rows[i].Input, true
}

// ElectrodeFor returns the electrode a channel captures from, taken from its
// first claimant.
func (t *Table) ElectrodeFor(channel int) (int, bool) {
	i, ok := t.byClaim[channel]
	if !ok {
		return 0, false
	}
	return t.rows[i].Electrode, true
}

