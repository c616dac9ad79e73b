package display

import (
	"sort"

	"zfs-rotate/internal/snapshot"
)

// Status is the retention status of a snapshot relative to today's window
type Status string

const (
	StatusCurrent       Status = "current"
	StatusBase          Status = "base"
	StatusPrune         Status = "prune"
	StatusKept          Status = "kept"
	StatusOutsideWindow Status = "outside window"
)

// SnapshotRow is one line of the snapshot listing
type SnapshotRow struct {
	Name      string `json:"name" yaml:"name"`
	Dataset   string `json:"dataset" yaml:"dataset"`
	Label     string `json:"label" yaml:"label"`
	AgeDays   *int   `json:"age_days,omitempty" yaml:"age_days,omitempty"`
	UsedBytes uint64 `json:"used_bytes" yaml:"used_bytes"`
	Status    Status `json:"status" yaml:"status"`
}

// Classify returns the status of label. base is the label the next
// incremental run would send from, empty when there is none.
func Classify(window snapshot.Window, base, label string) Status {
	age, ok := window.Age(label)
	switch {
	case !ok || age < 0 || age > window.Keep:
		return StatusOutsideWindow
	case age == 0:
		return StatusCurrent
	case age == window.Keep:
		// a base at the boundary is still pruned after the transfer
		return StatusPrune
	case label == base:
		return StatusBase
	default:
		return StatusKept
	}
}

// BuildRows classifies snaps and orders them by dataset, newest label first
func BuildRows(snaps []snapshot.Snapshot, window snapshot.Window, base string) []SnapshotRow {
	rows := make([]SnapshotRow, 0, len(snaps))
	for _, s := range snaps {
		row := SnapshotRow{
			Name:      s.FullName(),
			Dataset:   s.Dataset,
			Label:     s.Label,
			UsedBytes: s.UsedBytes,
			Status:    Classify(window, base, s.Label),
		}
		if age, ok := window.Age(s.Label); ok {
			row.AgeDays = &age
		}
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Dataset != rows[j].Dataset {
			return rows[i].Dataset < rows[j].Dataset
		}
		return rows[i].Label > rows[j].Label
	})
	return rows
}

func statusColor(theme ColorTheme) func(string) Color {
	return func(value string) Color {
		switch Status(value) {
		case StatusCurrent:
			return theme.Success
		case StatusBase:
			return theme.Info
		case StatusPrune:
			return theme.Warning
		case StatusOutsideWindow:
			return theme.Muted
		default:
			return ColorReset
		}
	}
}
