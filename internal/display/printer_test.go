package display

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"zfs-rotate/internal/rotation"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func sampleRows() []SnapshotRow {
	age := 1
	return []SnapshotRow{
		{Name: "tank/data@2024-03-09", Dataset: "tank/data", Label: "2024-03-09", AgeDays: &age, UsedBytes: 2048, Status: StatusBase},
	}
}

func TestPrinter_SnapshotsTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinterTo(&buf, FormatTable, nil)
	p.SetStyle(CompactTableStyle)

	if err := p.Snapshots(sampleRows()); err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"SNAPSHOT", "tank/data@2024-03-09", "1d", "2.0 KiB", "base", "1 snapshots, 2.0 KiB used"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestPrinter_SnapshotsEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := NewPrinterTo(&buf, FormatTable, nil).Snapshots(nil); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "No snapshots found\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestPrinter_SnapshotsJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := NewPrinterTo(&buf, FormatJSON, nil).Snapshots(sampleRows()); err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		Snapshots []SnapshotRow `json:"snapshots"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if len(decoded.Snapshots) != 1 || decoded.Snapshots[0].Status != StatusBase {
		t.Errorf("unexpected snapshots %+v", decoded.Snapshots)
	}
}

func TestPrinter_PlanYAML(t *testing.T) {
	plan := rotation.Plan{
		Source:      "tank/data",
		Today:       "2024-03-10",
		Incremental: true,
		BaseLabel:   "2024-03-09",
		Probed:      []string{"2024-03-09"},
		PruneLabel:  "2024-03-05",
	}

	var buf bytes.Buffer
	if err := NewPrinterTo(&buf, FormatYAML, nil).Plan(plan, rotation.Options{}); err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		Plan rotation.Plan `yaml:"plan"`
	}
	if err := yaml.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if decoded.Plan.BaseLabel != "2024-03-09" || decoded.Plan.PruneLabel != "2024-03-05" {
		t.Errorf("unexpected plan %+v", decoded.Plan)
	}
}

func TestPrinter_PlanTable(t *testing.T) {
	plan := rotation.Plan{Source: "tank/data", Today: "2024-03-10", PruneLabel: "2024-03-05"}
	opts := rotation.Options{Destination: "backup/data", DestinationHost: "backup", DestinationUser: "root"}

	var buf bytes.Buffer
	if err := NewPrinterTo(&buf, FormatTable, nil).Plan(plan, opts); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{
		"Destination: root@backup:backup/data",
		"Create:      tank/data@2024-03-10",
		"Transfer:    full",
		"Base:        -",
		"Prune:       tank/data@2024-03-05 (if present)",
		"Lock:        none",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Probed") {
		t.Error("a full transfer probes nothing")
	}
}

func TestPrinter_Result(t *testing.T) {
	started := time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC)

	t.Run("done", func(t *testing.T) {
		var buf bytes.Buffer
		result := &rotation.Result{
			State:         rotation.StateDone,
			Plan:          rotation.Plan{Source: "tank/data"},
			Retained:      5,
			RetainedBytes: 1 << 20,
			StartedAt:     started,
			FinishedAt:    started.Add(1500 * time.Millisecond),
		}
		if err := NewPrinterTo(&buf, FormatTable, nil).Result(result); err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(buf.String(), "Rotation of tank/data completed in 1.5s") {
			t.Errorf("unexpected output %q", buf.String())
		}
		if !strings.Contains(buf.String(), "5 snapshots retained, 1.0 MiB used") {
			t.Errorf("unexpected output %q", buf.String())
		}
	})

	t.Run("aborted json", func(t *testing.T) {
		var buf bytes.Buffer
		result := &rotation.Result{
			RunID:      "run-1",
			State:      rotation.StateAborted,
			Reached:    rotation.StateTransferring,
			StartedAt:  started,
			FinishedAt: started,
			Err:        errors.New("connection reset"),
		}
		if err := NewPrinterTo(&buf, FormatJSON, nil).Result(result); err != nil {
			t.Fatal(err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
			t.Fatal(err)
		}
		if decoded["state"] != "aborted" || decoded["reached"] != "transferring" || decoded["error"] != "connection reset" {
			t.Errorf("unexpected result %v", decoded)
		}
	})
}
