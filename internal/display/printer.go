package display

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"zfs-rotate/internal/rotation"
)

// OutputFormat represents different output format options
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ParseFormat validates a --format value
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("invalid output format %q, must be one of: table, json, yaml", s)
	}
}

// Printer writes command output in the selected format
type Printer struct {
	out    io.Writer
	format OutputFormat
	colors ColorSystem
	style  TableStyle
}

// NewPrinter prints to stdout with terminal-detected colors
func NewPrinter(format OutputFormat) *Printer {
	return NewPrinterTo(os.Stdout, format, NewColorSystem(DarkColorTheme(), os.Stdout))
}

// NewPrinterTo prints to out. colors may be nil for plain output.
func NewPrinterTo(out io.Writer, format OutputFormat, colors ColorSystem) *Printer {
	if colors == nil {
		colors = NewPlainColorSystem()
	}
	return &Printer{out: out, format: format, colors: colors, style: DefaultTableStyle}
}

// SetStyle changes the table style
func (p *Printer) SetStyle(style TableStyle) {
	p.style = style
}

// Snapshots prints the snapshot listing
func (p *Printer) Snapshots(rows []SnapshotRow) error {
	if p.format != FormatTable {
		return p.structured(map[string]interface{}{"snapshots": rows})
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(p.out, "No snapshots found")
		return err
	}

	table := NewTable(p.colors)
	table.SetStyle(p.style)
	table.SetHeaders("SNAPSHOT", "AGE", "USED", "STATUS")
	table.SetColumnAlignment(1, AlignRight)
	table.SetColumnAlignment(2, AlignRight)
	table.SetColumnColor(3, statusColor(p.colors.Theme()))

	var total uint64
	for _, r := range rows {
		age := "-"
		if r.AgeDays != nil {
			age = strconv.Itoa(*r.AgeDays) + "d"
		}
		table.AddRow(r.Name, age, humanize.IBytes(r.UsedBytes), string(r.Status))
		total += r.UsedBytes
	}

	if err := table.RenderTo(p.out); err != nil {
		return err
	}
	_, err := fmt.Fprintf(p.out, "%d snapshots, %s used\n", len(rows), humanize.IBytes(total))
	return err
}

// Plan prints what a run would do
func (p *Printer) Plan(plan rotation.Plan, opts rotation.Options) error {
	if p.format != FormatTable {
		return p.structured(map[string]interface{}{"plan": plan})
	}

	mode := "full"
	base := "-"
	if plan.Incremental {
		mode = "incremental"
		base = plan.BaseLabel
	}
	destination := opts.Destination
	if opts.DestinationHost != "" {
		destination = fmt.Sprintf("%s@%s:%s", opts.DestinationUser, opts.DestinationHost, opts.Destination)
	}

	theme := p.colors.Theme()
	lines := [][2]string{
		{"Source", plan.Source},
		{"Destination", destination},
		{"Create", p.colors.Colorize(plan.Source+"@"+plan.Today, theme.Success)},
		{"Transfer", mode},
		{"Base", base},
		{"Probed", strings.Join(plan.Probed, ", ")},
		{"Prune", p.colors.Colorize(plan.Source+"@"+plan.PruneLabel, theme.Warning) + " (if present)"},
		{"Lock", opts.Lock.String()},
	}
	for _, l := range lines {
		if l[1] == "" {
			continue
		}
		if _, err := fmt.Fprintf(p.out, "%-12s %s\n", l[0]+":", l[1]); err != nil {
			return err
		}
	}
	return nil
}

// Result prints the outcome of a run
func (p *Printer) Result(result *rotation.Result) error {
	if p.format != FormatTable {
		return p.structured(resultView(result))
	}

	theme := p.colors.Theme()
	if result.State == rotation.StateDone {
		msg := fmt.Sprintf("Rotation of %s completed in %s", result.Plan.Source, result.Duration().Round(time.Millisecond))
		if _, err := fmt.Fprintln(p.out, p.colors.Colorize(msg, theme.Success)); err != nil {
			return err
		}
		_, err := fmt.Fprintf(p.out, "%d snapshots retained, %s used\n", result.Retained, humanize.IBytes(result.RetainedBytes))
		return err
	}

	msg := fmt.Sprintf("Rotation of %s aborted while %s", result.Plan.Source, result.Reached)
	_, err := fmt.Fprintln(p.out, p.colors.Colorize(msg, theme.Error))
	return err
}

func (p *Printer) structured(v interface{}) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to marshal output to JSON: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to marshal output to YAML: %w", err)
		}
		return enc.Close()
	}
	return nil
}

type resultOutput struct {
	RunID         string        `json:"run_id" yaml:"run_id"`
	State         string        `json:"state" yaml:"state"`
	Reached       string        `json:"reached" yaml:"reached"`
	Plan          rotation.Plan `json:"plan" yaml:"plan"`
	Created       bool          `json:"created" yaml:"created"`
	Transferred   bool          `json:"transferred" yaml:"transferred"`
	Pruned        bool          `json:"pruned" yaml:"pruned"`
	Retained      int           `json:"retained" yaml:"retained"`
	RetainedBytes uint64        `json:"retained_bytes" yaml:"retained_bytes"`
	Duration      string        `json:"duration" yaml:"duration"`
	Error         string        `json:"error,omitempty" yaml:"error,omitempty"`
}

func resultView(r *rotation.Result) resultOutput {
	out := resultOutput{
		RunID:         r.RunID,
		State:         string(r.State),
		Reached:       string(r.Reached),
		Plan:          r.Plan,
		Created:       r.Created,
		Transferred:   r.Transferred,
		Pruned:        r.Pruned,
		Retained:      r.Retained,
		RetainedBytes: r.RetainedBytes,
		Duration:      r.Duration().String(),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}
