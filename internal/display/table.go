package display

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignCenter
	AlignRight
)

// TableStyle defines the visual style of a table
type TableStyle struct {
	Name            string
	BorderStyle     BorderStyle
	HeaderSeparator bool
	Padding         int
	// MaxWidth caps the rendered width; 0 uses the terminal width
	MaxWidth int
}

// BorderStyle defines table border characters
type BorderStyle struct {
	TopLeft     string
	TopRight    string
	BottomLeft  string
	BottomRight string
	Horizontal  string
	Vertical    string
	Cross       string
	TopTee      string
	BottomTee   string
	LeftTee     string
	RightTee    string
}

var (
	// DefaultTableStyle is a simple ASCII table style
	DefaultTableStyle = TableStyle{
		Name:            "default",
		BorderStyle:     ASCIIBorderStyle,
		HeaderSeparator: true,
		Padding:         1,
	}

	// RoundedTableStyle uses Unicode box drawing characters
	RoundedTableStyle = TableStyle{
		Name:            "rounded",
		BorderStyle:     RoundedBorderStyle,
		HeaderSeparator: true,
		Padding:         1,
	}

	// CompactTableStyle has no borders, suitable for piping into awk
	CompactTableStyle = TableStyle{
		Name:        "compact",
		BorderStyle: NoBorderStyle,
		Padding:     1,
	}
)

var (
	ASCIIBorderStyle = BorderStyle{
		TopLeft:     "+",
		TopRight:    "+",
		BottomLeft:  "+",
		BottomRight: "+",
		Horizontal:  "-",
		Vertical:    "|",
		Cross:       "+",
		TopTee:      "+",
		BottomTee:   "+",
		LeftTee:     "+",
		RightTee:    "+",
	}

	RoundedBorderStyle = BorderStyle{
		TopLeft:     "╭",
		TopRight:    "╮",
		BottomLeft:  "╰",
		BottomRight: "╯",
		Horizontal:  "─",
		Vertical:    "│",
		Cross:       "┼",
		TopTee:      "┬",
		BottomTee:   "┴",
		LeftTee:     "├",
		RightTee:    "┤",
	}

	NoBorderStyle = BorderStyle{}
)

// TableStyleByName returns the named style, DefaultTableStyle otherwise
func TableStyleByName(name string) TableStyle {
	switch name {
	case "rounded":
		return RoundedTableStyle
	case "compact":
		return CompactTableStyle
	default:
		return DefaultTableStyle
	}
}

// Table renders rows of text as an aligned table
type Table struct {
	headers       []string
	rows          [][]string
	alignments    map[int]Alignment
	colorizers    map[int]func(string) Color
	style         TableStyle
	colors        ColorSystem
	terminalWidth int
}

// NewTable creates an empty table. colors may be nil.
func NewTable(colors ColorSystem) *Table {
	return &Table{
		alignments:    make(map[int]Alignment),
		colorizers:    make(map[int]func(string) Color),
		style:         DefaultTableStyle,
		colors:        colors,
		terminalWidth: getTerminalWidth(),
	}
}

func (t *Table) SetHeaders(headers ...string) {
	t.headers = headers
}

func (t *Table) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *Table) SetColumnAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

// SetColumnColor colors each cell of column by its value
func (t *Table) SetColumnColor(column int, colorize func(value string) Color) {
	t.colorizers[column] = colorize
}

func (t *Table) SetStyle(style TableStyle) {
	t.style = style
}

// Len returns the number of data rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table as a string
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}

	widths := t.fitToWidth(t.columnWidths())
	border := t.style.BorderStyle

	var b strings.Builder
	if border.Horizontal != "" {
		b.WriteString(t.rule(widths, border.TopLeft, border.TopTee, border.TopRight))
	}
	if len(t.headers) > 0 {
		b.WriteString(t.renderRow(t.headers, widths, true))
		if t.style.HeaderSeparator && border.Horizontal != "" {
			b.WriteString(t.rule(widths, border.LeftTee, border.Cross, border.RightTee))
		}
	}
	for _, row := range t.rows {
		b.WriteString(t.renderRow(row, widths, false))
	}
	if border.Horizontal != "" {
		b.WriteString(t.rule(widths, border.BottomLeft, border.BottomTee, border.BottomRight))
	}
	return b.String()
}

// RenderTo renders the table to w
func (t *Table) RenderTo(w io.Writer) error {
	_, err := fmt.Fprint(w, t.Render())
	return err
}

func (t *Table) columnCount() int {
	n := len(t.headers)
	for _, row := range t.rows {
		if len(row) > n {
			n = len(row)
		}
	}
	return n
}

// columnWidths returns content width plus padding per column
func (t *Table) columnWidths() []int {
	widths := make([]int, t.columnCount())
	measure := func(row []string) {
		for i, cell := range row {
			if w := utf8.RuneCountInString(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}
	for i := range widths {
		widths[i] += t.style.Padding * 2
	}
	return widths
}

// fitToWidth narrows the widest column one rune at a time until the table
// fits the maximum width or every column is at its minimum
func (t *Table) fitToWidth(widths []int) []int {
	maxWidth := t.style.MaxWidth
	if maxWidth == 0 {
		maxWidth = t.terminalWidth
	}
	if maxWidth <= 0 || len(widths) == 0 {
		return widths
	}

	minWidth := t.style.Padding*2 + 3
	for total := t.totalWidth(widths); total > maxWidth; total-- {
		widest := 0
		for i, w := range widths {
			if w > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minWidth {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) totalWidth(widths []int) int {
	total := 0
	for _, w := range widths {
		total += w
	}
	if t.style.BorderStyle.Vertical != "" {
		total += len(widths) + 1
	}
	return total
}

func (t *Table) rule(widths []int, left, cross, right string) string {
	var b strings.Builder
	b.WriteString(left)
	for i, w := range widths {
		b.WriteString(strings.Repeat(t.style.BorderStyle.Horizontal, w))
		if i < len(widths)-1 {
			b.WriteString(cross)
		}
	}
	b.WriteString(right)
	b.WriteString("\n")
	return b.String()
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	var b strings.Builder
	vertical := t.style.BorderStyle.Vertical

	b.WriteString(vertical)
	for i, w := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		b.WriteString(t.formatCell(i, cell, w, header))
		if vertical != "" {
			b.WriteString(vertical)
		} else if i < len(widths)-1 {
			b.WriteString(" ")
		}
	}

	line := b.String()
	if vertical == "" {
		line = strings.TrimRight(line, " ")
	}
	return line + "\n"
}

// formatCell pads and aligns content to width. Padding is computed on the
// plain text so escape codes never disturb the layout.
func (t *Table) formatCell(column int, content string, width int, header bool) string {
	contentWidth := width - t.style.Padding*2
	if contentWidth < 0 {
		contentWidth = 0
	}

	if utf8.RuneCountInString(content) > contentWidth {
		runes := []rune(content)
		if contentWidth > 3 {
			content = string(runes[:contentWidth-3]) + "..."
		} else {
			content = string(runes[:contentWidth])
		}
	}

	pad := contentWidth - utf8.RuneCountInString(content)
	var left, right int
	switch t.alignments[column] {
	case AlignCenter:
		left = pad / 2
		right = pad - left
	case AlignRight:
		left = pad
	default:
		right = pad
	}
	left += t.style.Padding
	right += t.style.Padding

	if t.colors != nil {
		switch {
		case header:
			content = t.colors.Colorize(content, t.colors.Theme().Primary)
		case t.colorizers[column] != nil:
			content = t.colors.Colorize(content, t.colorizers[column](content))
		}
	}

	return strings.Repeat(" ", left) + content + strings.Repeat(" ", right)
}

// getTerminalWidth returns the width of stdout, 0 when it is not a terminal
func getTerminalWidth() int {
	width, _, err := term.GetSize(1)
	if err != nil {
		return 0
	}
	return width
}
