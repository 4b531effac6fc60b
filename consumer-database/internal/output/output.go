// Package output renders CLI results as tables, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// Supported formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	warnColor    = color.New(color.FgYellow)
	headerColor  = color.New(color.FgWhite, color.Bold)
)

// Printer writes results in one format.
type Printer struct {
	Out    io.Writer
	Err    io.Writer
	Format string
}

// NewPrinter validates format and returns a Printer.
func NewPrinter(out, errOut io.Writer, format string) (*Printer, error) {
	switch format {
	case FormatTable, FormatJSON, FormatYAML:
	default:
		return nil, fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
	return &Printer{Out: out, Err: errOut, Format: format}, nil
}

func (p *Printer) Success(format string, a ...any) {
	successColor.Fprintf(p.Out, "✓ "+format+"\n", a...)
}

func (p *Printer) Error(format string, a ...any) {
	errorColor.Fprintf(p.Err, "✗ "+format+"\n", a...)
}

func (p *Printer) Info(format string, a ...any) {
	infoColor.Fprintf(p.Out, format+"\n", a...)
}

func (p *Printer) Warn(format string, a ...any) {
	warnColor.Fprintf(p.Out, "⚠ "+format+"\n", a...)
}

// Print renders v as JSON or YAML, or calls table for the table format.
func (p *Printer) Print(v any, table func() *Table) error {
	switch p.Format {
	case FormatJSON:
		enc := json.NewEncoder(p.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(p.Out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		table().Render(p.Out)
		return nil
	}
}

// Table is a fixed-width text table.
type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

func (t *Table) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *Table) Render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, header := range t.headers {
		headerColor.Fprintf(w, "%-*s  ", widths[i], header)
	}
	fmt.Fprintln(w)

	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", widths[i])+"  ")
	}
	fmt.Fprintln(w)

	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(w, "%-*s  ", widths[i], cell)
			}
		}
		fmt.Fprintln(w)
	}
}
