// Package output renders CLI results: ad-hoc tables for the interactive
// prompt, JSON and YAML for scripted use.
package output

import (
	"fmt"
	"io"
	"strings"
)

// Format selects how structured results are rendered.
type Format string

const (
	// FormatTable renders results as an aligned text table.
	FormatTable Format = "table"
	// FormatJSON renders results as indented JSON.
	FormatJSON Format = "json"
	// FormatYAML renders results as YAML.
	FormatYAML Format = "yaml"
)

// ParseFormat parses a user-supplied format name. The empty string means
// the table default.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
	}
}

// Printer writes command output in one configured format.
type Printer struct {
	out    io.Writer
	format Format
	color  bool
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(out io.Writer, format Format, color bool) *Printer {
	return &Printer{out: out, format: format, color: color}
}

// Format returns the configured output format.
func (p *Printer) Format() Format {
	return p.format
}

// Print renders data in the configured format. Table output requires a
// TableRenderer; anything else falls back to JSON.
func (p *Printer) Print(data any) error {
	switch p.format {
	case FormatTable:
		if r, ok := data.(TableRenderer); ok {
			return PrintTable(p.out, r)
		}
		return PrintJSON(p.out, data)
	case FormatJSON:
		return PrintJSON(p.out, data)
	case FormatYAML:
		return PrintYAML(p.out, data)
	default:
		return fmt.Errorf("unknown format: %s", p.format)
	}
}

// Println writes a plain line of prompt output.
func (p *Printer) Println(args ...any) {
	_, _ = fmt.Fprintln(p.out, args...)
}

// Success writes msg, in green when color is on.
func (p *Printer) Success(msg string) {
	p.colored("\033[32m", msg)
}

// Error writes msg, in red when color is on.
func (p *Printer) Error(msg string) {
	p.colored("\033[31m", msg)
}

func (p *Printer) colored(code, msg string) {
	if p.color {
		_, _ = fmt.Fprintf(p.out, "%s%s\033[0m\n", code, msg)
		return
	}
	_, _ = fmt.Fprintln(p.out, msg)
}
