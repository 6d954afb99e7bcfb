package cli

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// OutputFormat is the value of a --format flag.
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
	FormatYAML OutputFormat = "yaml"
	// FormatCSV accepts Table values only.
	FormatCSV OutputFormat = "csv"
)

// ParseFormat validates a --format flag value. Empty means text.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(s)); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON, FormatYAML, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json, yaml or csv)", s)
	}
}

// Table is implemented by results with a tabular form.
type Table interface {
	Header() []string
	Rows() [][]string
}

// Formatter writes a command result.
type Formatter interface {
	FormatTo(w io.Writer, data any) error
}

// FormatterFunc adapts a function to Formatter.
type FormatterFunc func(w io.Writer, data any) error

// FormatTo calls f.
func (f FormatterFunc) FormatTo(w io.Writer, data any) error { return f(w, data) }

// Built-in formatters.
var (
	// Text aligns Tables in columns and prints anything else with %v.
	Text Formatter = FormatterFunc(writeText)
	// JSON writes indented JSON.
	JSON Formatter = FormatterFunc(writeJSON)
	YAML Formatter = FormatterFunc(writeYAML)
	CSV  Formatter = FormatterFunc(writeCSV)
)

// NewFormatter returns the formatter for format, falling back to Text.
func NewFormatter(format OutputFormat) Formatter {
	switch format {
	case FormatJSON:
		return JSON
	case FormatYAML:
		return YAML
	case FormatCSV:
		return CSV
	default:
		return Text
	}
}

// Sprint renders data with f.
func Sprint(f Formatter, data any) (string, error) {
	var b bytes.Buffer
	if err := f.FormatTo(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeText(w io.Writer, data any) error {
	t, ok := data.(Table)
	if !ok {
		_, err := fmt.Fprintf(w, "%v\n", data)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if h := t.Header(); len(h) > 0 {
		fmt.Fprintln(tw, strings.Join(h, "\t"))
	}
	for _, row := range t.Rows() {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func writeYAML(w io.Writer, data any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}

func writeCSV(w io.Writer, data any) error {
	t, ok := data.(Table)
	if !ok {
		return fmt.Errorf("csv output not supported for %T", data)
	}
	cw := csv.NewWriter(w)
	if h := t.Header(); len(h) > 0 {
		if err := cw.Write(h); err != nil {
			return err
		}
	}
	return cw.WriteAll(t.Rows())
}
