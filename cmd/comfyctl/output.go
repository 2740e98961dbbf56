package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// outputFormat selects how command results are rendered.
type outputFormat string

const (
	formatText outputFormat = "text"
	formatJSON outputFormat = "json"
	formatYAML outputFormat = "yaml"
)

type printer struct {
	w      io.Writer
	format outputFormat
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch f := outputFormat(strings.ToLower(format)); f {
	case formatText, formatJSON, formatYAML:
		return &printer{w: w, format: f}, nil
	case "yml":
		return &printer{w: w, format: formatYAML}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// structured reports whether results should be printed as a document.
func (p *printer) structured() bool { return p.format != formatText }

// document writes v as JSON or YAML. YAML goes through JSON first so field
// names follow the json tags.
func (p *printer) document(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if p.format == formatJSON {
		_, err = fmt.Fprintln(p.w, string(data))
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// table prints aligned columns with an upper-case header.
func (p *printer) table(headers []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	upper := make([]string, len(headers))
	for i, h := range headers {
		upper[i] = strings.ToUpper(h)
	}
	fmt.Fprintln(tw, strings.Join(upper, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}
