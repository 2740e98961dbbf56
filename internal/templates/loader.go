package templates

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// FormatOf returns the template format implied by a file name.
func FormatOf(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	}
	return "", false
}

// Decode parses template content. Any decode failure and any document without
// nodes is reported as a TemplateMalformedError.
func Decode(candidate string, format Format, data []byte) (*workflow.Graph, error) {
	var (
		g   *workflow.Graph
		err error
	)
	switch format {
	case FormatYAML:
		g, err = workflow.DecodeYAML(data)
	default:
		g, err = workflow.Decode(data)
	}
	if err != nil {
		return nil, &TemplateMalformedError{Candidate: candidate, Reason: "decode " + string(format), Err: err}
	}
	if g.Len() == 0 {
		return nil, &TemplateMalformedError{Candidate: candidate, Reason: "document contains no nodes"}
	}
	return g, nil
}

// LoadFile reads and decodes a template from disk.
func LoadFile(candidate, path string) (*workflow.Graph, []byte, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, nil, &TemplateLoadError{Candidate: candidate, Path: path, Err: fmt.Errorf("unsupported template extension %q", filepath.Ext(path))}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrTemplateNotFound
		}
		return nil, nil, &TemplateLoadError{Candidate: candidate, Path: path, Err: err}
	}
	g, err := Decode(candidate, format, data)
	if err != nil {
		return nil, nil, err
	}
	return g, data, nil
}
