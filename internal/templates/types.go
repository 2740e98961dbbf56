// Package templates stores workflow graph templates loaded from a directory
// and validates graphs before they are submitted.
package templates

import (
	"time"

	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// Format is the on-disk encoding of a template.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Entry captures a loaded template alongside bookkeeping data.
type Entry struct {
	Name        string
	Graph       *workflow.Graph
	Format      Format
	SourcePath  string
	ContentHash string
	LoadedAt    time.Time
}

// TemplateSummary exposes lightweight information about a registered template.
type TemplateSummary struct {
	Name             string    `json:"name"`
	Format           Format    `json:"format"`
	Nodes            int       `json:"nodes"`
	Placeholders     int       `json:"placeholders"`
	TextSubstitution bool      `json:"text_substitution,omitempty"`
	ContentHash      string    `json:"content_hash"`
	SourcePath       string    `json:"source_path"`
	LoadedAt         time.Time `json:"loaded_at"`
}

func summarize(e Entry) TemplateSummary {
	return TemplateSummary{
		Name:             e.Name,
		Format:           e.Format,
		Nodes:            e.Graph.Len(),
		Placeholders:     len(e.Graph.Placeholders()),
		TextSubstitution: e.Graph.TextSubstitution(),
		ContentHash:      e.ContentHash,
		SourcePath:       e.SourcePath,
		LoadedAt:         e.LoadedAt,
	}
}
