package fallback

import (
	"path"
	"strings"

	"github.com/samber/lo"

	"github.com/Kocoro-lab/comfyflow/internal/params"
)

// Baselines are always tried last, after every configured candidate.
var Baselines = []string{"text2img_api.json", "text2img_basic.json"}

// CandidateBuilder orders the workflow templates an execution tries.
type CandidateBuilder struct {
	primary   string
	fallbacks []string
	baselines []string
}

// NewCandidateBuilder creates a builder for the configured primary template
// and fallback list.
func NewCandidateBuilder(primary string, fallbacks []string) *CandidateBuilder {
	return &CandidateBuilder{
		primary:   primary,
		fallbacks: append([]string(nil), fallbacks...),
		baselines: Baselines,
	}
}

// Build returns the candidate list for one request: the requested workflow,
// the configured primary, the configured fallbacks and the baselines, with
// duplicates removed so the first occurrence keeps its position.
func (b *CandidateBuilder) Build(p params.Parameters) []string {
	all := make([]string, 0, 2+len(b.fallbacks)+len(b.baselines))
	all = append(all, p.Workflow, b.primary)
	all = append(all, b.fallbacks...)
	all = append(all, b.baselines...)

	all = lo.Map(all, func(name string, _ int) string { return Normalize(name) })
	return lo.Uniq(lo.Compact(all))
}

// Normalize trims a candidate name and adds the .json extension when the
// name has none.
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if path.Ext(name) == "" {
		return name + ".json"
	}
	return name
}
