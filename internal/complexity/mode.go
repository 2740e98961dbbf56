package complexity

import (
	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/metrics"
	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// Mode is a processing strategy.
type Mode string

const (
	ModeTemplate Mode = "template"
	ModeDynamic  Mode = "dynamic"
	ModeHybrid   Mode = "hybrid"
)

// Needs summarizes what a request wants changed. Dynamic is set when the
// caller supplied prompt text; Complex when the template carries
// placeholders to resolve.
type Needs struct {
	Dynamic  bool `json:"dynamic"`
	Complex  bool `json:"complex"`
	LoRAs    bool `json:"loras"`
	Advanced bool `json:"advanced"`
}

// NeedsFor derives modification needs from the request and the analysis.
// Defaulted prompt text does not count as an override.
func NeedsFor(p params.Parameters, r Report) Needs {
	return Needs{
		Dynamic: (p.Has(params.FieldPrompt) && p.Prompt != "") ||
			(p.Has(params.FieldNegativePrompt) && p.NegativePrompt != ""),
		Complex:  r.HasPlaceholders,
		LoRAs:    len(p.EnabledLoRAs()) > 0,
		Advanced: len(p.Advanced) > 0,
	}
}

// Thresholds are the score cut-offs used by the selector.
type Thresholds struct {
	Template float64
	Hybrid   float64
}

// DefaultThresholds returns the stock cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{Template: 0.7, Hybrid: 0.5}
}

// Selector chooses a processing mode.
type Selector struct {
	thresholds Thresholds
	logger     *zap.Logger
}

// NewSelector creates a selector.
func NewSelector(t Thresholds, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{thresholds: t, logger: logger}
}

// Select applies the ordered rules: a complex graph with placeholders uses
// the template path, prompt overrides use the dynamic path, medium complexity
// uses hybrid, and everything else is dynamic. A dynamic pass alone leaves
// template tokens in place, so a dynamic result on a graph with placeholders
// becomes hybrid.
func (s *Selector) Select(score float64, needs Needs) Mode {
	var mode Mode
	switch {
	case score > s.thresholds.Template && needs.Complex:
		mode = ModeTemplate
	case needs.Dynamic:
		mode = ModeDynamic
	case score > s.thresholds.Hybrid:
		mode = ModeHybrid
	default:
		mode = ModeDynamic
	}
	if mode == ModeDynamic && needs.Complex {
		mode = ModeHybrid
	}
	return mode
}

// Choose analyzes g and selects the mode for p.
func (s *Selector) Choose(g *workflow.Graph, p params.Parameters) (Report, Mode) {
	report := Analyze(g)
	mode := s.Select(report.Score, NeedsFor(p, report))

	metrics.ComplexityScore.Observe(report.Score)
	metrics.ModeSelections.WithLabelValues(string(mode)).Inc()
	s.logger.Debug("Selected processing mode",
		zap.String("mode", string(mode)),
		zap.Float64("complexity", report.Score),
		zap.Int("nodes", report.NodeCount),
		zap.Int("edges", report.EdgeCount),
	)
	return report, mode
}
