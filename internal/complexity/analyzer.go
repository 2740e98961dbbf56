package complexity

import (
	"math"
	"strings"

	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// Weights of the complexity score terms.
const (
	NodeWeightCap  = 0.3
	EdgeWeightCap  = 0.2
	AdvancedWeight = 0.2
	LoRAWeight     = 0.15
	ControlWeight  = 0.15
	DetailerWeight = 0.2

	nodesPerUnit = 100.0
	edgesPerUnit = 200.0
)

var advancedTypes = map[string]struct{}{
	"FaceDetailer":                {},
	"SAMLoader":                   {},
	"UltralyticsDetectorProvider": {},
}

const detailerType = "FaceDetailer"

// Report is the structural analysis of a graph.
type Report struct {
	Score           float64  `json:"score"`
	NodeCount       int      `json:"node_count"`
	EdgeCount       int      `json:"edge_count"`
	NodeTypes       []string `json:"node_types"`
	HasAdvanced     bool     `json:"has_advanced_nodes"`
	HasLoRA         bool     `json:"has_lora_nodes"`
	HasControlNet   bool     `json:"has_controlnet_nodes"`
	HasDetailer     bool     `json:"has_detailer_nodes"`
	HasPlaceholders bool     `json:"has_placeholders"`
}

// Analyze scores g. An empty graph scores 0.
func Analyze(g *workflow.Graph) Report {
	r := Report{
		NodeCount:       g.Len(),
		EdgeCount:       g.EdgeCount(),
		NodeTypes:       g.Types(),
		HasPlaceholders: g.HasPlaceholders(),
	}
	for _, t := range r.NodeTypes {
		if _, ok := advancedTypes[t]; ok {
			r.HasAdvanced = true
		}
		if strings.Contains(t, "Lora") {
			r.HasLoRA = true
		}
		if strings.Contains(t, "ControlNet") {
			r.HasControlNet = true
		}
		if t == detailerType {
			r.HasDetailer = true
		}
	}
	r.Score = score(r)
	return r
}

func score(r Report) float64 {
	s := math.Min(float64(r.NodeCount)/nodesPerUnit, NodeWeightCap)
	if r.HasAdvanced {
		s += AdvancedWeight
	}
	if r.HasLoRA {
		s += LoRAWeight
	}
	if r.HasControlNet {
		s += ControlWeight
	}
	if r.HasDetailer {
		s += DetailerWeight
	}
	s += math.Min(float64(r.EdgeCount)/edgesPerUnit, EdgeWeightCap)
	return math.Min(math.Max(s, 0), 1)
}
