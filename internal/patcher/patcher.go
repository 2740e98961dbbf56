package patcher

import (
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/metrics"
	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// Kinds of modification, used in reports and metrics.
const (
	KindPatch    = "node_patch"
	KindPositive = "positive_prompt"
	KindNegative = "negative_prompt"
	KindSampler  = "sampler"
	KindSize     = "latent_size"
	KindModel    = "model"
	KindLoRA     = "lora"
	KindAdvanced = "advanced"
	KindQuery    = "query"
)

// Modification records one input overwrite.
type Modification struct {
	NodeID string `json:"node_id"`
	Input  string `json:"input"`
	Old    any    `json:"old"`
	New    any    `json:"new"`
	Kind   string `json:"kind"`
}

// Skip records a mapping the patcher refused to apply.
type Skip struct {
	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
	Input    string `json:"input"`
	Reason   string `json:"reason"`
}

// Report lists what a patch pass did.
type Report struct {
	Modifications []Modification `json:"modifications"`
	Skipped       []Skip         `json:"skipped,omitempty"`
}

// target is a semantic node category located by title, type or keyword.
type target struct {
	name     string
	keywords []string
	exclude  []string
}

var (
	positiveTarget = target{name: "Positive Prompt", keywords: []string{"positive", "prompt", "text"}, exclude: []string{"negative", "负面", "反向"}}
	negativeTarget = target{name: "Negative Prompt", keywords: []string{"negative", "bad", "worst"}}
	samplerTarget  = target{name: "KSampler", keywords: []string{"sampler", "ksampler", "sampling"}}
	sizeTarget     = target{name: "Empty Latent Image", keywords: []string{"latent", "empty", "size"}}
	modelTarget    = target{name: "Checkpoint Loader", keywords: []string{"checkpoint", "model", "loader"}}
)

// matches reports whether n belongs to the target: title or type contains
// the target name (types are compared without spaces), or the title contains
// one of its keywords.
func (t target) matches(n *workflow.Node) bool {
	title := strings.ToLower(n.Title)
	name := strings.ToLower(t.name)
	for _, ex := range t.exclude {
		if strings.Contains(title, ex) {
			return false
		}
	}
	nodeType := strings.ToLower(n.Type)
	if strings.Contains(title, name) || strings.Contains(nodeType, name) ||
		strings.Contains(nodeType, strings.ReplaceAll(name, " ", "")) {
		return true
	}
	for _, kw := range t.keywords {
		if strings.Contains(title, kw) {
			return true
		}
	}
	return false
}

// modelTypes are the node types allowed to take a "model" override.
var modelTypes = map[string]struct{}{
	"CheckpointLoaderSimple": {},
	"CheckpointLoader":       {},
	"LoraLoader":             {},
}

// AcceptsModel reports whether nodeType may receive a "model" override.
func AcceptsModel(nodeType string) bool {
	_, ok := modelTypes[nodeType]
	return ok
}

// Patcher edits graphs directly by node title and type, without placeholders.
type Patcher struct {
	logger *zap.Logger
}

// New creates a patcher.
func New(logger *zap.Logger) *Patcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Patcher{logger: logger}
}

// Patch returns a modified copy of g. Only parameters the caller supplied are
// applied and only inputs that already exist on a node are overwritten.
func (p *Patcher) Patch(g *workflow.Graph, in params.Parameters) (*workflow.Graph, *Report) {
	out := g.Clone()
	if out == nil {
		out = workflow.New()
	}
	r := &Report{}
	ids := out.IDs()

	for _, patch := range in.Patches {
		for _, id := range out.FindByTitle(patch.NodeTitle) {
			for _, key := range sortedKeys(patch.Inputs) {
				p.assign(r, id, out.Nodes[id], key, patch.Inputs[key], KindPatch)
			}
		}
	}

	if in.Has(params.FieldPrompt) {
		p.each(out, ids, positiveTarget, func(id string, n *workflow.Node) {
			p.assign(r, id, n, "text", in.Prompt, KindPositive)
		})
	}
	if in.Has(params.FieldNegativePrompt) {
		p.each(out, ids, negativeTarget, func(id string, n *workflow.Node) {
			p.assign(r, id, n, "text", in.NegativePrompt, KindNegative)
		})
	}
	if sampler := samplerValues(in); len(sampler) > 0 {
		p.each(out, ids, samplerTarget, func(id string, n *workflow.Node) {
			p.assignAll(r, id, n, sampler, KindSampler)
		})
	}
	if size := sizeValues(in); len(size) > 0 {
		p.each(out, ids, sizeTarget, func(id string, n *workflow.Node) {
			p.assignAll(r, id, n, size, KindSize)
		})
	}
	if in.Has(params.FieldModel) && in.Model != "" {
		p.each(out, ids, modelTarget, func(id string, n *workflow.Node) {
			p.assign(r, id, n, "ckpt_name", in.Model, KindModel)
		})
	}
	if loras := in.EnabledLoRAs(); len(loras) > 0 {
		primary := loras[0]
		for _, id := range ids {
			n := out.Nodes[id]
			if !strings.Contains(n.Type, "Lora") {
				continue
			}
			p.assign(r, id, n, "lora_name", primary.Name, KindLoRA)
			p.assign(r, id, n, "strength_model", primary.Strength, KindLoRA)
			p.assign(r, id, n, "strength_clip", primary.ClipStrength, KindLoRA)
		}
	}
	for _, key := range sortedKeys(in.Advanced) {
		for _, id := range ids {
			n := out.Nodes[id]
			if key == "model" && !AcceptsModel(n.Type) {
				if _, present := n.Inputs[key]; present {
					p.skip(r, id, n, key, "model override not accepted by node type")
				}
				continue
			}
			p.assign(r, id, n, key, in.Advanced[key], KindAdvanced)
		}
	}

	for _, m := range r.Modifications {
		metrics.PatchModifications.WithLabelValues(m.Kind).Inc()
	}
	p.logger.Debug("Patched workflow",
		zap.Int("modifications", len(r.Modifications)),
		zap.Int("skipped", len(r.Skipped)),
	)
	return out, r
}

func (p *Patcher) each(g *workflow.Graph, ids []string, t target, fn func(string, *workflow.Node)) {
	for _, id := range ids {
		if n := g.Nodes[id]; t.matches(n) {
			fn(id, n)
		}
	}
}

func (p *Patcher) assignAll(r *Report, id string, n *workflow.Node, values []keyValue, kind string) {
	for _, kv := range values {
		p.assign(r, id, n, kv.key, kv.value, kind)
	}
}

// assign overwrites an existing, non-link input.
func (p *Patcher) assign(r *Report, id string, n *workflow.Node, key string, value any, kind string) {
	old, present := n.Inputs[key]
	if !present {
		return
	}
	if _, isLink := old.(workflow.Link); isLink {
		return
	}
	if workflow.ValuesEqual(old, value) {
		return
	}
	n.Inputs[key] = value
	r.Modifications = append(r.Modifications, Modification{NodeID: id, Input: key, Old: old, New: value, Kind: kind})
}

func (p *Patcher) skip(r *Report, id string, n *workflow.Node, key, reason string) {
	r.Skipped = append(r.Skipped, Skip{NodeID: id, NodeType: n.Type, Input: key, Reason: reason})
	p.logger.Debug("Skipped mapping",
		zap.String("node_id", id),
		zap.String("node_type", n.Type),
		zap.String("input", key),
		zap.String("reason", reason),
	)
}

type keyValue struct {
	key   string
	value any
}

func samplerValues(in params.Parameters) []keyValue {
	var out []keyValue
	if in.SeedPinned() {
		out = append(out, keyValue{"seed", in.Seed})
	}
	if in.Has(params.FieldSteps) {
		out = append(out, keyValue{"steps", in.Steps})
	}
	if in.Has(params.FieldCFG) {
		out = append(out, keyValue{"cfg", in.CFG})
	}
	if in.Has(params.FieldSampler) && in.Sampler != "" {
		out = append(out, keyValue{"sampler_name", in.Sampler})
	}
	if in.Has(params.FieldScheduler) && in.Scheduler != "" {
		out = append(out, keyValue{"scheduler", in.Scheduler})
	}
	if in.Has(params.FieldDenoise) {
		out = append(out, keyValue{"denoise", in.Denoise})
	}
	return out
}

func sizeValues(in params.Parameters) []keyValue {
	var out []keyValue
	if in.Has(params.FieldWidth) {
		out = append(out, keyValue{"width", in.Width})
	}
	if in.Has(params.FieldHeight) {
		out = append(out, keyValue{"height", in.Height})
	}
	if in.Has(params.FieldBatchSize) {
		out = append(out, keyValue{"batch_size", in.BatchSize})
	}
	return out
}
