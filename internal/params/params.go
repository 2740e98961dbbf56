// Package params models the runtime parameter bag supplied with an execution
// request and its merge with configured defaults.
package params

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Field names used for presence tracking. They match the request wire keys.
const (
	FieldWorkflow       = "workflow"
	FieldPrompt         = "prompt"
	FieldNegativePrompt = "negative_prompt"
	FieldSeed           = "seed"
	FieldSteps          = "steps"
	FieldCFG            = "cfg"
	FieldSampler        = "sampler_name"
	FieldScheduler      = "scheduler"
	FieldDenoise        = "denoise"
	FieldWidth          = "width"
	FieldHeight         = "height"
	FieldBatchSize      = "batch_size"
	FieldModel          = "ckpt_name"
	FieldVAE            = "vae_name"
	FieldLoRAs          = "loras"
	FieldQualityTags    = "qualityTags"
	FieldPromptContext  = "promptContext"
	FieldAdvanced       = "advanced_params"
	FieldPatches        = "params"
)

// RandomSeed asks for a fresh seed on every resolution.
const RandomSeed int64 = -1

// LoRA describes one low-rank adaptation applied to the model.
type LoRA struct {
	Name         string  `json:"name"`
	Strength     float64 `json:"strength"`
	ClipStrength float64 `json:"clipStrength"`
	Enabled      bool    `json:"enabled"`
}

// NodePatch overwrites inputs of the node whose title matches NodeTitle exactly.
type NodePatch struct {
	NodeTitle string         `json:"node_title"`
	Inputs    map[string]any `json:"inputs"`
}

// FaceDetailer holds tuning knobs for face detailer templates.
type FaceDetailer struct {
	SamThreshold           float64 `json:"samThreshold"`
	DropSize               int     `json:"dropSize"`
	SamBboxExpansion       int     `json:"samBboxExpansion"`
	NoiseMask              bool    `json:"noiseMask"`
	GuideSizeFor           bool    `json:"guideSizeFor"`
	Wildcard               string  `json:"wildcard"`
	Cycle                  int     `json:"cycle"`
	SamMaskHintThreshold   float64 `json:"samMaskHintThreshold"`
	ForceInpaint           bool    `json:"forceInpaint"`
	SamMaskHintUseNegative string  `json:"samMaskHintUseNegative"`
	MaxSize                int     `json:"maxSize"`
	SamDilation            int     `json:"samDilation"`
	SamDetectionHint       string  `json:"samDetectionHint"`
	GuideSize              int     `json:"guideSize"`
}

// DefaultFaceDetailer returns the stock face detailer tuning.
func DefaultFaceDetailer() FaceDetailer {
	return FaceDetailer{
		SamThreshold:           0.93,
		DropSize:               10,
		NoiseMask:              true,
		GuideSizeFor:           true,
		Cycle:                  1,
		SamMaskHintThreshold:   0.7,
		ForceInpaint:           true,
		SamMaskHintUseNegative: "False",
		MaxSize:                1024,
		SamDetectionHint:       "center-1",
		GuideSize:              512,
	}
}

// Parameters is the runtime parameter bag. Treat values as immutable once
// handed to a processing call; Merge and the With* helpers return copies.
type Parameters struct {
	Workflow       string         `json:"workflow,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Seed           int64          `json:"seed"`
	Steps          int            `json:"steps"`
	CFG            float64        `json:"cfg"`
	Sampler        string         `json:"sampler_name,omitempty"`
	Scheduler      string         `json:"scheduler,omitempty"`
	Denoise        float64        `json:"denoise"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	BatchSize      int            `json:"batch_size"`
	Model          string         `json:"ckpt_name,omitempty"`
	VAE            string         `json:"vae_name,omitempty"`
	LoRAs          []LoRA         `json:"loras,omitempty"`
	QualityTags    string         `json:"qualityTags,omitempty"`
	PromptContext  string         `json:"promptContext,omitempty"`
	Advanced       map[string]any `json:"advanced_params,omitempty"`
	Patches        []NodePatch    `json:"params,omitempty"`
	FaceDetailer   FaceDetailer   `json:"faceDetailer"`

	// set records which fields the caller supplied explicitly.
	set map[string]bool
	// seedConfigured is true when Seed is a concrete configured default.
	seedConfigured bool
}

// Has reports whether field was supplied by the caller rather than defaulted.
func (p Parameters) Has(field string) bool {
	return p.set[field]
}

// Set marks field as explicitly supplied and returns the updated copy.
func (p Parameters) Set(field string) Parameters {
	next := make(map[string]bool, len(p.set)+1)
	for k, v := range p.set {
		next[k] = v
	}
	next[field] = true
	p.set = next
	return p
}

// SeedPinned reports whether a concrete seed was requested, either by the
// caller or by a non-zero configured default.
func (p Parameters) SeedPinned() bool {
	return p.Seed != RandomSeed && (p.Has(FieldSeed) || p.seedConfigured)
}

// EnabledLoRAs returns LoRAs that are enabled and named, in order.
func (p Parameters) EnabledLoRAs() []LoRA {
	var out []LoRA
	for _, l := range p.LoRAs {
		if l.Enabled && l.Name != "" {
			out = append(out, l)
		}
	}
	return out
}

// Clone returns a deep copy.
func (p Parameters) Clone() Parameters {
	out := p
	if p.LoRAs != nil {
		out.LoRAs = append([]LoRA(nil), p.LoRAs...)
	}
	if p.Advanced != nil {
		out.Advanced = make(map[string]any, len(p.Advanced))
		for k, v := range p.Advanced {
			out.Advanced[k] = v
		}
	}
	if p.Patches != nil {
		out.Patches = make([]NodePatch, len(p.Patches))
		for i, patch := range p.Patches {
			inputs := make(map[string]any, len(patch.Inputs))
			for k, v := range patch.Inputs {
				inputs[k] = v
			}
			out.Patches[i] = NodePatch{NodeTitle: patch.NodeTitle, Inputs: inputs}
		}
	}
	if p.set != nil {
		out.set = make(map[string]bool, len(p.set))
		for k, v := range p.set {
			out.set[k] = v
		}
	}
	return out
}

// Fingerprint is a stable digest of the parameter values and their presence.
func (p Parameters) Fingerprint() string {
	type canonical struct {
		Parameters
		Set        map[string]bool `json:"set"`
		SeedPinned bool            `json:"seed_pinned"`
	}
	// encoding/json sorts map keys, so the encoding is canonical
	data, err := json.Marshal(canonical{Parameters: p, Set: p.set, SeedPinned: p.SeedPinned()})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
