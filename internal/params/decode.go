package params

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

const fieldFaceDetailer = "faceDetailer"

// aliases maps accepted request keys onto canonical field names.
var aliases = map[string]string{
	"negativePrompt": FieldNegativePrompt,
	"sampler":        FieldSampler,
	"model":          FieldModel,
	"checkpoint":     FieldModel,
	"vae":            FieldVAE,
	"quality_tags":   FieldQualityTags,
	"prompt_context": FieldPromptContext,
	"advanced":       FieldAdvanced,
	"patches":        FieldPatches,
}

type faceDetailerSetter func(fd *FaceDetailer, v any) error

var faceDetailerFields = map[string]faceDetailerSetter{
	"faceDetailerSamThreshold": func(fd *FaceDetailer, v any) (err error) {
		fd.SamThreshold, err = cast.ToFloat64E(v)
		return
	},
	"faceDetailerDropSize": func(fd *FaceDetailer, v any) (err error) {
		fd.DropSize, err = cast.ToIntE(v)
		return
	},
	"faceDetailerSamBboxExpansion": func(fd *FaceDetailer, v any) (err error) {
		fd.SamBboxExpansion, err = cast.ToIntE(v)
		return
	},
	"faceDetailerNoiseMask": func(fd *FaceDetailer, v any) (err error) {
		fd.NoiseMask, err = cast.ToBoolE(v)
		return
	},
	"faceDetailerGuideSizeFor": func(fd *FaceDetailer, v any) (err error) {
		fd.GuideSizeFor, err = cast.ToBoolE(v)
		return
	},
	"faceDetailerWildcard": func(fd *FaceDetailer, v any) (err error) {
		fd.Wildcard, err = cast.ToStringE(v)
		return
	},
	"faceDetailerCycle": func(fd *FaceDetailer, v any) (err error) {
		fd.Cycle, err = cast.ToIntE(v)
		return
	},
	"faceDetailerSamMaskHintThreshold": func(fd *FaceDetailer, v any) (err error) {
		fd.SamMaskHintThreshold, err = cast.ToFloat64E(v)
		return
	},
	"faceDetailerForceInpaint": func(fd *FaceDetailer, v any) (err error) {
		fd.ForceInpaint, err = cast.ToBoolE(v)
		return
	},
	"faceDetailerSamMaskHintUseNegative": func(fd *FaceDetailer, v any) (err error) {
		fd.SamMaskHintUseNegative, err = cast.ToStringE(v)
		return
	},
	"faceDetailerMaxSize": func(fd *FaceDetailer, v any) (err error) {
		fd.MaxSize, err = cast.ToIntE(v)
		return
	},
	"faceDetailerSamDilation": func(fd *FaceDetailer, v any) (err error) {
		fd.SamDilation, err = cast.ToIntE(v)
		return
	},
	"faceDetailerSamDetectionHint": func(fd *FaceDetailer, v any) (err error) {
		fd.SamDetectionHint, err = cast.ToStringE(v)
		return
	},
	"faceDetailerGuideSize": func(fd *FaceDetailer, v any) (err error) {
		fd.GuideSize, err = cast.ToIntE(v)
		return
	},
}

// FromMap builds Parameters from a loosely typed request body. Numbers may
// arrive as strings or floats; unknown keys are ignored.
func FromMap(m map[string]any) (Parameters, error) {
	p := Parameters{FaceDetailer: DefaultFaceDetailer()}
	for rawKey, v := range m {
		if v == nil {
			continue
		}
		if setter, ok := faceDetailerFields[rawKey]; ok {
			if err := setter(&p.FaceDetailer, v); err != nil {
				return Parameters{}, fmt.Errorf("invalid %s: %w", rawKey, err)
			}
			p = p.Set(fieldFaceDetailer)
			continue
		}
		key := rawKey
		if canonical, ok := aliases[rawKey]; ok {
			key = canonical
		}
		if err := p.assign(key, v); err != nil {
			return Parameters{}, fmt.Errorf("invalid %s: %w", rawKey, err)
		}
	}
	return p, nil
}

func (p *Parameters) assign(key string, v any) error {
	var err error
	switch key {
	case FieldWorkflow:
		p.Workflow, err = cast.ToStringE(v)
	case FieldPrompt:
		p.Prompt, err = cast.ToStringE(v)
	case FieldNegativePrompt:
		p.NegativePrompt, err = cast.ToStringE(v)
	case FieldSeed:
		p.Seed, err = cast.ToInt64E(v)
	case FieldSteps:
		p.Steps, err = cast.ToIntE(v)
	case FieldCFG:
		p.CFG, err = cast.ToFloat64E(v)
	case FieldSampler:
		p.Sampler, err = cast.ToStringE(v)
	case FieldScheduler:
		p.Scheduler, err = cast.ToStringE(v)
	case FieldDenoise:
		p.Denoise, err = cast.ToFloat64E(v)
	case FieldWidth:
		p.Width, err = cast.ToIntE(v)
	case FieldHeight:
		p.Height, err = cast.ToIntE(v)
	case FieldBatchSize:
		p.BatchSize, err = cast.ToIntE(v)
	case FieldModel:
		p.Model, err = cast.ToStringE(v)
	case FieldVAE:
		p.VAE, err = cast.ToStringE(v)
	case FieldQualityTags:
		p.QualityTags, err = cast.ToStringE(v)
	case FieldPromptContext:
		p.PromptContext, err = cast.ToStringE(v)
		p.PromptContext = strings.ToLower(p.PromptContext)
	case FieldLoRAs:
		p.LoRAs, err = decodeLoRAs(v)
	case FieldAdvanced:
		p.Advanced, err = cast.ToStringMapE(v)
	case FieldPatches:
		p.Patches, err = decodePatches(v)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	*p = p.Set(key)
	return nil
}

func decodeLoRAs(v any) ([]LoRA, error) {
	items, err := cast.ToSliceE(v)
	if err != nil {
		return nil, err
	}
	out := make([]LoRA, 0, len(items))
	for i, item := range items {
		m, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, fmt.Errorf("lora %d: %w", i, err)
		}
		l := LoRA{Strength: 1.0, ClipStrength: 1.0, Enabled: true}
		if l.Name, err = cast.ToStringE(m["name"]); err != nil {
			return nil, fmt.Errorf("lora %d name: %w", i, err)
		}
		if s, ok := m["strength"]; ok && s != nil {
			if l.Strength, err = cast.ToFloat64E(s); err != nil {
				return nil, fmt.Errorf("lora %d strength: %w", i, err)
			}
			// clip strength follows model strength unless given
			l.ClipStrength = l.Strength
		}
		for _, k := range []string{"clipStrength", "clip_strength"} {
			if s, ok := m[k]; ok && s != nil {
				if l.ClipStrength, err = cast.ToFloat64E(s); err != nil {
					return nil, fmt.Errorf("lora %d clip strength: %w", i, err)
				}
			}
		}
		if e, ok := m["enabled"]; ok && e != nil {
			if l.Enabled, err = cast.ToBoolE(e); err != nil {
				return nil, fmt.Errorf("lora %d enabled: %w", i, err)
			}
		}
		out = append(out, l)
	}
	return out, nil
}

func decodePatches(v any) ([]NodePatch, error) {
	if s, ok := v.(string); ok {
		var patches []NodePatch
		if err := json.Unmarshal([]byte(s), &patches); err != nil {
			return nil, fmt.Errorf("parse patch list: %w", err)
		}
		return patches, nil
	}
	items, err := cast.ToSliceE(v)
	if err != nil {
		return nil, err
	}
	out := make([]NodePatch, 0, len(items))
	for i, item := range items {
		m, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, fmt.Errorf("patch %d: %w", i, err)
		}
		title, err := cast.ToStringE(m["node_title"])
		if err != nil {
			return nil, fmt.Errorf("patch %d title: %w", i, err)
		}
		inputs := map[string]any{}
		if raw, ok := m["inputs"]; ok && raw != nil {
			if inputs, err = cast.ToStringMapE(raw); err != nil {
				return nil, fmt.Errorf("patch %d inputs: %w", i, err)
			}
		}
		out = append(out, NodePatch{NodeTitle: title, Inputs: inputs})
	}
	return out, nil
}
