package placeholder

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Kocoro-lab/comfyflow/internal/params"
)

// DefaultFilenamePrefix is used when the prompt yields no usable words.
const DefaultFilenamePrefix = "ComfyUI"

const maxFilenamePrefix = 20

func stockRules() map[string]Rule {
	rules := map[string]Rule{
		"SEED": func(r *Resolver, p params.Parameters) (any, bool) {
			seed, err := r.Seed(p)
			if err != nil {
				return nil, false
			}
			return seed, true
		},
		"STEPS": func(r *Resolver, p params.Parameters) (any, bool) {
			return orInt(p.Steps, r.defaults.Steps, 20), true
		},
		"CFG": func(r *Resolver, p params.Parameters) (any, bool) {
			return orFloat(p.CFG, r.defaults.CFG, 7.5), true
		},
		"SAMPLER": func(r *Resolver, p params.Parameters) (any, bool) {
			return orString(p.Sampler, r.defaults.Sampler, "euler"), true
		},
		"SCHEDULER": func(r *Resolver, p params.Parameters) (any, bool) {
			return orString(p.Scheduler, r.defaults.Scheduler, "normal"), true
		},
		"DENOISE": func(r *Resolver, p params.Parameters) (any, bool) {
			if p.Has(params.FieldDenoise) {
				return p.Denoise, true
			}
			return orFloat(p.Denoise, r.defaults.Denoise, 1.0), true
		},
		"WIDTH": func(r *Resolver, p params.Parameters) (any, bool) {
			return orInt(p.Width, r.defaults.Width, 512), true
		},
		"HEIGHT": func(r *Resolver, p params.Parameters) (any, bool) {
			return orInt(p.Height, r.defaults.Height, 512), true
		},
		"BATCH_SIZE": func(r *Resolver, p params.Parameters) (any, bool) {
			return orInt(p.BatchSize, r.defaults.BatchSize, 1), true
		},
		"MODEL": func(r *Resolver, p params.Parameters) (any, bool) {
			return orString(p.Model, r.defaults.Model, "anything-v5-PrtRE.safetensors"), true
		},
		"VAE": func(_ *Resolver, p params.Parameters) (any, bool) {
			if p.VAE == "" {
				return nil, false
			}
			return p.VAE, true
		},
		"POSITIVE_PROMPT": func(_ *Resolver, p params.Parameters) (any, bool) {
			return PositivePrompt(p), true
		},
		"NEGATIVE_PROMPT": func(_ *Resolver, p params.Parameters) (any, bool) {
			return NegativePrompt(p), true
		},
		"PROMPT": func(_ *Resolver, p params.Parameters) (any, bool) {
			return orString(p.Prompt, "", "masterpiece, best quality"), true
		},
		"USER_PROMPT": func(_ *Resolver, p params.Parameters) (any, bool) {
			return p.Prompt, true
		},
		"PROMPT_INPUT": func(_ *Resolver, p params.Parameters) (any, bool) {
			return p.Prompt, true
		},
		"FILENAME_PREFIX": func(_ *Resolver, p params.Parameters) (any, bool) {
			return FilenamePrefix(p.Prompt), true
		},
		"LORAS": func(_ *Resolver, p params.Parameters) (any, bool) {
			return LoRATags(p.LoRAs), true
		},
		"QUALITY_TAGS": func(_ *Resolver, p params.Parameters) (any, bool) {
			return p.QualityTags, true
		},
		"LORA_NAME": func(_ *Resolver, p params.Parameters) (any, bool) {
			if l, ok := primaryLoRA(p); ok {
				return l.Name, true
			}
			return "None", true
		},
		"LORA_STRENGTH": func(_ *Resolver, p params.Parameters) (any, bool) {
			if l, ok := primaryLoRA(p); ok {
				return l.Strength, true
			}
			return 0.7, true
		},
		"LORA_CLIP_STRENGTH": func(_ *Resolver, p params.Parameters) (any, bool) {
			if l, ok := primaryLoRA(p); ok {
				return l.ClipStrength, true
			}
			return 1.0, true
		},
	}
	for name, rule := range faceDetailerRules() {
		rules[name] = rule
	}
	return rules
}

func faceDetailerRules() map[string]Rule {
	fd := func(get func(params.FaceDetailer) any) Rule {
		return func(_ *Resolver, p params.Parameters) (any, bool) {
			return get(p.FaceDetailer), true
		}
	}
	return map[string]Rule{
		"FD_SAM_THRESHOLD":              fd(func(f params.FaceDetailer) any { return f.SamThreshold }),
		"FD_DROP_SIZE":                  fd(func(f params.FaceDetailer) any { return f.DropSize }),
		"FD_SAM_BBOX_EXPANSION":         fd(func(f params.FaceDetailer) any { return f.SamBboxExpansion }),
		"FD_NOISE_MASK":                 fd(func(f params.FaceDetailer) any { return boolString(f.NoiseMask) }),
		"FD_GUIDE_SIZE_FOR":             fd(func(f params.FaceDetailer) any { return boolString(f.GuideSizeFor) }),
		"FD_WILDCARD":                   fd(func(f params.FaceDetailer) any { return f.Wildcard }),
		"FD_CYCLE":                      fd(func(f params.FaceDetailer) any { return f.Cycle }),
		"FD_SAM_MASK_HINT_THRESHOLD":    fd(func(f params.FaceDetailer) any { return f.SamMaskHintThreshold }),
		"FD_FORCE_INPAINT":              fd(func(f params.FaceDetailer) any { return boolString(f.ForceInpaint) }),
		"FD_SAM_MASK_HINT_USE_NEGATIVE": fd(func(f params.FaceDetailer) any { return f.SamMaskHintUseNegative }),
		"FD_MAX_SIZE":                   fd(func(f params.FaceDetailer) any { return f.MaxSize }),
		"FD_SAM_DILATION":               fd(func(f params.FaceDetailer) any { return f.SamDilation }),
		"FD_SAM_DETECTION_HINT":         fd(func(f params.FaceDetailer) any { return f.SamDetectionHint }),
		"FD_GUIDE_SIZE":                 fd(func(f params.FaceDetailer) any { return f.GuideSize }),
	}
}

var (
	nonWordPattern    = regexp.MustCompile(`[^\w\s\x{4e00}-\x{9fff},-]`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// FilenamePrefix derives a short output filename prefix from the prompt: the
// first three words longer than one character, joined by underscores and cut
// to twenty characters.
func FilenamePrefix(prompt string) string {
	if strings.TrimSpace(prompt) == "" {
		return DefaultFilenamePrefix
	}
	clean := nonWordPattern.ReplaceAllString(strings.ToLower(prompt), " ")
	clean = strings.TrimSpace(whitespacePattern.ReplaceAllString(clean, " "))

	words := make([]string, 0, 3)
	for _, w := range strings.Split(clean, " ") {
		if utf8.RuneCountInString(w) > 1 {
			words = append(words, w)
		}
		if len(words) == 3 {
			break
		}
	}
	prefix := strings.Join(words, "_")
	if utf8.RuneCountInString(prefix) > maxFilenamePrefix {
		prefix = string([]rune(prefix)[:maxFilenamePrefix])
	}
	if prefix == "" {
		return DefaultFilenamePrefix
	}
	return prefix
}

func primaryLoRA(p params.Parameters) (params.LoRA, bool) {
	enabled := p.EnabledLoRAs()
	if len(enabled) == 0 {
		return params.LoRA{}, false
	}
	return enabled[0], true
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func orInt(v, configured, fallback int) int {
	if v != 0 {
		return v
	}
	if configured != 0 {
		return configured
	}
	return fallback
}

func orFloat(v, configured, fallback float64) float64 {
	if v != 0 {
		return v
	}
	if configured != 0 {
		return configured
	}
	return fallback
}

func orString(v, configured, fallback string) string {
	if v != "" {
		return v
	}
	if configured != "" {
		return configured
	}
	return fallback
}
