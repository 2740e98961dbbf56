package params

import "math"

// Limits bound the numeric parameters before they are written into a graph.
type Limits struct {
	MinSize, MaxSize         int
	MinSteps, MaxSteps       int
	MinCFG, MaxCFG           float64
	MinDenoise, MaxDenoise   float64
	MinBatch, MaxBatch       int
	MinSeed, MaxSeed         int64
	MinStrength, MaxStrength float64
}

// DefaultLimits returns the stock parameter bounds.
func DefaultLimits() Limits {
	return Limits{
		MinSize: 64, MaxSize: 2048,
		MinSteps: 1, MaxSteps: 100,
		MinCFG: 1, MaxCFG: 20,
		MinDenoise: 0, MaxDenoise: 1,
		MinBatch: 1, MaxBatch: 8,
		MinSeed: 0, MaxSeed: math.MaxUint32,
		MinStrength: 0, MaxStrength: 2,
	}
}

// Defaults are the configured fallbacks for parameters the caller omitted.
type Defaults struct {
	Workflow       string
	Model          string
	Width          int
	Height         int
	Steps          int
	CFG            float64
	Sampler        string
	Scheduler      string
	Seed           int64
	BatchSize      int
	Denoise        float64
	NegativePrompt string
	QualityTags    string
	Limits         Limits
}

// StockDefaults returns the built-in defaults.
func StockDefaults() Defaults {
	return Defaults{
		Workflow:       "text2img_api.json",
		Model:          "anything-v5-PrtRE.safetensors",
		Width:          512,
		Height:         512,
		Steps:          20,
		CFG:            7.5,
		Sampler:        "euler",
		Scheduler:      "normal",
		Seed:           RandomSeed,
		BatchSize:      1,
		Denoise:        1.0,
		NegativePrompt: "bad quality, worst quality, blurry, low resolution",
		QualityTags:    "masterpiece, best quality, high quality",
		Limits:         DefaultLimits(),
	}
}

// Merge fills omitted parameters from d and clamps every bounded value.
// p is not modified. Presence flags are carried over unchanged so callers can
// still tell explicit values from defaults.
func Merge(p Parameters, d Defaults) Parameters {
	out := p.Clone()
	lim := d.Limits
	if lim == (Limits{}) {
		lim = DefaultLimits()
	}

	if out.Workflow == "" {
		out.Workflow = d.Workflow
	}
	if out.Model == "" {
		out.Model = d.Model
	}
	if out.Sampler == "" {
		out.Sampler = d.Sampler
	}
	if out.Scheduler == "" {
		out.Scheduler = d.Scheduler
	}
	if out.NegativePrompt == "" {
		out.NegativePrompt = d.NegativePrompt
	}
	if !out.Has(FieldQualityTags) && out.QualityTags == "" {
		out.QualityTags = d.QualityTags
	}
	if !out.Has(FieldSteps) {
		out.Steps = d.Steps
	}
	if !out.Has(FieldCFG) {
		out.CFG = d.CFG
	}
	if !out.Has(FieldDenoise) {
		out.Denoise = d.Denoise
	}
	if !out.Has(FieldWidth) {
		out.Width = d.Width
	}
	if !out.Has(FieldHeight) {
		out.Height = d.Height
	}
	if !out.Has(FieldBatchSize) {
		out.BatchSize = d.BatchSize
	}
	if !out.Has(FieldSeed) {
		out.Seed = d.Seed
		out.seedConfigured = d.Seed != 0 && d.Seed != RandomSeed
	}
	if !out.Has(fieldFaceDetailer) {
		out.FaceDetailer = DefaultFaceDetailer()
	}

	out.Width = ClampInt(out.Width, lim.MinSize, lim.MaxSize)
	out.Height = ClampInt(out.Height, lim.MinSize, lim.MaxSize)
	out.Steps = ClampInt(out.Steps, lim.MinSteps, lim.MaxSteps)
	out.CFG = ClampFloat(out.CFG, lim.MinCFG, lim.MaxCFG)
	out.Denoise = ClampFloat(out.Denoise, lim.MinDenoise, lim.MaxDenoise)
	out.BatchSize = ClampInt(out.BatchSize, lim.MinBatch, lim.MaxBatch)
	if out.Seed != RandomSeed {
		out.Seed = ClampInt64(out.Seed, lim.MinSeed, lim.MaxSeed)
	}
	for i := range out.LoRAs {
		out.LoRAs[i].Strength = ClampFloat(out.LoRAs[i].Strength, lim.MinStrength, lim.MaxStrength)
		out.LoRAs[i].ClipStrength = ClampFloat(out.LoRAs[i].ClipStrength, lim.MinStrength, lim.MaxStrength)
	}
	return out
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampInt64 bounds v to [lo, hi].
func ClampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampFloat bounds v to [lo, hi]. NaN maps to lo.
func ClampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
