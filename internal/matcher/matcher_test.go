package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/comfyflow/internal/params"
)

var catalog = map[Kind][]string{
	KindModel: {
		"realisticVisionV51_v51VAE.safetensors",
		"epicrealism_pureEvolutionV5.safetensors",
		"realisticVisionV60B1_v60B1VAE.safetensors",
		"deliberate_v3.safetensors",
		"dreamshaper_8.safetensors",
		"v1-5-pruned-emaonly.safetensors",
		"SDXL-Base-1.0.safetensors",
		"Juggernaut-XL_v9.safetensors",
		"realisticVisionV40_v40VAE.safetensors",
		"epicrealism_naturalSinRC1VAE.safetensors",
	},
	KindLoRA: {
		"epicrealism_lora.safetensors",
		"realisticVision_lora.safetensors",
		"style_lora.safetensors",
		"character_lora.safetensors",
		"epicrealism-enhanced_lora.safetensors",
		"realisticVision-detail_lora.safetensors",
	},
	KindVAE: {
		"vae-ft-mse-840000-ema-pruned.safetensors",
		"sdxl_vae.safetensors",
		"vae-ft-ema-560000-ema-pruned.safetensors",
	},
	KindControlNet: {
		"control_canny-fp16.safetensors",
		"control_depth-fp16.safetensors",
		"control_openpose-fp16.safetensors",
		"control_scribble-fp16.safetensors",
	},
	KindSampler:   {"euler", "euler_ancestral", "dpmpp_2m", "dpmpp_2m_sde"},
	KindScheduler: {"normal", "karras", "exponential"},
}

type fakeSource struct {
	names map[Kind][]string
	err   error
}

func (f fakeSource) Names(_ context.Context, kind Kind) ([]string, error) {
	return f.names[kind], f.err
}

func TestMatch(t *testing.T) {
	m := New(zaptest.NewLogger(t))

	tests := []struct {
		name      string
		kind      Kind
		requested string
		want      string
	}{
		{"verbatim model", KindModel, "realisticVisionV51_v51VAE.safetensors", "realisticVisionV51_v51VAE.safetensors"},
		{"partial model", KindModel, "realistic", "realisticVisionV51_v51VAE.safetensors"},
		{"keyword model", KindModel, "epic", "epicrealism_pureEvolutionV5.safetensors"},
		{"stem model", KindModel, "deliberate", "deliberate_v3.safetensors"},
		{"uppercase fragment", KindModel, "XL", "SDXL-Base-1.0.safetensors"},
		{"case insensitive", KindModel, "juggernaut", "Juggernaut-XL_v9.safetensors"},
		{"lora stem", KindLoRA, "epicrealism-enhanced", "epicrealism-enhanced_lora.safetensors"},
		{"lora fragment", KindLoRA, "detail", "realisticVision-detail_lora.safetensors"},
		{"vae keyword", KindVAE, "mse", "vae-ft-mse-840000-ema-pruned.safetensors"},
		{"vae prefix", KindVAE, "sdxl", "sdxl_vae.safetensors"},
		{"controlnet", KindControlNet, "scribble", "control_scribble-fp16.safetensors"},
		{"sampler generic scoring", KindSampler, "dpmpp_2m_sd", "dpmpp_2m_sde"},
		{"unknown model", KindModel, "nonexistent_model_v999", ""},
		{"short unrelated request", KindModel, "xyz", ""},
		{"empty request", KindModel, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Match(tt.requested, catalog[tt.kind], tt.kind)
			assert.Equal(t, tt.want, res.Match)
			assert.Equal(t, tt.want != "", res.Matched)
		})
	}
}

func TestVerbatimBeatsCaseInsensitiveDuplicate(t *testing.T) {
	res := New(nil).Match("EXACT_NAME", []string{"exact_name", "EXACT_NAME"}, KindModel)
	require.True(t, res.Matched)
	assert.True(t, res.Verbatim)
	assert.Equal(t, "EXACT_NAME", res.Match)
}

func TestRankIsStableOnTies(t *testing.T) {
	ranked := Rank("abc", []string{"xabc", "yabc", "zabc"}, KindSampler)
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"xabc", "yabc", "zabc"}, []string{ranked[0].Name, ranked[1].Name, ranked[2].Name})
}

func TestScoreComponents(t *testing.T) {
	score, sim := Score("abc", "abc", KindSampler)
	assert.InDelta(t, ExactScore+ContainsScore+SimilarityWeight, score, 1e-9)
	assert.InDelta(t, 1.0, sim, 1e-9)

	// stem match adds the kind bonuses on top of the generic terms
	score, _ = Score("deliberate_v3", "deliberate_v3.safetensors", KindModel)
	assert.Greater(t, score, ContainsScore+StemExactScore+StemContainsScore+VersionScore)

	assert.InDelta(t, 0.0, Similarity("abc", "xyz"), 1e-9)
	assert.InDelta(t, 1.0, Similarity("", ""), 1e-9)
}

func TestNoMatchCarriesAlternatives(t *testing.T) {
	res := New(nil).Match("xyz", catalog[KindModel], KindModel)
	assert.False(t, res.Matched)
	assert.LessOrEqual(t, len(res.Alternatives), 3)
	for _, alt := range res.Alternatives {
		assert.Less(t, alt.Score, AcceptThreshold)
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"checkpoints": KindModel, "Model": KindModel, "loras": KindLoRA, "vae": KindVAE,
		"controlnet": KindControlNet, "samplers": KindSampler, "scheduler": KindScheduler,
	} {
		got, ok := ParseKind(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseKind("upscaler")
	assert.False(t, ok)
}

func fromMap(t *testing.T, m map[string]any) params.Parameters {
	t.Helper()
	p, err := params.FromMap(m)
	require.NoError(t, err)
	return params.Merge(p, params.StockDefaults())
}

func TestResolveParameters(t *testing.T) {
	r := NewResolver(fakeSource{names: catalog}, zaptest.NewLogger(t))

	t.Run("rewrites supplied names", func(t *testing.T) {
		p := fromMap(t, map[string]any{
			"ckpt_name":    "juggernaut",
			"vae_name":     "mse",
			"sampler_name": "euler",
			"loras":        []any{map[string]any{"name": "detail"}, map[string]any{"name": "off", "enabled": false}},
		})
		out, report, err := r.ResolveParameters(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, "Juggernaut-XL_v9.safetensors", out.Model)
		assert.Equal(t, "vae-ft-mse-840000-ema-pruned.safetensors", out.VAE)
		assert.Equal(t, "euler", out.Sampler)
		assert.Equal(t, "realisticVision-detail_lora.safetensors", out.LoRAs[0].Name)
		assert.Equal(t, "off", out.LoRAs[1].Name)
		assert.Empty(t, report.Warnings)
		// the input is left untouched
		assert.Equal(t, "juggernaut", p.Model)
	})

	t.Run("defaulted model is not resolved", func(t *testing.T) {
		p := fromMap(t, map[string]any{"prompt": "a cat"})
		out, report, err := r.ResolveParameters(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, p.Model, out.Model)
		assert.Empty(t, report.Results)
	})

	t.Run("unmatched model fails", func(t *testing.T) {
		p := fromMap(t, map[string]any{"ckpt_name": "xyz"})
		_, _, err := r.ResolveParameters(context.Background(), p)
		var rerr *ResourceResolutionError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, KindModel, rerr.Kind)
		assert.Equal(t, "xyz", rerr.Requested)
	})

	t.Run("unmatched lora is a warning", func(t *testing.T) {
		p := fromMap(t, map[string]any{"loras": []any{map[string]any{"name": "qqq"}}})
		out, report, err := r.ResolveParameters(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, "qqq", out.LoRAs[0].Name)
		require.Len(t, report.Warnings, 1)
		assert.Equal(t, KindLoRA, report.Warnings[0].Kind)
		assert.Len(t, report.WarningMessages(), 1)
	})

	t.Run("catalog failure is returned", func(t *testing.T) {
		failing := NewResolver(fakeSource{err: errors.New("backend down")}, nil)
		p := fromMap(t, map[string]any{"ckpt_name": "x"})
		_, _, err := failing.ResolveParameters(context.Background(), p)
		assert.ErrorContains(t, err, "backend down")
	})
}
