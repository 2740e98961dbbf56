package patcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

func graph() *workflow.Graph {
	g := workflow.New()
	g.Nodes["3"] = &workflow.Node{Type: "KSampler", Inputs: map[string]any{
		"seed": float64(1), "steps": float64(20), "cfg": 7.0, "sampler_name": "euler", "scheduler": "normal",
		"model": workflow.Link{NodeID: "4", Slot: 0},
	}}
	g.Nodes["4"] = &workflow.Node{Type: "CheckpointLoaderSimple", Title: "Load Checkpoint", Inputs: map[string]any{"ckpt_name": "a.safetensors"}}
	g.Nodes["5"] = &workflow.Node{Type: "EmptyLatentImage", Inputs: map[string]any{"width": float64(512), "height": float64(512), "batch_size": float64(1)}}
	g.Nodes["6"] = &workflow.Node{Type: "CLIPTextEncode", Title: "Positive Prompt", Inputs: map[string]any{"text": "old positive", "clip": workflow.Link{NodeID: "4", Slot: 1}}}
	g.Nodes["7"] = &workflow.Node{Type: "CLIPTextEncode", Title: "Negative Prompt", Inputs: map[string]any{"text": "old negative", "clip": workflow.Link{NodeID: "4", Slot: 1}}}
	g.Nodes["8"] = &workflow.Node{Type: "LoraLoader", Inputs: map[string]any{"lora_name": "x.safetensors", "strength_model": 1.0, "strength_clip": 1.0}}
	g.Nodes["9"] = &workflow.Node{Type: "SaveImage", Title: "Save", Inputs: map[string]any{"filename_prefix": "ComfyUI"}}
	return g
}

func fromMap(t *testing.T, m map[string]any) params.Parameters {
	t.Helper()
	p, err := params.FromMap(m)
	require.NoError(t, err)
	return params.Merge(p, params.StockDefaults())
}

func TestPatchAppliesOnlySuppliedParameters(t *testing.T) {
	g := graph()
	p := fromMap(t, map[string]any{"prompt": "a red fox", "steps": 35, "width": 768})
	out, report := New(zaptest.NewLogger(t)).Patch(g, p)

	assert.Equal(t, "a red fox", out.Nodes["6"].Inputs["text"])
	assert.Equal(t, "old negative", out.Nodes["7"].Inputs["text"], "positive prompt must not leak into negative encoders")
	assert.Equal(t, 35, out.Nodes["3"].Inputs["steps"])
	assert.Equal(t, float64(1), out.Nodes["3"].Inputs["seed"], "random seed leaves the sampler alone")
	assert.Equal(t, "euler", out.Nodes["3"].Inputs["sampler_name"])
	assert.Equal(t, 768, out.Nodes["5"].Inputs["width"])
	assert.Equal(t, float64(512), out.Nodes["5"].Inputs["height"])
	assert.Equal(t, "a.safetensors", out.Nodes["4"].Inputs["ckpt_name"])

	// the source graph is never modified
	assert.Equal(t, "old positive", g.Nodes["6"].Inputs["text"])
	assert.Len(t, report.Modifications, 3)
}

func TestPatchNeverAddsKeysOrOverwritesLinks(t *testing.T) {
	p := fromMap(t, map[string]any{
		"seed":            77,
		"advanced_params": map[string]any{"denoise": 0.4, "new_key": 1},
	})
	out, _ := New(nil).Patch(graph(), p)

	assert.Equal(t, int64(77), out.Nodes["3"].Inputs["seed"])
	assert.NotContains(t, out.Nodes["3"].Inputs, "denoise")
	for _, n := range out.Nodes {
		assert.NotContains(t, n.Inputs, "new_key")
	}
	assert.Equal(t, workflow.Link{NodeID: "4", Slot: 0}, out.Nodes["3"].Inputs["model"])
}

func TestModelGuardrailOnAdvancedOverrides(t *testing.T) {
	g := graph()
	g.Nodes["4"].Inputs["model"] = "placeholder"
	p := fromMap(t, map[string]any{"advanced_params": map[string]any{"model": "evil.ckpt"}})

	out, report := New(zaptest.NewLogger(t)).Patch(g, p)
	assert.Equal(t, workflow.Link{NodeID: "4", Slot: 0}, out.Nodes["3"].Inputs["model"])
	assert.Equal(t, "evil.ckpt", out.Nodes["4"].Inputs["model"])
	require.Len(t, report.Skipped, 1)
	assert.Equal(t, "3", report.Skipped[0].NodeID)
	assert.Equal(t, "KSampler", report.Skipped[0].NodeType)
}

func TestPatchModelLoRAAndNodePatches(t *testing.T) {
	p := fromMap(t, map[string]any{
		"ckpt_name":       "b.safetensors",
		"loras":           []any{map[string]any{"name": "off", "enabled": false}, map[string]any{"name": "detail.safetensors", "strength": 0.6, "clipStrength": 0.4}},
		"negative_prompt": "ugly",
		"params":          []any{map[string]any{"node_title": "Save", "inputs": map[string]any{"filename_prefix": "fox", "absent": 1}}},
	})
	out, _ := New(nil).Patch(graph(), p)

	assert.Equal(t, "b.safetensors", out.Nodes["4"].Inputs["ckpt_name"])
	assert.Equal(t, "detail.safetensors", out.Nodes["8"].Inputs["lora_name"])
	assert.Equal(t, 0.6, out.Nodes["8"].Inputs["strength_model"])
	assert.Equal(t, 0.4, out.Nodes["8"].Inputs["strength_clip"])
	assert.Equal(t, "ugly", out.Nodes["7"].Inputs["text"])
	assert.Equal(t, "fox", out.Nodes["9"].Inputs["filename_prefix"])
	assert.NotContains(t, out.Nodes["9"].Inputs, "absent")
}

func TestFindNodesRanksByRelevance(t *testing.T) {
	matches := FindNodes(graph(), "positive prompt")
	require.NotEmpty(t, matches)
	assert.Equal(t, "6", matches[0].NodeID)

	matches = FindNodes(graph(), "sampler")
	require.NotEmpty(t, matches)
	assert.Equal(t, "3", matches[0].NodeID)

	assert.Empty(t, FindNodes(graph(), "does-not-exist"))
}

func TestResolveInput(t *testing.T) {
	inputs := map[string]any{"ckpt_name": "", "sampler_name": "", "strength_model": 1.0, "strength_clip": 1.0, "filename_prefix": ""}

	tests := []struct {
		nodeType string
		name     string
		want     string
		err      error
	}{
		{"CheckpointLoaderSimple", "checkpoint", "ckpt_name", nil},
		{"KSampler", "sampler", "sampler_name", nil},
		{"LoraLoader", "strength", "strength_model", nil},
		{"SaveImage", "prefix", "filename_prefix", nil},
		{"SaveImage", "filename", "filename_prefix", nil},
		{"CLIPTextEncode", "model", "", ErrModelNotAccepted},
		{"KSampler", "model", "", ErrModelNotAccepted},
		{"KSampler", "zzz", "", ErrNoMatchingInput},
	}
	for _, tt := range tests {
		t.Run(tt.nodeType+"/"+tt.name, func(t *testing.T) {
			got, err := ResolveInput(tt.nodeType, tt.name, inputs)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestModifyNode(t *testing.T) {
	g := graph()
	out, res, err := New(zaptest.NewLogger(t)).ModifyNode(g, "KSampler", map[string]any{"steps": 50, "model": "x", "sampler": "dpmpp_2m"})
	require.NoError(t, err)
	assert.Equal(t, "3", res.NodeID)
	assert.Equal(t, 50, out.Nodes["3"].Inputs["steps"])
	assert.Equal(t, "dpmpp_2m", out.Nodes["3"].Inputs["sampler_name"])
	assert.Equal(t, workflow.Link{NodeID: "4", Slot: 0}, out.Nodes["3"].Inputs["model"])
	assert.Len(t, res.Applied, 2)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "model", res.Skipped[0].Input)

	_, _, err = New(nil).ModifyNode(g, "nothing here", map[string]any{"x": 1})
	assert.ErrorIs(t, err, ErrNoMatchingNode)
}

func TestModifiableNodesSkipLinks(t *testing.T) {
	nodes := ModifiableNodes(graph())
	for _, n := range nodes {
		for _, in := range n.Inputs {
			_, isLink := in.Value.(workflow.Link)
			assert.False(t, isLink)
		}
	}
	require.NotEmpty(t, nodes)
	assert.Equal(t, "3", nodes[0].NodeID)
	assert.Equal(t, "random seed", findInput(nodes[0], "seed").Description)
}

func findInput(n ModifiableNode, name string) ModifiableInput {
	for _, in := range n.Inputs {
		if in.Name == name {
			return in
		}
	}
	return ModifiableInput{}
}
