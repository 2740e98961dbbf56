package templating

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/placeholder"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

const fixture = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": 1, "steps": 10, "cfg": 5, "sampler_name": "euler", "scheduler": "normal", "denoise": 1, "model": ["4", 0]}},
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "old.safetensors"}},
  "5": {"class_type": "EmptyLatentImage", "inputs": {"width": 512, "height": 512, "batch_size": 1}},
  "6": {"class_type": "CLIPTextEncode", "_meta": {"title": "Positive Prompt"}, "inputs": {"text": "placeholder", "clip": ["4", 1]}},
  "7": {"class_type": "CLIPTextEncode", "_meta": {"title": "Negative Prompt"}, "inputs": {"text": "x", "clip": ["4", 1]}},
  "8": {"class_type": "VAEDecode", "inputs": {"samples": ["3", 0], "vae": ["4", 2]}},
  "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI", "images": ["8", 0]}},
  "10": {"class_type": "CLIPTextEncode", "_meta": {"title": "keep this"}, "inputs": {"text": "fixed"}},
  "11": {"class_type": "PrimitiveString", "_meta": {"title": "用户提示"}, "inputs": {"value": ""}},
  "12": {"class_type": "CustomNode", "_meta": {"title": "replace me"}, "inputs": {"note": "{{USER_PROMPT}} and {{STEPS}}", "count": "{{STEPS}}"}},
  "13": {"class_type": "UnknownNode", "inputs": {"x": "{{STEPS}}"}}
}`

func decodeFixture(t *testing.T) *workflow.Graph {
	t.Helper()
	g, err := workflow.Decode([]byte(fixture))
	require.NoError(t, err)
	return g
}

func mergedParams(t *testing.T, m map[string]any) params.Parameters {
	t.Helper()
	p, err := params.FromMap(m)
	require.NoError(t, err)
	return params.Merge(p, params.StockDefaults())
}

func newProcessor(t *testing.T, opts ...Option) *Processor {
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewProcessor(placeholder.NewResolver(params.StockDefaults()), opts...)
}

func TestClassifierPrecedence(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig(), DefaultRules())

	tests := []struct {
		name   string
		node   workflow.Node
		action Action
		reason Reason
	}{
		{"whitelisted type beats replace title", workflow.Node{Type: "SaveImage", Title: "replace"}, ActionPreserve, ReasonTypeWhitelist},
		{"preserve keyword beats replace keyword", workflow.Node{Type: "KSampler", Title: "不替换"}, ActionPreserve, ReasonTitleKeyword},
		{"preserve keyword is case insensitive", workflow.Node{Type: "KSampler", Title: "KEEP sampler"}, ActionPreserve, ReasonTitleKeyword},
		{"replace keyword on unmapped type", workflow.Node{Type: "Mystery", Title: "Modify Me"}, ActionReplace, ReasonTitleKeyword},
		{"mapped type", workflow.Node{Type: "EmptyLatentImage"}, ActionReplace, ReasonTypeMapping},
		{"unknown type", workflow.Node{Type: "Mystery"}, ActionPreserve, ReasonDefaultPreserve},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(&tt.node)
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestProcessRewritesMappedInputs(t *testing.T) {
	g := decodeFixture(t)
	original := g.Clone()
	p := mergedParams(t, map[string]any{"prompt": "a cat", "width": 9999, "steps": 30, "seed": 42})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	proc := newProcessor(t, WithClock(func() time.Time { return fixed }))

	out, ledger := proc.Process(g, p)

	assert.Equal(t, original, g, "input graph must not be mutated")

	assert.Equal(t, 2048, out.Nodes["5"].Inputs["width"])
	assert.Equal(t, int64(42), out.Nodes["3"].Inputs["seed"])
	assert.Equal(t, 30, out.Nodes["3"].Inputs["steps"])
	assert.Equal(t, workflow.Link{NodeID: "4", Slot: 0}, out.Nodes["3"].Inputs["model"])
	assert.Equal(t, "anything-v5-PrtRE.safetensors", out.Nodes["4"].Inputs["ckpt_name"])
	assert.Equal(t, placeholder.PositivePrompt(p), out.Nodes["6"].Inputs["text"])
	assert.Equal(t, placeholder.NegativePrompt(p), out.Nodes["7"].Inputs["text"])
	assert.Equal(t, "a cat", out.Nodes["11"].Inputs["value"])
	assert.Equal(t, "a cat and 30", out.Nodes["12"].Inputs["note"])
	assert.Equal(t, 30, out.Nodes["12"].Inputs["count"])

	// preserved nodes are untouched
	assert.Equal(t, "ComfyUI", out.Nodes["9"].Inputs["filename_prefix"])
	assert.Equal(t, "fixed", out.Nodes["10"].Inputs["text"])
	assert.Equal(t, "{{STEPS}}", out.Nodes["13"].Inputs["x"])

	width, ok := ledger.Change("5", "width")
	require.True(t, ok)
	assert.Equal(t, float64(512), width.Old)
	assert.Equal(t, 2048, width.New)
	assert.Equal(t, "WIDTH", width.Placeholder)
	assert.Equal(t, ChangeTypeMapping, width.Reason)

	_, ok = ledger.Change("5", "height")
	assert.False(t, ok, "unchanged values are not recorded")

	for _, id := range []string{"8", "9", "10", "13"} {
		assert.True(t, ledger.IsPreserved(id), id)
	}
	assert.False(t, ledger.IsPreserved("3"))

	stamp, ok := out.Meta[workflow.StampKey].(Stamp)
	require.True(t, ok)
	assert.Equal(t, ProcessorName, stamp.Processor)
	assert.Equal(t, fixed, stamp.ProcessedAt)
	assert.Same(t, ledger, stamp.Ledger)
}

func TestProcessIsIdempotentForPinnedSeed(t *testing.T) {
	p := mergedParams(t, map[string]any{"prompt": "a cat", "seed": 42})
	proc := newProcessor(t)

	once, _ := proc.Process(decodeFixture(t), p)
	twice, ledger := proc.Process(once, p)

	assert.Empty(t, ledger.Changes)
	assert.Equal(t, once.Nodes, twice.Nodes)
}

func TestProcessRandomSeedIsOnlyDifference(t *testing.T) {
	p := mergedParams(t, map[string]any{"prompt": "a cat", "seed": -1})
	entropy := bytes.NewReader([]byte{0, 0, 0, 1, 0, 0, 0, 2})
	proc := NewProcessor(placeholder.NewResolver(params.StockDefaults(), placeholder.WithRandom(entropy)))

	once, _ := proc.Process(decodeFixture(t), p)
	assert.Equal(t, int64(1), once.Nodes["3"].Inputs["seed"])

	_, ledger := proc.Process(once, p)
	require.Len(t, ledger.Changes, 1)
	assert.Equal(t, "seed", ledger.Changes[0].Input)
	assert.Equal(t, int64(2), ledger.Changes[0].New)
}

func TestPromptContextForUntitledEncoders(t *testing.T) {
	g := workflow.New()
	g.Nodes["1"] = &workflow.Node{Type: "CLIPTextEncode", Inputs: map[string]any{"text": "orig"}}
	proc := newProcessor(t)

	out, _ := proc.Process(g, mergedParams(t, map[string]any{"prompt": "sky"}))
	assert.Equal(t, "orig", out.Nodes["1"].Inputs["text"])

	neg := mergedParams(t, map[string]any{"prompt": "sky", "promptContext": "negative"})
	out, _ = proc.Process(g, neg)
	assert.Equal(t, placeholder.NegativePrompt(neg), out.Nodes["1"].Inputs["text"])
}

func TestUnresolvedPlaceholdersAreRecorded(t *testing.T) {
	g := workflow.New()
	g.Nodes["1"] = &workflow.Node{Type: "VAELoader", Inputs: map[string]any{"vae_name": "keep.pt"}}
	g.Nodes["2"] = &workflow.Node{Type: "Thing", Title: "modify", Inputs: map[string]any{"s": "{{NOPE}} here"}}

	out, ledger := newProcessor(t).Process(g, mergedParams(t, nil))
	assert.Equal(t, "keep.pt", out.Nodes["1"].Inputs["vae_name"])
	assert.Equal(t, "{{NOPE}} here", out.Nodes["2"].Inputs["s"])
	assert.ElementsMatch(t, []UnresolvedRef{
		{NodeID: "1", Input: "vae_name", Placeholder: "VAE"},
		{NodeID: "2", Input: "s", Placeholder: "NOPE"},
	}, ledger.Unresolved)
}

func TestRenderTextSubstitution(t *testing.T) {
	doc := `{
  "_comfyflow": {"substitution": "text"},
  "1": {"class_type": "Anything", "inputs": {"steps": "{{STEPS}}", "label": "n={{STEPS}}", "keep": 3}}
}`
	g, err := workflow.Decode([]byte(doc))
	require.NoError(t, err)
	require.True(t, g.TextSubstitution())

	out, ledger, err := newProcessor(t).Render(g, mergedParams(t, map[string]any{"steps": 25}))
	require.NoError(t, err)
	assert.Equal(t, float64(25), out.Nodes["1"].Inputs["steps"])
	assert.Equal(t, "n=25", out.Nodes["1"].Inputs["label"])
	assert.True(t, out.TextSubstitution())
	assert.Len(t, ledger.Changes, 2)
	for _, c := range ledger.Changes {
		assert.Equal(t, ChangeTextDocument, c.Reason)
	}
}

func TestCacheSharesInFlightComputation(t *testing.T) {
	c := NewCache(4)
	var calls atomic.Int32
	release := make(chan struct{})
	g := workflow.New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _, _ := c.Do("k", func() (*workflow.Graph, *Ledger) {
				calls.Add(1)
				<-release
				return g, &Ledger{}
			})
			assert.NotNil(t, out)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestCacheNeverEvictsInFlight(t *testing.T) {
	c := NewCache(1)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		c.Do("slow", func() (*workflow.Graph, *Ledger) {
			close(started)
			<-release
			return workflow.New(), &Ledger{}
		})
	}()
	<-started

	_, _, hit := c.Do("fast", func() (*workflow.Graph, *Ledger) { return workflow.New(), &Ledger{} })
	assert.False(t, hit)
	assert.True(t, c.Contains("slow"))

	close(release)
	<-done
	assert.True(t, c.Contains("slow"))
	assert.Equal(t, 1, c.Len())

	_, _, hit = c.Do("slow", func() (*workflow.Graph, *Ledger) {
		t.Fatal("cached result expected")
		return nil, nil
	})
	assert.True(t, hit)
}

func TestProcessorCacheBypassesRandomSeed(t *testing.T) {
	cache := NewCache(8)
	proc := newProcessor(t, WithCache(cache))
	g := decodeFixture(t)

	a, _ := proc.Process(g, mergedParams(t, map[string]any{"seed": 5}))
	b, _ := proc.Process(g, mergedParams(t, map[string]any{"seed": 5}))
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, a.Nodes, b.Nodes)

	b.Nodes["3"].Inputs["steps"] = 99
	c, _ := proc.Process(g, mergedParams(t, map[string]any{"seed": 5}))
	assert.NotEqual(t, 99, c.Nodes["3"].Inputs["steps"], "cached results are private copies")

	proc.Process(g, mergedParams(t, map[string]any{"seed": -1}))
	assert.Equal(t, 1, cache.Len())
}
