package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/comfyflow/internal/comfy"
	"github.com/Kocoro-lab/comfyflow/internal/complexity"
	"github.com/Kocoro-lab/comfyflow/internal/matcher"
	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/streaming"
	"github.com/Kocoro-lab/comfyflow/internal/templates"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

const templateDoc = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": "{{SEED}}", "steps": "{{STEPS}}", "cfg": "{{CFG}}", "sampler_name": "{{SAMPLER}}", "scheduler": "{{SCHEDULER}}", "denoise": "{{DENOISE}}", "model": ["4", 0], "positive": ["6", 0], "negative": ["7", 0], "latent_image": ["5", 0]}},
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "{{MODEL}}"}},
  "5": {"class_type": "EmptyLatentImage", "inputs": {"width": "{{WIDTH}}", "height": "{{HEIGHT}}", "batch_size": "{{BATCH_SIZE}}"}},
  "6": {"class_type": "CLIPTextEncode", "_meta": {"title": "Positive Prompt"}, "inputs": {"text": "{{POSITIVE_PROMPT}}", "clip": ["4", 1]}},
  "7": {"class_type": "CLIPTextEncode", "_meta": {"title": "Negative Prompt"}, "inputs": {"text": "{{NEGATIVE_PROMPT}}", "clip": ["4", 1]}},
  "8": {"class_type": "VAEDecode", "inputs": {"samples": ["3", 0], "vae": ["4", 2]}},
  "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI", "images": ["8", 0]}}
}`

const concreteDoc = `{
  "3": {"class_type": "KSampler", "inputs": {"seed": 1, "steps": 20, "cfg": 7, "sampler_name": "euler", "scheduler": "normal", "denoise": 1, "model": ["4", 0], "positive": ["6", 0]}},
  "4": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "base.safetensors"}},
  "6": {"class_type": "CLIPTextEncode", "_meta": {"title": "Positive Prompt"}, "inputs": {"text": "a cat", "clip": ["4", 1]}},
  "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "ComfyUI", "images": ["3", 0]}}
}`

func mustDecode(t *testing.T, doc string) *workflow.Graph {
	t.Helper()
	g, err := workflow.Decode([]byte(doc))
	require.NoError(t, err)
	return g
}

// fakeLoader serves graphs by candidate; missing candidates are not found.
type fakeLoader struct {
	graphs map[string]*workflow.Graph
	errs   map[string]error
}

func (l *fakeLoader) Load(_ context.Context, candidate string) (*workflow.Graph, error) {
	if err := l.errs[candidate]; err != nil {
		return nil, err
	}
	g, ok := l.graphs[candidate]
	if !ok {
		return nil, &templates.TemplateLoadError{Candidate: candidate, Err: templates.ErrTemplateNotFound}
	}
	return g, nil
}

// fakeBackend answers submissions in order from a script.
type fakeBackend struct {
	mu        sync.Mutex
	responses []func(ctx context.Context, g *workflow.Graph) (*comfy.Result, error)
	submitted []*workflow.Graph
}

func (b *fakeBackend) Execute(ctx context.Context, g *workflow.Graph, sink comfy.EventSink) (*comfy.Result, error) {
	b.mu.Lock()
	n := len(b.submitted)
	b.submitted = append(b.submitted, g)
	b.mu.Unlock()
	if sink != nil {
		sink.OnEvent(comfy.Event{Type: comfy.EventNodeStarted, PromptID: "p", NodeID: "3"})
	}
	if n >= len(b.responses) {
		return nil, &comfy.ExecutionError{Message: "unexpected submission"}
	}
	return b.responses[n](ctx, g)
}

func succeed(id string) func(context.Context, *workflow.Graph) (*comfy.Result, error) {
	return func(context.Context, *workflow.Graph) (*comfy.Result, error) {
		return &comfy.Result{PromptID: id, Images: []comfy.Image{{Filename: id + ".png", Type: "output"}}}, nil
	}
}

func failWith(err error) func(context.Context, *workflow.Graph) (*comfy.Result, error) {
	return func(context.Context, *workflow.Graph) (*comfy.Result, error) { return nil, err }
}

type eventLog struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (l *eventLog) Publish(_ string, evt streaming.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func newExecutor(t *testing.T, loader Loader, backend Backend, opts ...Option) *Executor {
	t.Helper()
	cfg := Config{
		Primary:   "primary.json",
		Fallbacks: []string{"second.json"},
		Defaults:  params.StockDefaults(),
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewExecutor(cfg, loader, backend, opts...)
}

func TestCandidateBuilder(t *testing.T) {
	b := NewCandidateBuilder("text2img_api", []string{"img2img_api.json", "custom.yaml", "text2img_basic.json", " "})

	t.Run("requested first", func(t *testing.T) {
		p := params.Parameters{Workflow: "portrait"}
		assert.Equal(t, []string{
			"portrait.json",
			"text2img_api.json",
			"img2img_api.json",
			"custom.yaml",
			"text2img_basic.json",
		}, b.Build(p))
	})

	t.Run("requested duplicate keeps first position", func(t *testing.T) {
		p := params.Parameters{Workflow: "img2img_api.json"}
		got := b.Build(p)
		assert.Equal(t, "img2img_api.json", got[0])
		assert.Len(t, got, 4)
	})

	t.Run("baselines always present", func(t *testing.T) {
		got := NewCandidateBuilder("", nil).Build(params.Parameters{})
		assert.Equal(t, Baselines, got)
	})
}

func TestExecuteFallsThroughToThirdCandidate(t *testing.T) {
	g := mustDecode(t, templateDoc)
	loader := &fakeLoader{graphs: map[string]*workflow.Graph{
		"second.json":       g,
		"text2img_api.json": g,
	}}
	backend := &fakeBackend{responses: []func(context.Context, *workflow.Graph) (*comfy.Result, error){
		failWith(&comfy.ExecutionError{PromptID: "p1", NodeID: "4", Message: "model missing"}),
		succeed("p2"),
	}}
	events := &eventLog{}
	e := newExecutor(t, loader, backend, WithPublisher(events), WithIDGenerator(func() string { return "exec-1" }))

	res, err := e.Execute(context.Background(), params.Parameters{})
	require.NoError(t, err)

	assert.Equal(t, "exec-1", res.ExecutionID)
	assert.Equal(t, "text2img_api.json", res.Candidate)
	assert.Equal(t, "p2", res.Result.PromptID)
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, []string{"primary.json", "second.json", "text2img_api.json"},
		[]string{res.Attempts[0].Candidate, res.Attempts[1].Candidate, res.Attempts[2].Candidate})
	assert.False(t, res.Attempts[0].Success)
	assert.Contains(t, res.Attempts[0].Error, "template not found")
	assert.False(t, res.Attempts[1].Success)
	assert.Contains(t, res.Attempts[1].Error, "model missing")
	assert.True(t, res.Attempts[2].Success)
	assert.Empty(t, res.Attempts[2].Error)
	for i, a := range res.Attempts {
		assert.Equal(t, i+1, a.Attempt)
	}

	// the first candidate never reached the backend; the last one is never
	// followed by another submission
	assert.Len(t, backend.submitted, 2)

	// the template handed out by the loader is untouched
	assert.Empty(t, cmp.Diff(mustDecode(t, templateDoc), g))

	assert.Equal(t, []string{
		EventExecutionStarted,
		EventAttemptStarted, EventAttemptFailed,
		EventAttemptStarted, "backend.node_started", EventAttemptFailed,
		EventAttemptStarted, "backend.node_started", EventAttemptSucceeded,
		EventExecutionSucceeded,
	}, events.types())
}

func TestExecuteAllCandidatesFail(t *testing.T) {
	g := mustDecode(t, templateDoc)
	loader := &fakeLoader{
		graphs: map[string]*workflow.Graph{"primary.json": g, "text2img_basic.json": g},
		errs: map[string]error{
			"second.json": &templates.TemplateMalformedError{Candidate: "second.json", Reason: "invalid JSON"},
		},
	}
	backend := &fakeBackend{responses: []func(context.Context, *workflow.Graph) (*comfy.Result, error){
		failWith(&comfy.ExecutionError{Message: "first"}),
		failWith(&comfy.ExecutionError{Message: "last"}),
	}}
	e := newExecutor(t, loader, backend)

	_, err := e.Execute(context.Background(), params.Parameters{})
	var failed *AllCandidatesFailedError
	require.True(t, errors.As(err, &failed))
	assert.Len(t, failed.Attempts, 4)
	assert.Len(t, failed.Errors(), 4)
	for _, a := range failed.Attempts {
		assert.False(t, a.Success)
	}

	var execErr *comfy.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "last", execErr.Message)
	assert.Contains(t, err.Error(), "after 4 attempt(s)")

	recorded, ok := e.History().Attempts(failed.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, failed.Attempts, recorded)
}

func TestExecuteTimeoutMovesToNextCandidate(t *testing.T) {
	g := mustDecode(t, templateDoc)
	loader := &fakeLoader{graphs: map[string]*workflow.Graph{"primary.json": g, "second.json": g}}
	backend := &fakeBackend{responses: []func(context.Context, *workflow.Graph) (*comfy.Result, error){
		failWith(&comfy.ExecutionError{Timeout: true, Err: context.DeadlineExceeded}),
		succeed("ok"),
	}}
	e := newExecutor(t, loader, backend)

	res, err := e.Execute(context.Background(), params.Parameters{})
	require.NoError(t, err)
	assert.Equal(t, "second.json", res.Candidate)
	assert.Len(t, res.Attempts, 2)
}

func TestExecuteStopsWhenRequestCancelled(t *testing.T) {
	g := mustDecode(t, templateDoc)
	loader := &fakeLoader{graphs: map[string]*workflow.Graph{"primary.json": g, "second.json": g}}
	ctx, cancel := context.WithCancel(context.Background())
	backend := &fakeBackend{responses: []func(context.Context, *workflow.Graph) (*comfy.Result, error){
		func(ctx context.Context, _ *workflow.Graph) (*comfy.Result, error) {
			cancel()
			return nil, &comfy.ExecutionError{Err: ctx.Err()}
		},
		succeed("never"),
	}}
	e := newExecutor(t, loader, backend)

	_, err := e.Execute(ctx, params.Parameters{})
	var failed *AllCandidatesFailedError
	require.True(t, errors.As(err, &failed))
	assert.Len(t, failed.Attempts, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, backend.submitted, 1)
}

func TestExecuteValidationFailureTriesNext(t *testing.T) {
	dangling := mustDecode(t, `{
	  "3": {"class_type": "KSampler", "inputs": {"seed": 1, "model": ["99", 0]}},
	  "9": {"class_type": "SaveImage", "inputs": {"images": ["3", 0]}}
	}`)
	noSampler := mustDecode(t, `{
	  "9": {"class_type": "SaveImage", "inputs": {"filename_prefix": "x"}}
	}`)
	loader := &fakeLoader{graphs: map[string]*workflow.Graph{
		"primary.json":      dangling,
		"second.json":       noSampler,
		"text2img_api.json": mustDecode(t, concreteDoc),
	}}
	backend := &fakeBackend{responses: []func(context.Context, *workflow.Graph) (*comfy.Result, error){succeed("ok")}}
	e := newExecutor(t, loader, backend)

	res, err := e.Execute(context.Background(), params.Parameters{})
	require.NoError(t, err)
	require.Len(t, res.Attempts, 3)
	assert.Contains(t, res.Attempts[0].Error, "99")
	assert.Contains(t, res.Attempts[1].Error, "KSampler")
	assert.Len(t, backend.submitted, 1)
}

func TestExecuteAppliesParameters(t *testing.T) {
	loader := &fakeLoader{graphs: map[string]*workflow.Graph{"primary.json": mustDecode(t, templateDoc)}}
	backend := &fakeBackend{responses: []func(context.Context, *workflow.Graph) (*comfy.Result, error){succeed("ok")}}
	e := newExecutor(t, loader, backend)

	p, err := params.FromMap(map[string]any{"prompt": "a red fox", "seed": 42, "steps": 0, "width": 9999})
	require.NoError(t, err)
	res, err := e.Execute(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, complexity.ModeHybrid, res.Mode)
	require.NotNil(t, res.Ledger)

	sent := backend.submitted[0]
	assert.EqualValues(t, 42, sent.Nodes["3"].Inputs["seed"])
	assert.EqualValues(t, 1, sent.Nodes["3"].Inputs["steps"])
	assert.EqualValues(t, 2048, sent.Nodes["5"].Inputs["width"])
	assert.Equal(t, "a red fox", sent.Nodes["6"].Inputs["text"])
	assert.Equal(t, "bad quality, worst quality, blurry, low resolution", sent.Nodes["7"].Inputs["text"])
	assert.False(t, sent.HasPlaceholders())
}

func TestExecuteDynamicModeForConcreteTemplate(t *testing.T) {
	loader := &fakeLoader{graphs: map[string]*workflow.Graph{"primary.json": mustDecode(t, concreteDoc)}}
	backend := &fakeBackend{responses: []func(context.Context, *workflow.Graph) (*comfy.Result, error){succeed("ok")}}
	e := newExecutor(t, loader, backend)

	p, err := params.FromMap(map[string]any{"prompt": "a dog"})
	require.NoError(t, err)
	res, err := e.Execute(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, complexity.ModeDynamic, res.Mode)
	assert.Nil(t, res.Ledger)
	require.NotNil(t, res.Patch)
	assert.Equal(t, "a dog", backend.submitted[0].Nodes["6"].Inputs["text"])
	assert.EqualValues(t, 1, backend.submitted[0].Nodes["3"].Inputs["seed"])
}

type fakeResolver struct {
	fn func(p params.Parameters) (params.Parameters, *matcher.Resolution, error)
}

func (r fakeResolver) ResolveParameters(_ context.Context, p params.Parameters) (params.Parameters, *matcher.Resolution, error) {
	return r.fn(p)
}

func TestExecuteResourceResolution(t *testing.T) {
	g := mustDecode(t, templateDoc)

	t.Run("unmatched model is a recorded failure", func(t *testing.T) {
		backend := &fakeBackend{}
		events := &eventLog{}
		e := newExecutor(t, &fakeLoader{graphs: map[string]*workflow.Graph{"primary.json": g}}, backend,
			WithPublisher(events),
			WithIDGenerator(func() string { return "exec-miss" }),
			WithResolver(fakeResolver{fn: func(p params.Parameters) (params.Parameters, *matcher.Resolution, error) {
				return p, &matcher.Resolution{}, &matcher.ResourceResolutionError{Kind: matcher.KindModel, Requested: "nope"}
			}}))

		_, err := e.Execute(context.Background(), params.Parameters{})
		var failed *AllCandidatesFailedError
		require.True(t, errors.As(err, &failed))
		assert.Equal(t, "exec-miss", failed.ExecutionID)
		var rerr *matcher.ResourceResolutionError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, "nope", rerr.Requested)
		assert.Empty(t, backend.submitted)

		recorded, ok := e.History().Attempts("exec-miss")
		require.True(t, ok)
		require.Len(t, recorded, 1)
		assert.Equal(t, "primary.json", recorded[0].Candidate)
		assert.False(t, recorded[0].Success)
		assert.Contains(t, recorded[0].Error, "nope")
		assert.Equal(t, recorded, failed.Attempts)
		assert.Len(t, failed.Errors(), 1)

		stats := e.History().Stats()
		assert.Equal(t, 1, stats.FailedExecutions)
		assert.Equal(t, 1, stats.TotalAttempts)

		assert.Equal(t, []string{
			EventExecutionStarted,
			EventAttemptStarted, EventAttemptFailed,
			EventExecutionFailed,
		}, events.types())
	})

	t.Run("resolved names reach the backend", func(t *testing.T) {
		backend := &fakeBackend{responses: []func(context.Context, *workflow.Graph) (*comfy.Result, error){succeed("ok")}}
		e := newExecutor(t, &fakeLoader{graphs: map[string]*workflow.Graph{"primary.json": g}}, backend,
			WithResolver(fakeResolver{fn: func(p params.Parameters) (params.Parameters, *matcher.Resolution, error) {
				p.Model = "epicrealism_v5.safetensors"
				return p, &matcher.Resolution{Warnings: []*matcher.ResourceResolutionError{
					{Kind: matcher.KindVAE, Requested: "odd"},
				}}, nil
			}}))

		res, err := e.Execute(context.Background(), params.Parameters{})
		require.NoError(t, err)
		assert.Equal(t, "epicrealism_v5.safetensors", backend.submitted[0].Nodes["4"].Inputs["ckpt_name"])
		require.NotEmpty(t, res.Warnings)
		assert.Contains(t, res.Warnings[0], "odd")
	})

	t.Run("catalog outage is a warning", func(t *testing.T) {
		backend := &fakeBackend{responses: []func(context.Context, *workflow.Graph) (*comfy.Result, error){succeed("ok")}}
		e := newExecutor(t, &fakeLoader{graphs: map[string]*workflow.Graph{"primary.json": g}}, backend,
			WithResolver(fakeResolver{fn: func(p params.Parameters) (params.Parameters, *matcher.Resolution, error) {
				return p, &matcher.Resolution{}, fmt.Errorf("list model catalog: %w", errors.New("connection refused"))
			}}))

		res, err := e.Execute(context.Background(), params.Parameters{})
		require.NoError(t, err)
		assert.Contains(t, res.Warnings[0], "connection refused")
	})
}

func TestIsRecoverable(t *testing.T) {
	live := context.Background()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"load", &templates.TemplateLoadError{Err: templates.ErrTemplateNotFound}, true},
		{"malformed", &templates.TemplateMalformedError{Reason: "bad"}, true},
		{"validation", &templates.ValidationError{}, true},
		{"execution", &comfy.ExecutionError{Message: "boom"}, true},
		{"attempt timeout", &comfy.ExecutionError{Timeout: true, Err: context.DeadlineExceeded}, true},
		{"attempt deadline without flag", &comfy.ExecutionError{Message: "submit prompt", Err: context.DeadlineExceeded}, true},
		{"cancelled", &comfy.ExecutionError{Err: context.Canceled}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRecoverable(live, tt.err))
		})
	}

	t.Run("request done", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()
		assert.False(t, IsRecoverable(ctx, &comfy.ExecutionError{Timeout: true, Err: context.DeadlineExceeded}))
		assert.False(t, IsRecoverable(ctx, fmt.Errorf("load: %w", context.DeadlineExceeded)))
	})
}

func TestProcessDoesNotMutateTemplate(t *testing.T) {
	g := mustDecode(t, templateDoc)
	e := newExecutor(t, &fakeLoader{}, &fakeBackend{})
	p := params.Merge(params.Parameters{}, params.StockDefaults())

	out, err := e.Process(g, p)
	require.NoError(t, err)
	assert.NotSame(t, g, out.Graph)
	assert.True(t, g.HasPlaceholders())
	assert.False(t, out.Graph.HasPlaceholders())
}
