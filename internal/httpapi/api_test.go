package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/comfyflow/internal/auth"
	"github.com/Kocoro-lab/comfyflow/internal/comfy"
	"github.com/Kocoro-lab/comfyflow/internal/complexity"
	"github.com/Kocoro-lab/comfyflow/internal/fallback"
	"github.com/Kocoro-lab/comfyflow/internal/matcher"
	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/streaming"
	"github.com/Kocoro-lab/comfyflow/internal/templates"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

type fakeExecutor struct {
	history    *fallback.History
	streams    *streaming.Manager
	err        error
	candidates []string

	mu        sync.Mutex
	got       []params.Parameters
	deadlines []time.Duration
}

func (f *fakeExecutor) ExecuteWithID(ctx context.Context, id string, p params.Parameters) (*fallback.Result, error) {
	f.mu.Lock()
	f.got = append(f.got, p)
	if deadline, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, time.Until(deadline))
	}
	f.mu.Unlock()

	f.streams.Publish(id, streaming.Event{Type: fallback.EventExecutionStarted})
	rec := fallback.AttemptRecord{ExecutionID: id, Candidate: "a.json", Attempt: 1, Success: f.err == nil}
	if f.err != nil {
		rec.Error = f.err.Error()
	}
	f.history.Append(rec)
	if f.err != nil {
		f.streams.Publish(id, streaming.Event{Type: fallback.EventExecutionFailed})
		return nil, f.err
	}
	f.streams.Publish(id, streaming.Event{Type: fallback.EventExecutionSucceeded})
	return &fallback.Result{
		ExecutionID: id,
		Candidate:   "a.json",
		Mode:        complexity.ModeDynamic,
		Result:      &comfy.Result{PromptID: "p1"},
		Attempts:    []fallback.AttemptRecord{rec},
	}, nil
}

func (f *fakeExecutor) Analyze(g *workflow.Graph, p params.Parameters) (complexity.Report, complexity.Mode) {
	return complexity.Analyze(g), complexity.ModeHybrid
}

func (f *fakeExecutor) Candidates(p params.Parameters) []string {
	if f.candidates != nil {
		return f.candidates
	}
	return []string{"text2img_api.json"}
}

func (f *fakeExecutor) History() *fallback.History { return f.history }

func (f *fakeExecutor) calls() []params.Parameters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]params.Parameters(nil), f.got...)
}

type fakeMatcher struct{ err error }

func (f fakeMatcher) Match(_ context.Context, kind matcher.Kind, name string) (matcher.Result, error) {
	if f.err != nil {
		return matcher.Result{}, f.err
	}
	return matcher.Result{Kind: kind, Requested: name, Match: name + ".safetensors", Matched: true, Score: 90}, nil
}

type fakeStore struct{}

func (fakeStore) List() []templates.TemplateSummary {
	return []templates.TemplateSummary{{Name: "text2img_api.json", Nodes: 2}}
}

func (fakeStore) Load(_ context.Context, name string) (*workflow.Graph, error) {
	if name != "text2img_api.json" {
		return nil, &templates.TemplateLoadError{Candidate: name, Err: templates.ErrTemplateNotFound}
	}
	return workflow.Decode([]byte(`{"1":{"class_type":"KSampler","inputs":{"seed":1}}}`))
}

type testEnv struct {
	exec    *fakeExecutor
	streams *streaming.Manager
	handler *Handler
	server  *httptest.Server
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	return newTestEnvConfig(t, Config{}, opts...)
}

func newTestEnvConfig(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	streams := streaming.NewManager(16, logger)
	exec := &fakeExecutor{history: fallback.NewHistory(), streams: streams}
	opts = append([]Option{WithLogger(logger)}, opts...)
	h := NewHandler(cfg, exec, fakeMatcher{}, fakeStore{}, streams, opts...)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{exec: exec, streams: streams, handler: h, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestGenerate(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/v1/generate", map[string]any{"prompt": "a cat", "steps": "30"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a.json", body["candidate"])
	assert.True(t, strings.HasPrefix(body["execution_id"].(string), "exec_"))

	calls := env.exec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "a cat", calls[0].Prompt)
	assert.Equal(t, 30, calls[0].Steps)
}

func TestGenerateErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"all failed", &fallback.AllCandidatesFailedError{ExecutionID: "x", LastErr: errors.New("boom")}, http.StatusBadGateway},
		{"unresolved model", &matcher.ResourceResolutionError{Kind: matcher.KindModel, Requested: "nope"}, http.StatusUnprocessableEntity},
		{"unresolved model after attempt", &fallback.AllCandidatesFailedError{
			ExecutionID: "x",
			Attempts:    []fallback.AttemptRecord{{ExecutionID: "x", Candidate: "a.json", Attempt: 1}},
			LastErr:     &matcher.ResourceResolutionError{Kind: matcher.KindModel, Requested: "nope"},
		}, http.StatusUnprocessableEntity},
		{"no candidates", fallback.ErrNoCandidates, http.StatusBadRequest},
		{"other", errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.exec.err = tc.err
			resp, body := env.do(t, http.MethodPost, "/v1/generate", map[string]any{})
			assert.Equal(t, tc.code, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}

	t.Run("bad body", func(t *testing.T) {
		env := newTestEnv(t)
		resp, _ := env.do(t, http.MethodPost, "/v1/generate", []int{1})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp, _ = env.do(t, http.MethodPost, "/v1/generate", map[string]any{"steps": "many"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestGenerateUnresolvedModelReportsAttempts(t *testing.T) {
	env := newTestEnv(t)
	env.exec.err = &fallback.AllCandidatesFailedError{
		ExecutionID: "x",
		Attempts:    []fallback.AttemptRecord{{ExecutionID: "x", Candidate: "a.json", Attempt: 1, Error: "no model matches nope"}},
		LastErr:     &matcher.ResourceResolutionError{Kind: matcher.KindModel, Requested: "nope"},
	}
	resp, body := env.do(t, http.MethodPost, "/v1/generate", map[string]any{"model": "nope"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	attempts, ok := body["attempts"].([]any)
	require.True(t, ok)
	assert.Len(t, attempts, 1)
}

func TestGenerateAsyncDeadlineScalesWithCandidates(t *testing.T) {
	env := newTestEnvConfig(t, Config{AttemptTimeout: time.Minute})
	env.exec.candidates = []string{"a.json", "b.json", "c.json"}

	resp, _ := env.do(t, http.MethodPost, "/v1/generate?async=true", map[string]any{"prompt": "x"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.handler.Wait()

	env.exec.mu.Lock()
	defer env.exec.mu.Unlock()
	require.Len(t, env.exec.deadlines, 1)
	assert.Greater(t, env.exec.deadlines[0], 2*time.Minute)
	assert.LessOrEqual(t, env.exec.deadlines[0], 3*time.Minute)
}

func TestGenerateAsyncAndStream(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/v1/generate?async=true", map[string]any{"prompt": "x"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["execution_id"].(string)
	assert.Equal(t, "/stream/sse?execution_id="+id, body["stream_url"])
	env.handler.Wait()

	attempts, ok := env.exec.history.Attempts(id)
	require.True(t, ok)
	assert.Len(t, attempts, 1)

	// the execution already finished, so replay from the start ends the stream
	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/stream/sse?execution_id="+id+"&last_event_id=0", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	sse, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer sse.Body.Close()
	assert.Equal(t, "text/event-stream", sse.Header.Get("Content-Type"))

	raw, err := io.ReadAll(sse.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.NotContains(t, text, "id: 1\n")
	assert.Contains(t, text, "id: 2\nevent: execution_succeeded\n")
}

func TestSSELiveEvents(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/stream/sse?execution_id=live&types=attempt_failed,execution_failed")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected to execution live\n", line)

	env.streams.Publish("live", streaming.Event{Type: fallback.EventAttemptStarted})
	env.streams.Publish("live", streaming.Event{Type: fallback.EventAttemptFailed, Message: "boom"})
	env.streams.Publish("live", streaming.Event{Type: fallback.EventExecutionFailed})

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	text := string(rest)
	assert.NotContains(t, text, "attempt_started")
	assert.Contains(t, text, "id: 2\nevent: attempt_failed\n")
	assert.Contains(t, text, "event: execution_failed")
}

func TestSSERequiresExecutionID(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/stream/sse", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketStream(t *testing.T) {
	env := newTestEnv(t)
	env.streams.Publish("ws", streaming.Event{Type: fallback.EventExecutionStarted})
	env.streams.Publish("ws", streaming.Event{Type: fallback.EventExecutionSucceeded})

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/stream/ws?execution_id=ws&last_event_id=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var evt streaming.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, fallback.EventExecutionSucceeded, evt.Type)
	assert.Equal(t, uint64(2), evt.Seq)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestAnalyze(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/v1/analyze", map[string]any{"workflow": "text2img_api"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hybrid", body["mode"])
	assert.Equal(t, float64(1), body["complexity"].(map[string]any)["node_count"])

	inline := map[string]any{"1": map[string]any{"class_type": "SaveImage", "inputs": map[string]any{}}}
	resp, _ = env.do(t, http.MethodPost, "/v1/analyze", map[string]any{"workflow": inline})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/analyze", map[string]any{"workflow": "missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/analyze", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMatch(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/v1/match", matchRequest{Kind: "model", Name: "dream"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dream.safetensors", body["match"])

	resp, _ = env.do(t, http.MethodPost, "/v1/match", matchRequest{Kind: "widget", Name: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = env.do(t, http.MethodPost, "/v1/match", matchRequest{Kind: "lora"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryRoutes(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, WithClock(func() time.Time { return now }))
	h := env.exec.history
	h.Append(fallback.AttemptRecord{ExecutionID: "old", Candidate: "a.json", Attempt: 1, Success: true, Timestamp: now.Add(-48 * time.Hour)})
	h.Append(fallback.AttemptRecord{ExecutionID: "new", Candidate: "a.json", Attempt: 1, Timestamp: now.Add(-time.Hour)})
	env.streams.Publish("old", streaming.Event{Type: "x"})

	resp, body := env.do(t, http.MethodGet, "/v1/executions/old", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["attempts"], 1)

	resp, _ = env.do(t, http.MethodGet, "/v1/executions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total_executions"])

	resp, _ = env.do(t, http.MethodPost, "/v1/history/purge?max_age=soon", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/v1/history/purge?max_age=24h", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["purged"])
	assert.Equal(t, []any{"old"}, body["execution_ids"])
	assert.Empty(t, env.streams.ReplaySince("old", 0))
	assert.Equal(t, 1, h.Len())
}

func TestTemplates(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/v1/templates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestAuthScopes(t *testing.T) {
	jwtm := auth.NewJWTManager("secret", "", time.Minute)
	env := newTestEnv(t, WithAuth(auth.NewMiddleware(jwtm, false, zaptest.NewLogger(t))))
	userToken, err := jwtm.GenerateAccessToken("u1", "", auth.RoleUser)
	require.NoError(t, err)

	call := func(method, path, token string) int {
		req, err := http.NewRequest(method, env.server.URL+path, strings.NewReader("{}"))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/v1/stats", ""))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/v1/stats", userToken))
	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "/v1/history/purge", userToken))
}
