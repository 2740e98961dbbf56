// Package httpapi exposes the generation engine over HTTP: synchronous and
// asynchronous generation, analysis, resource matching, execution history and
// live event streams.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/auth"
	"github.com/Kocoro-lab/comfyflow/internal/complexity"
	"github.com/Kocoro-lab/comfyflow/internal/fallback"
	"github.com/Kocoro-lab/comfyflow/internal/matcher"
	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/streaming"
	"github.com/Kocoro-lab/comfyflow/internal/templates"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

const maxBodyBytes = 4 << 20

// Executor runs generation requests.
type Executor interface {
	ExecuteWithID(ctx context.Context, executionID string, p params.Parameters) (*fallback.Result, error)
	Analyze(g *workflow.Graph, p params.Parameters) (complexity.Report, complexity.Mode)
	Candidates(p params.Parameters) []string
	History() *fallback.History
}

// ResourceMatcher resolves a resource name against the live catalog.
type ResourceMatcher interface {
	Match(ctx context.Context, kind matcher.Kind, name string) (matcher.Result, error)
}

// TemplateStore lists and loads workflow templates.
type TemplateStore interface {
	List() []templates.TemplateSummary
	Load(ctx context.Context, candidate string) (*workflow.Graph, error)
}

// Config tunes the API handler.
type Config struct {
	// HistoryMaxAge is the purge age used when the request names none.
	HistoryMaxAge time.Duration
	// AttemptTimeout is the time one candidate may take. An asynchronous
	// execution is bounded by it times the request's candidate count; zero
	// means no bound.
	AttemptTimeout time.Duration
}

// Handler serves the /v1 and /stream routes.
type Handler struct {
	cfg       Config
	executor  Executor
	matcher   ResourceMatcher
	store     TemplateStore
	streams   *streaming.Manager
	auth      *auth.Middleware
	logger    *zap.Logger
	baseCtx   context.Context
	now       func() time.Time
	mux       *http.ServeMux
	handler   http.Handler
	inflight  sync.WaitGroup
	newExecID func() string
}

// Option configures a Handler.
type Option func(*Handler)

// WithAuth protects every route with m.
func WithAuth(m *auth.Middleware) Option { return func(h *Handler) { h.auth = m } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(h *Handler) { h.logger = l } }

// WithBaseContext sets the parent context of asynchronous executions.
func WithBaseContext(ctx context.Context) Option { return func(h *Handler) { h.baseCtx = ctx } }

// WithClock overrides the time source used by purge.
func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

// NewHandler builds the API handler.
func NewHandler(cfg Config, executor Executor, resources ResourceMatcher, store TemplateStore, streams *streaming.Manager, opts ...Option) *Handler {
	h := &Handler{
		cfg:       cfg,
		executor:  executor,
		matcher:   resources,
		store:     store,
		streams:   streams,
		logger:    zap.NewNop(),
		baseCtx:   context.Background(),
		now:       time.Now,
		mux:       http.NewServeMux(),
		newExecID: func() string { return "exec_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cfg.HistoryMaxAge <= 0 {
		h.cfg.HistoryMaxAge = 24 * time.Hour
	}
	if h.auth == nil {
		h.auth = auth.NewMiddleware(nil, true, h.logger)
	}

	h.route("POST /v1/generate", auth.ScopeWorkflowsExecute, h.handleGenerate)
	h.route("POST /v1/analyze", auth.ScopeWorkflowsRead, h.handleAnalyze)
	h.route("POST /v1/match", auth.ScopeWorkflowsRead, h.handleMatch)
	h.route("GET /v1/executions/{id}", auth.ScopeWorkflowsRead, h.handleExecution)
	h.route("GET /v1/stats", auth.ScopeWorkflowsRead, h.handleStats)
	h.route("POST /v1/history/purge", auth.ScopeHistoryManage, h.handlePurge)
	h.route("GET /v1/templates", auth.ScopeWorkflowsRead, h.handleTemplates)
	h.route("GET /stream/sse", auth.ScopeWorkflowsRead, h.handleSSE)
	h.route("GET /stream/ws", auth.ScopeWorkflowsRead, h.handleWS)

	h.handler = h.auth.HTTPMiddleware(h.mux)
	return h
}

func (h *Handler) route(pattern, scope string, fn http.HandlerFunc) {
	h.mux.Handle(pattern, instrument(pattern, auth.RequireScope(scope, fn)))
}

// RegisterRoutes mounts the API on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/v1/", h)
	mux.Handle("/stream/", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// Wait blocks until every asynchronous execution has returned.
func (h *Handler) Wait() { h.inflight.Wait() }

type generateResponse struct {
	ExecutionID string                   `json:"execution_id"`
	Error       string                   `json:"error,omitempty"`
	Errors      []string                 `json:"errors,omitempty"`
	Attempts    []fallback.AttemptRecord `json:"attempts,omitempty"`
	StreamURL   string                   `json:"stream_url,omitempty"`
}

// handleGenerate runs a generation request.
// POST /v1/generate[?async=true] with a parameter map body.
func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := params.FromMap(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	executionID := h.newExecID()

	if r.URL.Query().Get("async") == "true" {
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			ctx, cancel := h.asyncContext(p)
			defer cancel()
			if _, err := h.executor.ExecuteWithID(ctx, executionID, p); err != nil {
				h.logger.Warn("Asynchronous execution failed", zap.String("execution_id", executionID), zap.Error(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, generateResponse{
			ExecutionID: executionID,
			StreamURL:   "/stream/sse?execution_id=" + executionID,
		})
		return
	}

	res, err := h.executor.ExecuteWithID(r.Context(), executionID, p)
	if err != nil {
		h.writeExecutionError(w, executionID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) asyncContext(p params.Parameters) (context.Context, context.CancelFunc) {
	if h.cfg.AttemptTimeout > 0 {
		n := len(h.executor.Candidates(p))
		if n < 1 {
			n = 1
		}
		return context.WithTimeout(h.baseCtx, h.cfg.AttemptTimeout*time.Duration(n))
	}
	return context.WithCancel(h.baseCtx)
}

func (h *Handler) writeExecutionError(w http.ResponseWriter, executionID string, err error) {
	resp := generateResponse{ExecutionID: executionID, Error: err.Error()}

	var failed *fallback.AllCandidatesFailedError
	if errors.As(err, &failed) {
		resp.Attempts = failed.Attempts
		for _, e := range failed.Errors() {
			resp.Errors = append(resp.Errors, e.Error())
		}
	}
	var unresolved *matcher.ResourceResolutionError
	switch {
	case errors.As(err, &unresolved):
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case failed != nil:
		writeJSON(w, http.StatusBadGateway, resp)
	case errors.Is(err, fallback.ErrNoCandidates):
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, resp)
	default:
		h.logger.Error("Generation failed", zap.String("execution_id", executionID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, resp)
	}
}

type analyzeRequest struct {
	// Workflow is either a template name or an inline workflow document.
	Workflow json.RawMessage `json:"workflow"`
	Params   map[string]any  `json:"params"`
}

type analyzeResponse struct {
	Complexity complexity.Report `json:"complexity"`
	Mode       complexity.Mode   `json:"mode"`
	Candidates []string          `json:"candidates"`
}

// handleAnalyze reports complexity and the processing mode for a workflow.
func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := params.FromMap(req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := h.resolveWorkflow(r.Context(), req.Workflow)
	if err != nil {
		code := http.StatusBadRequest
		var loadErr *templates.TemplateLoadError
		if errors.As(err, &loadErr) {
			code = http.StatusNotFound
		}
		writeError(w, code, err.Error())
		return
	}
	report, mode := h.executor.Analyze(g, p)
	writeJSON(w, http.StatusOK, analyzeResponse{
		Complexity: report,
		Mode:       mode,
		Candidates: h.executor.Candidates(p),
	})
}

func (h *Handler) resolveWorkflow(ctx context.Context, raw json.RawMessage) (*workflow.Graph, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("workflow is required")
	}
	if raw[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, fmt.Errorf("invalid workflow name: %w", err)
		}
		return h.store.Load(ctx, fallback.Normalize(name))
	}
	return workflow.Decode(raw)
}

type matchRequest struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// handleMatch resolves one resource name against the backend catalog.
func (h *Handler) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, ok := matcher.ParseKind(req.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown resource kind %q", req.Kind))
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	res, err := h.matcher.Match(r.Context(), kind, req.Name)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	attempts, ok := h.executor.History().Attempts(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": id,
		"attempts":     attempts,
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.executor.History().Stats())
}

// handlePurge drops executions older than max_age along with their replay
// buffers. POST /v1/history/purge?max_age=24h
func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	maxAge := h.cfg.HistoryMaxAge
	if s := r.URL.Query().Get("max_age"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid max_age %q", s))
			return
		}
		maxAge = d
	}
	ids := h.executor.History().PurgeBefore(h.now().Add(-maxAge))
	if h.streams != nil {
		h.streams.Forget(ids...)
	}
	h.logger.Info("Purged execution history", zap.Int("purged", len(ids)), zap.Duration("max_age", maxAge))
	writeJSON(w, http.StatusOK, map[string]any{
		"purged":        len(ids),
		"execution_ids": ids,
		"max_age":       maxAge.String(),
	})
}

func (h *Handler) handleTemplates(w http.ResponseWriter, r *http.Request) {
	list := h.store.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"templates": list,
		"count":     len(list),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
