// Package fallback executes a generation request by trying workflow
// templates in priority order until one of them runs on the backend.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/comfy"
	"github.com/Kocoro-lab/comfyflow/internal/complexity"
	"github.com/Kocoro-lab/comfyflow/internal/matcher"
	"github.com/Kocoro-lab/comfyflow/internal/metrics"
	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/patcher"
	"github.com/Kocoro-lab/comfyflow/internal/placeholder"
	"github.com/Kocoro-lab/comfyflow/internal/streaming"
	"github.com/Kocoro-lab/comfyflow/internal/templates"
	"github.com/Kocoro-lab/comfyflow/internal/templating"
	"github.com/Kocoro-lab/comfyflow/internal/tracing"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// Event types published for an execution.
const (
	EventExecutionStarted   = "execution_started"
	EventAttemptStarted     = "attempt_started"
	EventAttemptFailed      = "attempt_failed"
	EventAttemptSucceeded   = "attempt_succeeded"
	EventExecutionFailed    = "execution_failed"
	EventExecutionSucceeded = "execution_succeeded"
)

// Loader returns the graph of a candidate template.
type Loader interface {
	Load(ctx context.Context, candidate string) (*workflow.Graph, error)
}

// Backend runs a processed graph to completion.
type Backend interface {
	Execute(ctx context.Context, g *workflow.Graph, sink comfy.EventSink) (*comfy.Result, error)
}

// Publisher receives execution lifecycle events.
type Publisher interface {
	Publish(executionID string, evt streaming.Event)
}

// ParameterResolver maps requested resource names to catalog entries.
type ParameterResolver interface {
	ResolveParameters(ctx context.Context, p params.Parameters) (params.Parameters, *matcher.Resolution, error)
}

// Config is the executor configuration.
type Config struct {
	Primary    string
	Fallbacks  []string
	Defaults   params.Defaults
	Thresholds complexity.Thresholds
}

// Result is the outcome of a successful execution.
type Result struct {
	ExecutionID   string             `json:"execution_id"`
	Candidate     string             `json:"candidate"`
	Mode          complexity.Mode    `json:"mode"`
	Complexity    complexity.Report  `json:"complexity"`
	Result        *comfy.Result      `json:"result"`
	Attempts      []AttemptRecord    `json:"attempts"`
	TotalDuration time.Duration      `json:"-"`
	TotalMS       int64              `json:"total_duration_ms"`
	Ledger        *templating.Ledger `json:"ledger,omitempty"`
	Patch         *patcher.Report    `json:"patch,omitempty"`
	Warnings      []string           `json:"warnings,omitempty"`
}

// Executor is the fallback state machine. Candidates are tried one at a
// time; at most one submission succeeds per call.
type Executor struct {
	candidates *CandidateBuilder
	defaults   params.Defaults
	loader     Loader
	backend    Backend
	processor  *templating.Processor
	patcher    *patcher.Patcher
	selector   *complexity.Selector
	validator  *templates.Validator
	resolver   ParameterResolver
	publisher  Publisher
	history    *History
	logger     *zap.Logger
	newID      func() string
	now        func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithProcessor sets the template processor.
func WithProcessor(p *templating.Processor) Option { return func(e *Executor) { e.processor = p } }

// WithPatcher sets the dynamic patcher.
func WithPatcher(p *patcher.Patcher) Option { return func(e *Executor) { e.patcher = p } }

// WithValidator sets the structural validator.
func WithValidator(v *templates.Validator) Option { return func(e *Executor) { e.validator = v } }

// WithResolver enables resource name resolution against the backend catalog.
func WithResolver(r ParameterResolver) Option { return func(e *Executor) { e.resolver = r } }

// WithPublisher forwards lifecycle events.
func WithPublisher(p Publisher) Option { return func(e *Executor) { e.publisher = p } }

// WithHistory shares an attempt history between executors.
func WithHistory(h *History) Option { return func(e *Executor) { e.history = h } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithIDGenerator replaces the execution id generator.
func WithIDGenerator(fn func() string) Option { return func(e *Executor) { e.newID = fn } }

// WithClock replaces the clock used for durations.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// NewExecutor creates an executor loading candidates from loader and running
// them on backend.
func NewExecutor(cfg Config, loader Loader, backend Backend, opts ...Option) *Executor {
	e := &Executor{
		candidates: NewCandidateBuilder(cfg.Primary, cfg.Fallbacks),
		defaults:   cfg.Defaults,
		loader:     loader,
		backend:    backend,
		newID:      func() string { return "exec_" + uuid.NewString() },
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.processor == nil {
		e.processor = templating.NewProcessor(placeholder.NewResolver(cfg.Defaults), templating.WithLogger(e.logger))
	}
	if e.patcher == nil {
		e.patcher = patcher.New(e.logger)
	}
	if e.selector == nil {
		th := cfg.Thresholds
		if th == (complexity.Thresholds{}) {
			th = complexity.DefaultThresholds()
		}
		e.selector = complexity.NewSelector(th, e.logger)
	}
	if e.validator == nil {
		e.validator = templates.NewValidator(templates.DefaultValidatorConfig())
	}
	if e.history == nil {
		e.history = NewHistory()
	}
	return e
}

// History returns the attempt history.
func (e *Executor) History() *History { return e.history }

// Candidates returns the candidate list a request would try.
func (e *Executor) Candidates(p params.Parameters) []string { return e.candidates.Build(p) }

// Prepare merges p with the configured defaults and resolves resource names.
// An unmatched checkpoint is returned as an error; a catalog that cannot be
// fetched leaves the names as requested.
func (e *Executor) Prepare(ctx context.Context, p params.Parameters) (params.Parameters, []string, error) {
	merged := params.Merge(p, e.defaults)
	if e.resolver == nil {
		return merged, nil, nil
	}
	resolved, res, err := e.resolver.ResolveParameters(ctx, merged)
	var rerr *matcher.ResourceResolutionError
	switch {
	case errors.As(err, &rerr):
		return merged, nil, err
	case err != nil:
		e.logger.Warn("Resource resolution unavailable, using requested names", zap.Error(err))
		return merged, []string{"resource resolution skipped: " + err.Error()}, nil
	}
	return resolved, res.WarningMessages(), nil
}

// Execute runs p through the candidate list. Every attempt starts from a
// fresh copy of its template. The returned error is an
// *AllCandidatesFailedError unless there were no candidates.
func (e *Executor) Execute(ctx context.Context, p params.Parameters) (*Result, error) {
	return e.ExecuteWithID(ctx, e.newID(), p)
}

// ExecuteWithID is Execute with a caller chosen execution id, so a client can
// subscribe to its events before the call starts.
func (e *Executor) ExecuteWithID(ctx context.Context, executionID string, p params.Parameters) (*Result, error) {
	start := e.now()
	ctx, span := tracing.StartSpan(ctx, "fallback.execute", attribute.String("execution.id", executionID))
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	candidates := e.candidates.Build(p)
	logger := e.logger.With(zap.String("execution_id", executionID))
	logger.Info("Starting execution", zap.Strings("candidates", candidates))
	metrics.GenerationsStarted.WithLabelValues("fallback").Inc()
	e.publish(executionID, streaming.Event{
		Type: EventExecutionStarted,
		Data: map[string]any{"candidates": candidates},
	})

	if len(candidates) == 0 {
		err = ErrNoCandidates
		e.fail(executionID, start, err)
		return nil, err
	}

	merged, warnings, err := e.Prepare(ctx, p)
	if err != nil {
		// an unresolvable resource fails every candidate alike, so it is
		// recorded once against the first
		candidate := candidates[0]
		e.publish(executionID, streaming.Event{Type: EventAttemptStarted, Candidate: candidate, Attempt: 1})
		e.history.Append(AttemptRecord{
			ExecutionID: executionID,
			Candidate:   candidate,
			Attempt:     1,
			Success:     false,
			Duration:    e.now().Sub(start),
			Error:       err.Error(),
			Timestamp:   start,
		})
		metrics.FallbackAttempts.WithLabelValues(candidate, "failure").Inc()
		logger.Warn("Resource resolution failed", zap.String("candidate", candidate), zap.Error(err))
		e.publish(executionID, streaming.Event{
			Type:      EventAttemptFailed,
			Candidate: candidate,
			Attempt:   1,
			Message:   err.Error(),
		})
		attempts, _ := e.history.Attempts(executionID)
		err = &AllCandidatesFailedError{
			ExecutionID: executionID,
			Attempts:    attempts,
			LastErr:     err,
			all:         multierr.Append(nil, fmt.Errorf("%s: %w", candidate, err)),
		}
		e.fail(executionID, start, err)
		return nil, err
	}

	var all error
	var lastErr error
	for i, candidate := range candidates {
		if cerr := ctx.Err(); cerr != nil {
			lastErr = cerr
			all = multierr.Append(all, cerr)
			break
		}
		attempt := i + 1
		attemptStart := e.now()
		e.publish(executionID, streaming.Event{Type: EventAttemptStarted, Candidate: candidate, Attempt: attempt})
		logger.Info("Attempting workflow", zap.String("candidate", candidate), zap.Int("attempt", attempt))

		out, aerr := e.attempt(ctx, executionID, attempt, candidate, merged)
		elapsed := e.now().Sub(attemptStart)
		rec := AttemptRecord{
			ExecutionID: executionID,
			Candidate:   candidate,
			Attempt:     attempt,
			Mode:        out.mode,
			Success:     aerr == nil,
			Duration:    elapsed,
			Timestamp:   attemptStart,
		}

		if aerr == nil {
			e.history.Append(rec)
			metrics.FallbackAttempts.WithLabelValues(candidate, "success").Inc()
			e.publish(executionID, streaming.Event{
				Type:      EventAttemptSucceeded,
				Candidate: candidate,
				Attempt:   attempt,
				Data:      map[string]any{"mode": string(out.mode), "duration_ms": elapsed.Milliseconds()},
			})
			total := e.now().Sub(start)
			logger.Info("Workflow succeeded",
				zap.String("candidate", candidate),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", elapsed),
				zap.Duration("total", total),
			)
			metrics.RecordGeneration(string(out.mode), "success", total.Seconds())

			attempts, _ := e.history.Attempts(executionID)
			res := &Result{
				ExecutionID:   executionID,
				Candidate:     candidate,
				Mode:          out.mode,
				Complexity:    out.report,
				Result:        out.result,
				Attempts:      attempts,
				TotalDuration: total,
				TotalMS:       total.Milliseconds(),
				Ledger:        out.ledger,
				Patch:         out.patch,
				Warnings:      append(warnings, out.warnings...),
			}
			e.publish(executionID, streaming.Event{
				Type:      EventExecutionSucceeded,
				Candidate: candidate,
				Attempt:   attempt,
				Data:      map[string]any{"images": len(out.result.Images), "total_duration_ms": total.Milliseconds()},
			})
			return res, nil
		}

		rec.Error = aerr.Error()
		e.history.Append(rec)
		lastErr = aerr
		all = multierr.Append(all, fmt.Errorf("%s: %w", candidate, aerr))
		metrics.FallbackAttempts.WithLabelValues(candidate, "failure").Inc()
		logger.Warn("Workflow attempt failed",
			zap.String("candidate", candidate),
			zap.Int("attempt", attempt),
			zap.Duration("elapsed", elapsed),
			zap.Error(aerr),
		)
		e.publish(executionID, streaming.Event{
			Type:      EventAttemptFailed,
			Candidate: candidate,
			Attempt:   attempt,
			Message:   aerr.Error(),
		})
		if !IsRecoverable(ctx, aerr) {
			break
		}
	}

	attempts, _ := e.history.Attempts(executionID)
	err = &AllCandidatesFailedError{
		ExecutionID: executionID,
		Attempts:    attempts,
		LastErr:     lastErr,
		all:         all,
	}
	e.fail(executionID, start, err)
	return nil, err
}

func (e *Executor) fail(executionID string, start time.Time, err error) {
	total := e.now().Sub(start)
	e.logger.Error("Execution failed",
		zap.String("execution_id", executionID),
		zap.Duration("total", total),
		zap.Error(err),
	)
	metrics.RecordGeneration("none", "failure", total.Seconds())
	e.publish(executionID, streaming.Event{Type: EventExecutionFailed, Message: err.Error()})
}

type outcome struct {
	mode     complexity.Mode
	report   complexity.Report
	ledger   *templating.Ledger
	patch    *patcher.Report
	result   *comfy.Result
	warnings []string
}

// attempt runs one candidate: load, validate, process, validate, submit.
func (e *Executor) attempt(ctx context.Context, executionID string, n int, candidate string, p params.Parameters) (outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "fallback.attempt",
		attribute.String("candidate", candidate),
		attribute.Int("attempt", n),
	)
	var out outcome
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	g, err := e.loader.Load(ctx, candidate)
	if err != nil {
		return out, err
	}
	if report := e.validator.ValidateStructure(g); !report.Valid() {
		err = report.Err()
		return out, err
	}

	processed, err := e.Process(g, p)
	if err != nil {
		return out, err
	}
	out.mode, out.report = processed.Mode, processed.Complexity
	out.ledger, out.patch = processed.Ledger, processed.Patch
	span.SetAttributes(attribute.String("mode", string(out.mode)))

	report := e.validator.ValidateProcessed(processed.Graph)
	if !report.Valid() {
		err = report.Err()
		return out, err
	}
	out.warnings = append(out.warnings, report.WarningMessages()...)
	if out.ledger != nil {
		for _, u := range out.ledger.Unresolved {
			out.warnings = append(out.warnings, fmt.Sprintf("unresolved placeholder %s on node %s", u.Placeholder, u.NodeID))
		}
	}

	sink := comfy.EventSinkFunc(func(ev comfy.Event) {
		data := map[string]any{}
		if ev.PromptID != "" {
			data["prompt_id"] = ev.PromptID
		}
		if ev.NodeID != "" {
			data["node_id"] = ev.NodeID
		}
		if ev.Max > 0 || ev.Value > 0 {
			data["value"] = ev.Value
			data["max"] = ev.Max
		}
		e.publish(executionID, streaming.Event{
			Type:      "backend." + string(ev.Type),
			Candidate: candidate,
			Attempt:   n,
			Data:      data,
		})
	})
	out.result, err = e.backend.Execute(ctx, processed.Graph, sink)
	if err != nil {
		return out, err
	}
	return out, nil
}

// Processed is a candidate graph after mode selection and processing.
type Processed struct {
	Graph      *workflow.Graph
	Mode       complexity.Mode
	Complexity complexity.Report
	Ledger     *templating.Ledger
	Patch      *patcher.Report
}

// Process chooses a mode for g and applies it to a copy: the template pass,
// the dynamic patch pass, or the template pass followed by the patch pass.
// g is not modified.
func (e *Executor) Process(g *workflow.Graph, p params.Parameters) (*Processed, error) {
	report, mode := e.selector.Choose(g, p)
	out := &Processed{Mode: mode, Complexity: report}

	switch mode {
	case complexity.ModeTemplate:
		rendered, ledger, err := e.processor.Render(g, p)
		if err != nil {
			return nil, err
		}
		out.Graph, out.Ledger = rendered, ledger
	case complexity.ModeHybrid:
		rendered, ledger, err := e.processor.Render(g, p)
		if err != nil {
			return nil, err
		}
		out.Graph, out.Patch = e.patcher.Patch(rendered, p)
		out.Ledger = ledger
	default:
		out.Graph, out.Patch = e.patcher.Patch(g, p)
	}
	return out, nil
}

// Analyze reports the complexity of g and the mode Process would use for p
// once merged with the configured defaults.
func (e *Executor) Analyze(g *workflow.Graph, p params.Parameters) (complexity.Report, complexity.Mode) {
	return e.selector.Choose(g, params.Merge(p, e.defaults))
}

func (e *Executor) publish(executionID string, evt streaming.Event) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(executionID, evt)
}
