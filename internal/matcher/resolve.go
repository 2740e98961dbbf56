package matcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/params"
)

// Source lists the resource names the backend offers for a kind.
type Source interface {
	Names(ctx context.Context, kind Kind) ([]string, error)
}

// Resolution is the report of a ResolveParameters pass.
type Resolution struct {
	Results  []Result                   `json:"results"`
	Warnings []*ResourceResolutionError `json:"-"`
}

// WarningMessages flattens the warnings for logging and API responses.
func (r *Resolution) WarningMessages() []string {
	out := make([]string, 0, len(r.Warnings))
	for _, w := range r.Warnings {
		out = append(out, w.Error())
	}
	return out
}

// Resolver rewrites resource names in runtime parameters to catalog entries.
type Resolver struct {
	source  Source
	matcher *Matcher
	logger  *zap.Logger
}

// NewResolver creates a resolver over source.
func NewResolver(source Source, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, matcher: New(logger), logger: logger}
}

// Matcher returns the underlying matcher.
func (r *Resolver) Matcher() *Matcher { return r.matcher }

// Match resolves a single name against the live catalog.
func (r *Resolver) Match(ctx context.Context, kind Kind, name string) (Result, error) {
	names, err := r.source.Names(ctx, kind)
	if err != nil {
		return Result{Kind: kind, Requested: name}, fmt.Errorf("list %s catalog: %w", kind, err)
	}
	return r.matcher.Match(name, names, kind), nil
}

// ResolveParameters returns a copy of p whose explicitly supplied model, VAE,
// sampler, scheduler and LoRA names are replaced by their catalog matches.
// An unmatched checkpoint is returned as a *ResourceResolutionError since
// every workflow needs one; other misses keep the requested value and are
// reported as warnings. Kinds the backend lists nothing for are left alone.
func (r *Resolver) ResolveParameters(ctx context.Context, p params.Parameters) (params.Parameters, *Resolution, error) {
	out := p.Clone()
	report := &Resolution{}

	resolve := func(kind Kind, value string) (string, error) {
		if value == "" {
			return value, nil
		}
		names, err := r.source.Names(ctx, kind)
		if err != nil {
			return value, fmt.Errorf("list %s catalog: %w", kind, err)
		}
		if len(names) == 0 {
			return value, nil
		}
		res := r.matcher.Match(value, names, kind)
		report.Results = append(report.Results, res)
		if res.Matched {
			return res.Match, nil
		}
		rerr := NewResolutionError(res)
		if kind == KindModel {
			return value, rerr
		}
		report.Warnings = append(report.Warnings, rerr)
		r.logger.Warn("Resource not resolved, keeping requested value",
			zap.String("kind", string(kind)),
			zap.String("requested", value),
			zap.String("best_candidate", rerr.BestCandidate),
			zap.Float64("best_score", rerr.BestScore),
		)
		return value, nil
	}

	var err error
	if p.Has(params.FieldModel) {
		if out.Model, err = resolve(KindModel, out.Model); err != nil {
			return p, report, err
		}
	}
	if p.Has(params.FieldVAE) {
		if out.VAE, err = resolve(KindVAE, out.VAE); err != nil {
			return p, report, err
		}
	}
	if p.Has(params.FieldSampler) {
		if out.Sampler, err = resolve(KindSampler, out.Sampler); err != nil {
			return p, report, err
		}
	}
	if p.Has(params.FieldScheduler) {
		if out.Scheduler, err = resolve(KindScheduler, out.Scheduler); err != nil {
			return p, report, err
		}
	}
	for i := range out.LoRAs {
		if !out.LoRAs[i].Enabled {
			continue
		}
		if out.LoRAs[i].Name, err = resolve(KindLoRA, out.LoRAs[i].Name); err != nil {
			return p, report, err
		}
	}
	return out, report, nil
}
