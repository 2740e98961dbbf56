// Package placeholder resolves {{NAME}} tokens in workflow templates to
// concrete values derived from runtime parameters.
package placeholder

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/Kocoro-lab/comfyflow/internal/params"
)

// Rule derives a placeholder value from parameters. ok is false when the
// placeholder cannot be resolved for these parameters.
type Rule func(r *Resolver, p params.Parameters) (value any, ok bool)

// Resolver maps placeholder names to derivation rules. It is safe for
// concurrent use once constructed.
type Resolver struct {
	rules    map[string]Rule
	defaults params.Defaults
	random   io.Reader
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithRandom replaces the seed entropy source. Tests use it for determinism.
func WithRandom(src io.Reader) Option {
	return func(r *Resolver) { r.random = src }
}

// WithRule registers or overrides a rule.
func WithRule(name string, rule Rule) Option {
	return func(r *Resolver) { r.rules[Name(name)] = rule }
}

// NewResolver builds a resolver with the stock placeholder table. defaults
// supply the fallback for every rule whose parameter is empty.
func NewResolver(defaults params.Defaults, opts ...Option) *Resolver {
	r := &Resolver{
		rules:    stockRules(),
		defaults: defaults,
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name strips the {{ }} delimiters from a token. Bare names pass through.
func Name(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "{{") && strings.HasSuffix(token, "}}") {
		return strings.TrimSpace(token[2 : len(token)-2])
	}
	return token
}

// Token wraps a name in {{ }} delimiters.
func Token(name string) string {
	return "{{" + Name(name) + "}}"
}

// Resolve returns the value for a placeholder. Unknown names are never an
// error: ok is false and the caller keeps the literal token.
func (r *Resolver) Resolve(token string, p params.Parameters) (any, bool) {
	rule, found := r.rules[Name(token)]
	if !found {
		return nil, false
	}
	return rule(r, p)
}

// Known reports whether a rule exists for the placeholder.
func (r *Resolver) Known(token string) bool {
	_, ok := r.rules[Name(token)]
	return ok
}

// Names lists every known placeholder name, sorted.
func (r *Resolver) Names() []string {
	names := make([]string, 0, len(r.rules))
	for name := range r.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Seed returns the pinned seed, or a uniformly random 32-bit seed drawn from
// a cryptographic source when no concrete seed was requested.
func (r *Resolver) Seed(p params.Parameters) (int64, error) {
	if p.SeedPinned() {
		return p.Seed, nil
	}
	var buf [4]byte
	if _, err := io.ReadFull(r.random, buf[:]); err != nil {
		return 0, fmt.Errorf("read seed entropy: %w", err)
	}
	return int64(binary.BigEndian.Uint32(buf[:])), nil
}

// PositivePrompt joins the user prompt, LoRA tags and quality tags, skipping
// blank parts.
func PositivePrompt(p params.Parameters) string {
	return joinParts(p.Prompt, LoRATags(p.LoRAs), p.QualityTags)
}

// NegativePrompt returns the trimmed negative prompt.
func NegativePrompt(p params.Parameters) string {
	return joinParts(p.NegativePrompt)
}

// LoRATags formats enabled, named LoRAs as <lora:NAME:STRENGTH:CLIP> joined by ", ".
func LoRATags(loras []params.LoRA) string {
	tags := lo.FilterMap(loras, func(l params.LoRA, _ int) (string, bool) {
		if !l.Enabled || strings.TrimSpace(l.Name) == "" {
			return "", false
		}
		strength := l.Strength
		if strength == 0 {
			strength = 1.0
		}
		clip := l.ClipStrength
		if clip == 0 {
			clip = strength
		}
		return "<lora:" + l.Name + ":" + formatFloat(strength) + ":" + formatFloat(clip) + ">", true
	})
	return strings.Join(tags, ", ")
}

func joinParts(parts ...string) string {
	kept := lo.Filter(parts, func(s string, _ int) bool { return strings.TrimSpace(s) != "" })
	return strings.Join(kept, ", ")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
