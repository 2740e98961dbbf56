package templating

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/placeholder"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

const (
	ProcessorName    = "comfyflow.templating"
	ProcessorVersion = "2.0"
)

var (
	negativeTitleKeywords = []string{"negative", "负面", "反向"}
	positiveTitleKeywords = []string{"positive", "正面"}
)

// Processor rewrites template graphs by classification and type mapping.
type Processor struct {
	classifier *Classifier
	rules      *RuleSet
	resolver   *placeholder.Resolver
	text       *TextProcessor
	cache      *Cache
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithRules replaces the stock rule registry.
func WithRules(rs *RuleSet) Option {
	return func(p *Processor) { p.rules = rs }
}

// WithClassifierConfig replaces the stock whitelist and lexicons.
func WithClassifierConfig(cfg ClassifierConfig) Option {
	return func(p *Processor) { p.classifier = NewClassifier(cfg, p.rules) }
}

// WithCache enables result caching for parameter sets with a pinned seed.
func WithCache(c *Cache) Option {
	return func(p *Processor) { p.cache = c }
}

// WithLogger sets the processor logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithClock overrides the stamp clock.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a processor around resolver.
func NewProcessor(resolver *placeholder.Resolver, opts ...Option) *Processor {
	p := &Processor{
		rules:    DefaultRules(),
		resolver: resolver,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.classifier == nil {
		p.classifier = NewClassifier(DefaultClassifierConfig(), p.rules)
	}
	p.text = &TextProcessor{resolver: resolver, logger: p.logger, now: p.now}
	return p
}

// Render processes g with the strategy the template asks for: whole document
// text substitution when flagged, per field processing otherwise.
func (p *Processor) Render(g *workflow.Graph, in params.Parameters) (*workflow.Graph, *Ledger, error) {
	if g.TextSubstitution() {
		return p.text.Process(g, in)
	}
	out, ledger := p.Process(g, in)
	return out, ledger, nil
}

// Classifier exposes the classifier used by the processor.
func (p *Processor) Classifier() *Classifier { return p.classifier }

// Process returns a rewritten deep copy of g and the ledger of what changed.
// The input graph is never mutated.
func (p *Processor) Process(g *workflow.Graph, in params.Parameters) (*workflow.Graph, *Ledger) {
	if p.cache == nil || !in.SeedPinned() {
		return p.process(g, in)
	}
	key, err := CacheKey(g, in)
	if err != nil {
		return p.process(g, in)
	}
	out, ledger, _ := p.cache.Do(key, func() (*workflow.Graph, *Ledger) {
		return p.process(g, in)
	})
	return out, ledger
}

func (p *Processor) process(g *workflow.Graph, in params.Parameters) (*workflow.Graph, *Ledger) {
	out := g.Clone()
	if out == nil {
		out = workflow.New()
	}
	ledger := &Ledger{}

	for _, id := range out.IDs() {
		n := out.Nodes[id]
		if n.Type == "" {
			continue
		}
		cls := p.classifier.Classify(n)
		if cls.Action == ActionPreserve {
			ledger.Preserved = append(ledger.Preserved, PreservedNode{
				NodeID:   id,
				NodeType: n.Type,
				Title:    n.Title,
				Reason:   cls.Reason,
			})
			continue
		}
		handled := make(map[string]bool)
		if rule, ok := p.rules.Lookup(n.Type); ok {
			p.applyMappings(id, n, rule, in, ledger, handled)
			p.applyTitleRule(id, n, rule, in, ledger, handled)
		}
		p.expandEmbedded(id, n, in, ledger, handled)
	}

	out.Meta[workflow.StampKey] = Stamp{
		Processor:   ProcessorName,
		Version:     ProcessorVersion,
		ProcessedAt: p.now().UTC(),
		Ledger:      ledger,
	}
	p.logger.Debug("Processed template",
		zap.Int("nodes", out.Len()),
		zap.Int("changes", len(ledger.Changes)),
		zap.Int("preserved", len(ledger.Preserved)),
		zap.Int("unresolved", len(ledger.Unresolved)),
	)
	return out, ledger
}

func (p *Processor) applyMappings(id string, n *workflow.Node, rule NodeRule, in params.Parameters, ledger *Ledger, handled map[string]bool) {
	for _, m := range rule.Inputs {
		current, present := n.Inputs[m.Input]
		if !present {
			continue
		}
		if _, isLink := current.(workflow.Link); isLink {
			handled[m.Input] = true
			continue
		}
		name := m.Placeholder
		if m.NegativePlaceholder != "" {
			name = promptPlaceholder(n.Title, in.PromptContext, m)
			if name == "" {
				continue
			}
		}
		handled[m.Input] = true
		p.set(id, n, m.Input, name, ChangeTypeMapping, in, ledger)
	}
}

func (p *Processor) applyTitleRule(id string, n *workflow.Node, rule NodeRule, in params.Parameters, ledger *Ledger, handled map[string]bool) {
	if rule.TitleInput == "" || n.Title == "" {
		return
	}
	current, present := n.Inputs[rule.TitleInput]
	if !present {
		return
	}
	handled[rule.TitleInput] = true
	if _, isLink := current.(workflow.Link); isLink {
		return
	}
	name, rewrite := rule.selectTitleEntry(n.Title)
	if !rewrite {
		return
	}
	p.set(id, n, rule.TitleInput, name, ChangeTitleKeyed, in, ledger)
}

func (p *Processor) expandEmbedded(id string, n *workflow.Node, in params.Parameters, ledger *Ledger, handled map[string]bool) {
	keys := make([]string, 0, len(n.Inputs))
	for k := range n.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if handled[k] {
			continue
		}
		s, ok := n.Inputs[k].(string)
		if !ok || !strings.Contains(s, "{{") {
			continue
		}
		// a whole-value token keeps the resolved value's type
		if m := workflow.PlaceholderPattern().FindStringSubmatch(s); m != nil && m[0] == s {
			p.set(id, n, k, m[1], ChangeEmbeddedToken, in, ledger)
			continue
		}
		expanded, unresolved := p.resolver.Expand(s, in)
		for _, name := range unresolved {
			ledger.Unresolved = append(ledger.Unresolved, UnresolvedRef{NodeID: id, Input: k, Placeholder: name})
		}
		if expanded != s {
			n.Inputs[k] = expanded
			ledger.Changes = append(ledger.Changes, Change{
				NodeID: id, NodeType: n.Type, Input: k,
				Old: s, New: expanded, Reason: ChangeEmbeddedToken,
			})
		}
	}
}

// set resolves name and overwrites the input when the value differs.
func (p *Processor) set(id string, n *workflow.Node, input, name string, reason ChangeReason, in params.Parameters, ledger *Ledger) {
	value, ok := p.resolver.Resolve(name, in)
	if !ok {
		ledger.Unresolved = append(ledger.Unresolved, UnresolvedRef{NodeID: id, Input: input, Placeholder: name})
		return
	}
	old := n.Inputs[input]
	if workflow.ValuesEqual(old, value) {
		return
	}
	n.Inputs[input] = value
	ledger.Changes = append(ledger.Changes, Change{
		NodeID:      id,
		NodeType:    n.Type,
		Input:       input,
		Old:         old,
		New:         value,
		Placeholder: name,
		Reason:      reason,
	})
}

// promptPlaceholder picks the positive or negative placeholder for a prompt
// encoder. The title decides first, then the caller supplied context. An
// empty result leaves the input alone.
func promptPlaceholder(title, context string, m InputMapping) string {
	lower := strings.ToLower(title)
	if _, ok := firstContained(lower, negativeTitleKeywords); ok {
		return m.NegativePlaceholder
	}
	if _, ok := firstContained(lower, positiveTitleKeywords); ok {
		return m.Placeholder
	}
	switch strings.ToLower(context) {
	case "negative":
		return m.NegativePlaceholder
	case "positive":
		return m.Placeholder
	}
	return ""
}
