package templating

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/placeholder"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// TextProcessor substitutes placeholders across the serialized document
// instead of per field. Templates opt in through the text substitution flag.
// Classification does not apply: every token in the document is a target.
type TextProcessor struct {
	resolver *placeholder.Resolver
	logger   *zap.Logger
	now      func() time.Time
}

// NewTextProcessor creates a text processor.
func NewTextProcessor(resolver *placeholder.Resolver, logger *zap.Logger) *TextProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TextProcessor{resolver: resolver, logger: logger, now: time.Now}
}

// Process substitutes every token in g and decodes the result back into a
// graph. Document metadata is carried over unchanged.
func (t *TextProcessor) Process(g *workflow.Graph, in params.Parameters) (*workflow.Graph, *Ledger, error) {
	body, err := workflow.Encode(g)
	if err != nil {
		return nil, nil, fmt.Errorf("encode template: %w", err)
	}
	substituted, unresolved := t.resolver.SubstituteText(string(body), in)
	out, err := workflow.Decode([]byte(substituted))
	if err != nil {
		return nil, nil, fmt.Errorf("decode substituted template: %w", err)
	}
	for k, v := range g.Clone().Meta {
		out.Meta[k] = v
	}

	ledger := &Ledger{}
	for _, name := range unresolved {
		ledger.Unresolved = append(ledger.Unresolved, UnresolvedRef{Placeholder: name})
	}
	for _, id := range out.IDs() {
		before, after := g.Node(id), out.Nodes[id]
		if before == nil {
			continue
		}
		keys := make([]string, 0, len(after.Inputs))
		for k := range after.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			old := before.Inputs[k]
			if workflow.ValuesEqual(old, after.Inputs[k]) {
				continue
			}
			ledger.Changes = append(ledger.Changes, Change{
				NodeID: id, NodeType: after.Type, Input: k,
				Old: old, New: after.Inputs[k], Reason: ChangeTextDocument,
			})
		}
	}

	out.Meta[workflow.StampKey] = Stamp{
		Processor:   ProcessorName,
		Version:     ProcessorVersion,
		ProcessedAt: t.now().UTC(),
		Ledger:      ledger,
	}
	t.logger.Debug("Processed template as text",
		zap.Int("changes", len(ledger.Changes)),
		zap.Strings("unresolved", unresolved),
	)
	return out, ledger, nil
}
