package templating

import (
	"strings"

	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// Action is the classifier verdict for a node.
type Action string

const (
	ActionPreserve Action = "preserve"
	ActionReplace  Action = "replace"
)

// Reason explains a classification.
type Reason string

const (
	ReasonTypeWhitelist   Reason = "type_whitelist"
	ReasonTitleKeyword    Reason = "title_keyword"
	ReasonTypeMapping     Reason = "type_mapping_available"
	ReasonDefaultPreserve Reason = "default_safe_preserve"
)

// Classification is the outcome of classifying one node.
type Classification struct {
	Action  Action `json:"action"`
	Reason  Reason `json:"reason"`
	Keyword string `json:"keyword,omitempty"`
}

// ClassifierConfig is the static configuration of a Classifier.
type ClassifierConfig struct {
	PreserveTypes    []string
	PreserveKeywords []string
	ReplaceKeywords  []string
}

// DefaultClassifierConfig returns the stock whitelist and multilingual lexicons.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		PreserveTypes: []string{
			"VAEDecode",
			"SaveImage",
			"UpscaleModelLoader",
			"UltralyticsDetectorProvider",
			"SAMLoader",
			"FaceDetailer",
			"ApplyFBCacheOnModel",
		},
		PreserveKeywords: []string{"别动", "不替换", "保持", "跳过", "保留", "no", "not", "none", "skip", "hold", "keep"},
		ReplaceKeywords:  []string{"替换", "修改节点", "replace", "modify"},
	}
}

// Classifier decides whether a node may be rewritten. It is a pure function
// of the node and its configuration.
type Classifier struct {
	preserveTypes    map[string]struct{}
	preserveKeywords []string
	replaceKeywords  []string
	rules            *RuleSet
}

// NewClassifier builds a classifier. rules answers whether a type has a
// replacement mapping.
func NewClassifier(cfg ClassifierConfig, rules *RuleSet) *Classifier {
	c := &Classifier{
		preserveTypes:    make(map[string]struct{}, len(cfg.PreserveTypes)),
		preserveKeywords: lowerAll(cfg.PreserveKeywords),
		replaceKeywords:  lowerAll(cfg.ReplaceKeywords),
		rules:            rules,
	}
	for _, t := range cfg.PreserveTypes {
		c.preserveTypes[t] = struct{}{}
	}
	if c.rules == nil {
		c.rules = NewRuleSet()
	}
	return c
}

// Classify applies, in order: type whitelist, title keywords (preserve before
// replace), type mapping, and finally the safe default of preserving.
func (c *Classifier) Classify(n *workflow.Node) Classification {
	if _, ok := c.preserveTypes[n.Type]; ok {
		return Classification{Action: ActionPreserve, Reason: ReasonTypeWhitelist}
	}
	title := strings.ToLower(n.Title)
	if title != "" {
		if kw, ok := firstContained(title, c.preserveKeywords); ok {
			return Classification{Action: ActionPreserve, Reason: ReasonTitleKeyword, Keyword: kw}
		}
		if kw, ok := firstContained(title, c.replaceKeywords); ok {
			return Classification{Action: ActionReplace, Reason: ReasonTitleKeyword, Keyword: kw}
		}
	}
	if c.rules.Has(n.Type) {
		return Classification{Action: ActionReplace, Reason: ReasonTypeMapping}
	}
	return Classification{Action: ActionPreserve, Reason: ReasonDefaultPreserve}
}

func firstContained(s string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(s, kw) {
			return kw, true
		}
	}
	return "", false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
