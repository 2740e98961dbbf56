package templating

import (
	"sort"
	"strings"
	"sync"
)

// InputMapping binds one node input to a placeholder. When NegativePlaceholder
// is set the mapping depends on prompt context: Placeholder applies to
// positive prompts and NegativePlaceholder to negative ones.
type InputMapping struct {
	Input               string
	Placeholder         string
	NegativePlaceholder string
}

// TitleEntry selects a placeholder for title keyed nodes. An empty
// Placeholder keeps the node's current value.
type TitleEntry struct {
	Keyword     string
	Placeholder string
}

// NodeRule describes how a node type is rewritten.
type NodeRule struct {
	Inputs []InputMapping

	// TitleInput is rewritten using the first TitleEntries keyword found in
	// the node title, or TitleDefault when none matches.
	TitleInput   string
	TitleEntries []TitleEntry
	TitleDefault string
}

// RuleSet is the node type to replacement rule registry. Types without an
// entry are unknown and never rewritten by type.
type RuleSet struct {
	mu    sync.RWMutex
	rules map[string]NodeRule
}

// NewRuleSet returns an empty registry.
func NewRuleSet() *RuleSet {
	return &RuleSet{rules: make(map[string]NodeRule)}
}

// DefaultRules returns the stock registry for common backend node types.
func DefaultRules() *RuleSet {
	rs := NewRuleSet()
	rs.Register("KSampler", NodeRule{Inputs: []InputMapping{
		{Input: "seed", Placeholder: "SEED"},
		{Input: "steps", Placeholder: "STEPS"},
		{Input: "cfg", Placeholder: "CFG"},
		{Input: "sampler_name", Placeholder: "SAMPLER"},
		{Input: "scheduler", Placeholder: "SCHEDULER"},
		{Input: "denoise", Placeholder: "DENOISE"},
	}})
	rs.Register("EmptyLatentImage", NodeRule{Inputs: []InputMapping{
		{Input: "width", Placeholder: "WIDTH"},
		{Input: "height", Placeholder: "HEIGHT"},
		{Input: "batch_size", Placeholder: "BATCH_SIZE"},
	}})
	rs.Register("CheckpointLoaderSimple", NodeRule{Inputs: []InputMapping{
		{Input: "ckpt_name", Placeholder: "MODEL"},
	}})
	rs.Register("easy comfyLoader", NodeRule{Inputs: []InputMapping{
		{Input: "ckpt_name", Placeholder: "MODEL"},
		{Input: "lora_name", Placeholder: "LORA_NAME"},
		{Input: "lora_model_strength", Placeholder: "LORA_STRENGTH"},
		{Input: "lora_clip_strength", Placeholder: "LORA_CLIP_STRENGTH"},
	}})
	rs.Register("CLIPTextEncode", NodeRule{Inputs: []InputMapping{
		{Input: "text", Placeholder: "POSITIVE_PROMPT", NegativePlaceholder: "NEGATIVE_PROMPT"},
	}})
	rs.Register("WeiLinPromptToString", NodeRule{Inputs: []InputMapping{
		{Input: "positive", Placeholder: "POSITIVE_PROMPT"},
		{Input: "negative", Placeholder: "NEGATIVE_PROMPT"},
	}})
	rs.Register("SaveImage", NodeRule{Inputs: []InputMapping{
		{Input: "filename_prefix", Placeholder: "FILENAME_PREFIX"},
	}})
	rs.Register("VAELoader", NodeRule{Inputs: []InputMapping{
		{Input: "vae_name", Placeholder: "VAE"},
	}})
	rs.Register("PrimitiveString", NodeRule{
		TitleInput: "value",
		TitleEntries: []TitleEntry{
			{Keyword: "别动"},
			{Keyword: "不替换"},
			{Keyword: "替换", Placeholder: "POSITIVE_PROMPT"},
			{Keyword: "伪提示词", Placeholder: "PROMPT_INPUT"},
			{Keyword: "用户提示", Placeholder: "USER_PROMPT"},
		},
		TitleDefault: "POSITIVE_PROMPT",
	})
	return rs
}

// Register adds or replaces the rule for nodeType.
func (rs *RuleSet) Register(nodeType string, rule NodeRule) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules[nodeType] = rule
}

// Lookup returns the rule for nodeType. ok is false for unknown types.
func (rs *RuleSet) Lookup(nodeType string) (NodeRule, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	rule, ok := rs.rules[nodeType]
	return rule, ok
}

// Has reports whether nodeType has a replacement rule.
func (rs *RuleSet) Has(nodeType string) bool {
	_, ok := rs.Lookup(nodeType)
	return ok
}

// Types lists registered node types, sorted.
func (rs *RuleSet) Types() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]string, 0, len(rs.rules))
	for t := range rs.rules {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// selectTitleEntry returns the placeholder chosen for a title keyed node and
// whether the value should be rewritten at all.
func (r NodeRule) selectTitleEntry(title string) (string, bool) {
	lower := strings.ToLower(title)
	for _, entry := range r.TitleEntries {
		if strings.Contains(lower, strings.ToLower(entry.Keyword)) {
			return entry.Placeholder, entry.Placeholder != ""
		}
	}
	return r.TitleDefault, r.TitleDefault != ""
}
