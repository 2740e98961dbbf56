package patcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

var (
	// ErrNoMatchingNode is returned when a query selects no node.
	ErrNoMatchingNode = errors.New("no node matches query")
	// ErrModelNotAccepted is the guardrail rejection for "model" overrides.
	ErrModelNotAccepted = errors.New("node type does not accept a model override")
	// ErrNoMatchingInput is returned when a parameter name maps to no input.
	ErrNoMatchingInput = errors.New("no matching input")
)

// NodeMatch is one node found by a query, with its relevance.
type NodeMatch struct {
	NodeID    string `json:"node_id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Relevance int    `json:"relevance"`
}

// functional hints: a query containing the key selects types containing the value
var typeHints = []struct {
	query string
	types []string
}{
	{"sampler", []string{"Sampler"}},
	{"checkpoint", []string{"Checkpoint"}},
	{"vae", []string{"VAE"}},
	{"lora", []string{"Lora"}},
	{"control", []string{"ControlNet"}},
	{"seed", []string{"Sampler", "Seed"}},
}

// FindNodes returns nodes matching query, most relevant first. Equal
// relevance keeps node id order.
func FindNodes(g *workflow.Graph, query string) []NodeMatch {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []NodeMatch
	for _, id := range g.IDs() {
		n := g.Nodes[id]
		if !queryMatches(n, q) {
			continue
		}
		out = append(out, NodeMatch{NodeID: id, Type: n.Type, Title: n.Title, Relevance: relevance(n, q)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Relevance > out[j].Relevance })
	return out
}

func queryMatches(n *workflow.Node, q string) bool {
	title := n.Title
	if title == "" {
		title = n.Type
	}
	if strings.Contains(strings.ToLower(n.Type), q) || strings.Contains(strings.ToLower(title), q) {
		return true
	}
	if strings.Contains(q, "prompt") &&
		(strings.Contains(n.Type, "TextEncode") || strings.Contains(title, "Prompt") || strings.Contains(title, "Text")) {
		return true
	}
	for _, hint := range typeHints {
		if !strings.Contains(q, hint.query) {
			continue
		}
		for _, t := range hint.types {
			if strings.Contains(n.Type, t) {
				return true
			}
		}
	}
	for name := range n.Inputs {
		if strings.Contains(strings.ToLower(name), q) {
			return true
		}
	}
	return false
}

func relevance(n *workflow.Node, q string) int {
	nodeType := strings.ToLower(n.Type)
	title := strings.ToLower(n.Title)
	score := 0

	if nodeType == q {
		score += 100
	}
	if title != "" && title == q {
		score += 100
	}
	if strings.Contains(nodeType, q) {
		score += 50
	}
	if title != "" && strings.Contains(title, q) {
		score += 50
	}
	if nodeType != "" && strings.Contains(q, nodeType) {
		score += 30
	}
	if title != "" && strings.Contains(q, title) {
		score += 30
	}
	for name := range n.Inputs {
		if strings.Contains(strings.ToLower(name), q) {
			score += 20
		}
	}
	if strings.Contains(q, "positive") && strings.Contains(title, "positive") {
		score += 40
	}
	if strings.Contains(q, "negative") && strings.Contains(title, "negative") {
		score += 40
	}
	if strings.Contains(q, "prompt") && strings.Contains(nodeType, "text") {
		score += 30
	}
	return score
}

// parameter name aliases, checked in order
var inputAliases = []struct {
	key     string
	targets []string
}{
	{"text", []string{"text", "prompt"}},
	{"seed", []string{"seed"}},
	{"steps", []string{"steps"}},
	{"cfg", []string{"cfg"}},
	{"sampler", []string{"sampler_name", "sampler"}},
	{"scheduler", []string{"scheduler"}},
	{"denoise", []string{"denoise"}},
	{"width", []string{"width"}},
	{"height", []string{"height"}},
	{"batch", []string{"batch_size"}},
	{"checkpoint", []string{"ckpt_name"}},
	{"vae", []string{"vae_name"}},
	{"controlnet", []string{"control_net_name"}},
	{"lora", []string{"lora_name"}},
	{"strength", []string{"strength_model", "strength_clip"}},
	{"prefix", []string{"filename_prefix"}},
}

// ResolveInput maps a loosely named parameter onto one of the node's inputs.
// The "model" guardrail applies before any matching.
func ResolveInput(nodeType, name string, inputs map[string]any) (string, error) {
	target := strings.ToLower(name)
	if target == "model" && !AcceptsModel(nodeType) {
		return "", fmt.Errorf("%w: %s", ErrModelNotAccepted, nodeType)
	}
	if _, ok := inputs[name]; ok {
		return name, nil
	}
	for _, alias := range inputAliases {
		if !strings.Contains(target, alias.key) {
			continue
		}
		for _, candidate := range alias.targets {
			if _, ok := inputs[candidate]; ok {
				return candidate, nil
			}
		}
	}
	for _, key := range sortedKeys(inputs) {
		lower := strings.ToLower(key)
		if strings.Contains(lower, target) || strings.Contains(target, lower) {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w for %q", ErrNoMatchingInput, name)
}

// ModifyResult describes a query modification.
type ModifyResult struct {
	NodeID  string         `json:"node_id"`
	Title   string         `json:"title,omitempty"`
	Applied []Modification `json:"applied"`
	Skipped []Skip         `json:"skipped,omitempty"`
}

// ModifyNode applies inputs to the node that best matches query and returns
// the modified copy of g. Parameter names are resolved with ResolveInput;
// names that resolve to nothing, or to a link, are reported as skipped.
func (p *Patcher) ModifyNode(g *workflow.Graph, query string, inputs map[string]any) (*workflow.Graph, *ModifyResult, error) {
	matches := FindNodes(g, query)
	if len(matches) == 0 {
		return nil, nil, fmt.Errorf("%w: %q", ErrNoMatchingNode, query)
	}
	out := g.Clone()
	best := matches[0]
	n := out.Nodes[best.NodeID]
	res := &ModifyResult{NodeID: best.NodeID, Title: n.Title}
	r := &Report{}

	for _, name := range sortedKeys(inputs) {
		key, err := ResolveInput(n.Type, name, n.Inputs)
		if err != nil {
			p.skip(r, best.NodeID, n, name, err.Error())
			continue
		}
		if _, isLink := n.Inputs[key].(workflow.Link); isLink {
			p.skip(r, best.NodeID, n, key, "input is a link")
			continue
		}
		p.assign(r, best.NodeID, n, key, inputs[name], KindQuery)
	}
	res.Applied, res.Skipped = r.Modifications, r.Skipped
	p.logger.Debug("Modified node by query",
		zap.String("query", query),
		zap.String("node_id", best.NodeID),
		zap.Int("applied", len(res.Applied)),
	)
	return out, res, nil
}

// ModifiableInput is an input that holds a value rather than a link.
type ModifiableInput struct {
	Name        string `json:"name"`
	Value       any    `json:"value"`
	Description string `json:"description"`
}

// ModifiableNode lists the modifiable inputs of one node.
type ModifiableNode struct {
	NodeID string            `json:"node_id"`
	Type   string            `json:"type"`
	Title  string            `json:"title,omitempty"`
	Inputs []ModifiableInput `json:"inputs"`
}

var inputDescriptions = map[string]string{
	"text":             "text content",
	"seed":             "random seed",
	"steps":            "sampling steps",
	"cfg":              "CFG scale",
	"sampler_name":     "sampler",
	"scheduler":        "scheduler",
	"denoise":          "denoise strength",
	"width":            "width",
	"height":           "height",
	"batch_size":       "batch size",
	"ckpt_name":        "checkpoint file",
	"vae_name":         "VAE file",
	"control_net_name": "ControlNet model",
	"lora_name":        "LoRA file",
	"strength_model":   "model strength",
	"strength_clip":    "CLIP strength",
	"filename_prefix":  "filename prefix",
}

// ModifiableNodes lists every node with at least one non-link input.
func ModifiableNodes(g *workflow.Graph) []ModifiableNode {
	var out []ModifiableNode
	for _, id := range g.IDs() {
		n := g.Nodes[id]
		var inputs []ModifiableInput
		for _, name := range sortedKeys(n.Inputs) {
			v := n.Inputs[name]
			if _, isLink := v.(workflow.Link); isLink {
				continue
			}
			desc, ok := inputDescriptions[name]
			if !ok {
				desc = name + " parameter"
			}
			inputs = append(inputs, ModifiableInput{Name: name, Value: v, Description: desc})
		}
		if len(inputs) > 0 {
			out = append(out, ModifiableNode{NodeID: id, Type: n.Type, Title: n.Title, Inputs: inputs})
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
