package workflow

import (
	"regexp"
	"sort"
	"strconv"
)

// Link is an input that references an output slot of another node in the same graph.
type Link struct {
	NodeID string
	Slot   int
}

// Node is a single unit of work in the execution graph.
//
// Input values are either scalars (string, float64, int, int64, bool, nil),
// nested lists or maps carried verbatim, or a Link.
type Node struct {
	Type   string
	Title  string
	Inputs map[string]any
}

// Graph maps node identifiers to nodes.
//
// Meta holds document level keys that start with an underscore, such as
// processing stamps. Meta is never sent to the backend.
type Graph struct {
	Nodes map[string]*Node
	Meta  map[string]any
}

// MetaKey is the document level key carrying engine directives for a template.
const MetaKey = "_comfyflow"

// StampKey is the document level key the template processor writes its stamp to.
const StampKey = "_template_metadata"

var placeholderPattern = regexp.MustCompile(`\{\{([A-Z][A-Z0-9_]*)\}\}`)

// PlaceholderPattern returns the compiled {{NAME}} token pattern.
func PlaceholderPattern() *regexp.Regexp { return placeholderPattern }

// PlaceholderRef locates a placeholder token inside a graph.
type PlaceholderRef struct {
	NodeID string
	Input  string
	Name   string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{Nodes: make(map[string]*Node), Meta: make(map[string]any)}
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	if g == nil {
		return 0
	}
	return len(g.Nodes)
}

// Node returns the node with id, or nil.
func (g *Graph) Node(id string) *Node {
	if g == nil {
		return nil
	}
	return g.Nodes[id]
}

// IDs returns node ids ordered numerically when both ids are integers and
// lexically otherwise, so iteration over a graph is deterministic.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, g.Len())
	if g == nil {
		return ids
	}
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	SortIDs(ids)
	return ids
}

// SortIDs orders node ids numerically where possible, the way IDs does.
func SortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
}

func lessID(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai < bi
	case aerr == nil:
		return true
	case berr == nil:
		return false
	default:
		return a < b
	}
}

// EdgeCount returns the number of Link inputs across all nodes.
func (g *Graph) EdgeCount() int {
	count := 0
	if g == nil {
		return count
	}
	for _, n := range g.Nodes {
		for _, v := range n.Inputs {
			if _, ok := v.(Link); ok {
				count++
			}
		}
	}
	return count
}

// Types returns the distinct node types in the graph, sorted.
func (g *Graph) Types() []string {
	seen := make(map[string]struct{})
	for _, n := range g.nodes() {
		if n.Type != "" {
			seen[n.Type] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasType reports whether any node has exactly the given type.
func (g *Graph) HasType(nodeType string) bool {
	for _, n := range g.nodes() {
		if n.Type == nodeType {
			return true
		}
	}
	return false
}

// FindByTitle returns the ids of nodes whose title equals title.
func (g *Graph) FindByTitle(title string) []string {
	var out []string
	for _, id := range g.IDs() {
		if g.Nodes[id].Title == title {
			out = append(out, id)
		}
	}
	return out
}

// Placeholders lists every {{NAME}} token found in string inputs, in node id order.
func (g *Graph) Placeholders() []PlaceholderRef {
	var refs []PlaceholderRef
	for _, id := range g.IDs() {
		n := g.Nodes[id]
		keys := make([]string, 0, len(n.Inputs))
		for k := range n.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, name := range tokensIn(n.Inputs[k]) {
				refs = append(refs, PlaceholderRef{NodeID: id, Input: k, Name: name})
			}
		}
	}
	return refs
}

// HasPlaceholders reports whether any string input still carries a {{NAME}} token.
func (g *Graph) HasPlaceholders() bool {
	return len(g.Placeholders()) > 0
}

// TextSubstitution reports whether the template asks for whole document
// string substitution instead of per field processing.
func (g *Graph) TextSubstitution() bool {
	if g == nil {
		return false
	}
	directives, ok := g.Meta[MetaKey].(map[string]any)
	if !ok {
		return false
	}
	mode, _ := directives["substitution"].(string)
	return mode == "text"
}

func (g *Graph) nodes() []*Node {
	if g == nil {
		return nil
	}
	out := make([]*Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		out = append(out, n)
	}
	return out
}

func tokensIn(v any) []string {
	switch val := v.(type) {
	case string:
		matches := placeholderPattern.FindAllStringSubmatch(val, -1)
		out := make([]string, 0, len(matches))
		for _, m := range matches {
			out = append(out, m[1])
		}
		return out
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, tokensIn(item)...)
		}
		return out
	case map[string]any:
		var out []string
		for _, item := range val {
			out = append(out, tokensIn(item)...)
		}
		return out
	default:
		return nil
	}
}
