package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

type rawNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      *rawMeta       `json:"_meta,omitempty"`
}

type rawMeta struct {
	Title string `json:"title,omitempty"`
}

// Decode parses a workflow document in the backend's API format. The node
// map may be wrapped in a {"prompt": {...}} envelope.
func Decode(data []byte) (*Graph, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode workflow document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode workflow document: document is null")
	}
	if inner, ok := doc["prompt"]; ok && isObject(inner) {
		var nodes map[string]json.RawMessage
		if err := json.Unmarshal(inner, &nodes); err != nil {
			return nil, fmt.Errorf("decode prompt envelope: %w", err)
		}
		// envelope level metadata is kept alongside the nodes
		for k, v := range doc {
			if strings.HasPrefix(k, "_") {
				if _, exists := nodes[k]; !exists {
					nodes[k] = v
				}
			}
		}
		doc = nodes
	}

	g := New()
	for id, raw := range doc {
		if strings.HasPrefix(id, "_") {
			var meta any
			if err := json.Unmarshal(raw, &meta); err != nil {
				return nil, fmt.Errorf("decode metadata %q: %w", id, err)
			}
			g.Meta[id] = meta
			continue
		}
		if !isObject(raw) {
			return nil, fmt.Errorf("node %q is not an object", id)
		}
		var rn rawNode
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&rn); err != nil {
			return nil, fmt.Errorf("decode node %q: %w", id, err)
		}
		node := &Node{Type: rn.ClassType, Inputs: make(map[string]any, len(rn.Inputs))}
		if rn.Meta != nil {
			node.Title = rn.Meta.Title
		}
		for k, v := range rn.Inputs {
			node.Inputs[k] = fromJSON(v)
		}
		g.Nodes[id] = node
	}
	return g, nil
}

// DecodeYAML parses a YAML authored workflow document into the same model.
func DecodeYAML(data []byte) (*Graph, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml workflow document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode yaml workflow document: document is empty")
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert yaml workflow document: %w", err)
	}
	return Decode(buf)
}

// Encode renders the node map in the backend's API format. Meta is omitted.
func Encode(g *Graph) ([]byte, error) {
	return json.Marshal(toWire(g, false))
}

// EncodeDocument renders nodes together with document level metadata.
func EncodeDocument(g *Graph) ([]byte, error) {
	return json.MarshalIndent(toWire(g, true), "", "  ")
}

// Wire returns the backend payload form of the graph, suitable for embedding
// into a larger JSON request body.
func Wire(g *Graph) map[string]any {
	return toWire(g, false)
}

func toWire(g *Graph, withMeta bool) map[string]any {
	out := make(map[string]any, g.Len())
	if g == nil {
		return out
	}
	for id, n := range g.Nodes {
		inputs := make(map[string]any, len(n.Inputs))
		for k, v := range n.Inputs {
			inputs[k] = toJSON(v)
		}
		entry := map[string]any{
			"class_type": n.Type,
			"inputs":     inputs,
		}
		if n.Title != "" {
			entry["_meta"] = map[string]any{"title": n.Title}
		}
		out[id] = entry
	}
	if withMeta {
		for k, v := range g.Meta {
			out[k] = v
		}
	}
	return out
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func fromJSON(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return float64(i)
		}
		f, _ := val.Float64()
		return f
	case []any:
		if link, ok := asLink(val); ok {
			return link
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = fromJSON(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = fromJSON(item)
		}
		return out
	default:
		return v
	}
}

func asLink(val []any) (Link, bool) {
	if len(val) != 2 {
		return Link{}, false
	}
	id, ok := val[0].(string)
	if !ok || id == "" {
		return Link{}, false
	}
	num, ok := val[1].(json.Number)
	if !ok {
		return Link{}, false
	}
	slot, err := num.Int64()
	if err != nil || slot < 0 || slot > math.MaxInt32 {
		return Link{}, false
	}
	return Link{NodeID: id, Slot: int(slot)}, true
}

func toJSON(v any) any {
	switch val := v.(type) {
	case Link:
		return []any{val.NodeID, val.Slot}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSON(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSON(item)
		}
		return out
	default:
		return v
	}
}
