package workflow

import (
	"reflect"

	"github.com/spf13/cast"
)

// Clone returns a deep copy of the graph. Mutating the copy never affects g.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	out := &Graph{
		Nodes: make(map[string]*Node, len(g.Nodes)),
		Meta:  make(map[string]any, len(g.Meta)),
	}
	for id, n := range g.Nodes {
		out.Nodes[id] = n.Clone()
	}
	for k, v := range g.Meta {
		out.Meta[k] = cloneValue(v)
	}
	return out
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Type: n.Type, Title: n.Title, Inputs: make(map[string]any, len(n.Inputs))}
	for k, v := range n.Inputs {
		out.Inputs[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	default:
		// scalars and Link are values
		return v
	}
}

// ValuesEqual compares two input values treating all numeric kinds as equal
// when they represent the same number.
func ValuesEqual(a, b any) bool {
	if isNumber(a) && isNumber(b) {
		fa, errA := cast.ToFloat64E(a)
		fb, errB := cast.ToFloat64E(b)
		return errA == nil && errB == nil && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}
