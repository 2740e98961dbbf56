package placeholder

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/Kocoro-lab/comfyflow/internal/params"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

var quotedTokenPattern = regexp.MustCompile(`"\{\{([A-Z][A-Z0-9_]*)\}\}"`)

// Expand substitutes every {{NAME}} token embedded in s. It reports the names
// it could not resolve; those tokens are left in place.
func (r *Resolver) Expand(s string, p params.Parameters) (string, []string) {
	var unresolved []string
	lookup := r.memo(p)
	out := workflow.PlaceholderPattern().ReplaceAllStringFunc(s, func(token string) string {
		v, ok := lookup(Name(token))
		if !ok {
			unresolved = appendOnce(unresolved, Name(token))
			return token
		}
		return Scalar(v)
	})
	return out, unresolved
}

// memo returns a lookup that resolves each name once, so a random seed is
// shared by every occurrence within one call.
func (r *Resolver) memo(p params.Parameters) func(name string) (any, bool) {
	cache := make(map[string]any)
	return func(name string) (any, bool) {
		if v, ok := cache[name]; ok {
			return v, true
		}
		v, ok := r.Resolve(name, p)
		if ok {
			cache[name] = v
		}
		return v, ok
	}
}

// SubstituteText performs whole document substitution on serialized JSON.
// A token that fills an entire JSON string is replaced by the JSON encoding
// of the value, so numbers stay numbers; embedded tokens are replaced by the
// escaped text form. Unresolved names are returned and left in place.
func (r *Resolver) SubstituteText(doc string, p params.Parameters) (string, []string) {
	var unresolved []string
	lookup := r.memo(p)

	doc = quotedTokenPattern.ReplaceAllStringFunc(doc, func(quoted string) string {
		name := Name(quoted[1 : len(quoted)-1])
		v, ok := lookup(name)
		if !ok {
			unresolved = appendOnce(unresolved, name)
			return quoted
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			unresolved = appendOnce(unresolved, name)
			return quoted
		}
		return string(encoded)
	})
	doc = workflow.PlaceholderPattern().ReplaceAllStringFunc(doc, func(token string) string {
		name := Name(token)
		v, ok := lookup(name)
		if !ok {
			unresolved = appendOnce(unresolved, name)
			return token
		}
		encoded, err := json.Marshal(Scalar(v))
		if err != nil {
			return token
		}
		// drop the surrounding quotes of the encoded string
		return string(encoded[1 : len(encoded)-1])
	})
	return doc, unresolved
}

// Scalar renders a resolved value in its text form.
func Scalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func appendOnce(list []string, name string) []string {
	for _, existing := range list {
		if existing == name {
			return list
		}
	}
	return append(list, name)
}
