package templates

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Kocoro-lab/comfyflow/internal/metrics"
	"github.com/Kocoro-lab/comfyflow/internal/workflow"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue captures a single validation finding with a stable code for metrics.
type ValidationIssue struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	Severity Severity `json:"severity"`
}

// ValidationError aggregates error-severity validation failures.
type ValidationError struct {
	Issues []ValidationIssue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "workflow validation failed"
	}
	if len(e.Issues) == 1 {
		return e.Issues[0].Message
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Issues), strings.Join(e.Messages(), "; "))
}

// HasIssues reports whether any validation problems were captured.
func (e *ValidationError) HasIssues() bool {
	return e != nil && len(e.Issues) > 0
}

// Messages returns just the human-readable text for each issue.
func (e *ValidationError) Messages() []string {
	if e == nil {
		return nil
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return msgs
}

// ValidationReport is the full outcome of a validation pass.
type ValidationReport struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no error-severity issue was found.
func (r *ValidationReport) Valid() bool { return len(r.Errors) == 0 }

// WarningMessages returns the text of each warning.
func (r *ValidationReport) WarningMessages() []string {
	out := make([]string, len(r.Warnings))
	for i, w := range r.Warnings {
		out[i] = w.Message
	}
	return out
}

// Err returns a *ValidationError for the error issues, or nil.
func (r *ValidationReport) Err() error {
	if r.Valid() {
		return nil
	}
	return &ValidationError{Issues: r.Errors}
}

func (r *ValidationReport) add(issue ValidationIssue) {
	metrics.TemplateValidationIssues.WithLabelValues(issue.Code, string(issue.Severity)).Inc()
	if issue.Severity == SeverityError {
		r.Errors = append(r.Errors, issue)
		return
	}
	r.Warnings = append(r.Warnings, issue)
}

func (r *ValidationReport) sort() {
	less := func(s []ValidationIssue) func(i, j int) bool {
		return func(i, j int) bool {
			if s[i].Code == s[j].Code {
				return s[i].Message < s[j].Message
			}
			return s[i].Code < s[j].Code
		}
	}
	sort.SliceStable(r.Errors, less(r.Errors))
	sort.SliceStable(r.Warnings, less(r.Warnings))
}

// ValidatorConfig lists the node types a submittable workflow must or should
// contain and the placeholders allowed to remain after processing.
type ValidatorConfig struct {
	RequiredTypes     []string
	RecommendedTypes  []string
	AllowedUnresolved []string
}

// DefaultValidatorConfig requires a sampler and recommends an image output.
// FILENAME_PREFIX may stay unresolved since the backend fills in its own.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		RequiredTypes:     []string{"KSampler"},
		RecommendedTypes:  []string{"SaveImage"},
		AllowedUnresolved: []string{"FILENAME_PREFIX"},
	}
}

// Validator checks graphs before and after processing.
type Validator struct {
	cfg      ValidatorConfig
	required map[string]struct{}
	allowed  map[string]struct{}
}

// NewValidator creates a validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	v := &Validator{cfg: cfg, required: make(map[string]struct{}), allowed: make(map[string]struct{})}
	for _, t := range cfg.RequiredTypes {
		v.required[t] = struct{}{}
	}
	for _, name := range cfg.AllowedUnresolved {
		v.allowed[name] = struct{}{}
	}
	return v
}

// ValidateStructure enforces the structural contract of a loaded template:
// at least one node, every node typed, every link pointing at an existing
// node and no link cycles.
func (v *Validator) ValidateStructure(g *workflow.Graph) *ValidationReport {
	r := &ValidationReport{}
	if g == nil || g.Len() == 0 {
		r.add(ValidationIssue{Code: "graph_empty", Message: "workflow contains no nodes", Severity: SeverityError})
		return r
	}

	adjacency := make(map[string][]string, g.Len())
	for _, id := range g.IDs() {
		n := g.Nodes[id]
		adjacency[id] = nil
		if strings.TrimSpace(n.Type) == "" {
			r.add(ValidationIssue{Code: "node_type_missing", NodeID: id, Severity: SeverityError,
				Message: fmt.Sprintf("node '%s' has no class_type", id)})
		}
		for _, input := range sortedInputs(n) {
			link, ok := n.Inputs[input].(workflow.Link)
			if !ok {
				continue
			}
			if _, exists := g.Nodes[link.NodeID]; !exists {
				r.add(ValidationIssue{Code: "link_dangling", NodeID: id, Severity: SeverityError,
					Message: fmt.Sprintf("input '%s' of node '%s' links to unknown node '%s'", input, id, link.NodeID)})
				continue
			}
			adjacency[link.NodeID] = append(adjacency[link.NodeID], id)
		}
	}
	if cycle := findCycle(g.IDs(), adjacency); cycle != "" {
		r.add(ValidationIssue{Code: "graph_cycle", Severity: SeverityError, Message: fmt.Sprintf("cycle detected: %s", cycle)})
	}
	r.sort()
	return r
}

// ValidateProcessed checks a processed graph before submission: the
// structural contract, required and recommended node types, and
// placeholders left unresolved. An unresolved placeholder on a node of a
// required type is an error; elsewhere it is a warning.
func (v *Validator) ValidateProcessed(g *workflow.Graph) *ValidationReport {
	r := v.ValidateStructure(g)
	if g == nil || g.Len() == 0 {
		return r
	}
	for _, t := range v.cfg.RequiredTypes {
		if !g.HasType(t) {
			r.add(ValidationIssue{Code: "required_node_missing", Severity: SeverityError,
				Message: fmt.Sprintf("missing %s node", t)})
		}
	}
	for _, t := range v.cfg.RecommendedTypes {
		if !g.HasType(t) {
			r.add(ValidationIssue{Code: "recommended_node_missing", Severity: SeverityWarning,
				Message: fmt.Sprintf("missing %s node", t)})
		}
	}
	for _, ref := range g.Placeholders() {
		if _, ok := v.allowed[ref.Name]; ok {
			continue
		}
		issue := ValidationIssue{Code: "placeholder_unresolved", NodeID: ref.NodeID, Severity: SeverityWarning,
			Message: fmt.Sprintf("unresolved placeholder {{%s}} in input '%s' of node '%s'", ref.Name, ref.Input, ref.NodeID)}
		if _, required := v.required[g.Nodes[ref.NodeID].Type]; required {
			issue.Severity = SeverityError
		}
		r.add(issue)
	}
	if _, stamped := g.Meta[workflow.StampKey]; !stamped {
		r.add(ValidationIssue{Code: "metadata_missing", Severity: SeverityWarning, Message: "missing processing metadata"})
	}
	r.sort()
	return r
}

func sortedInputs(n *workflow.Node) []string {
	keys := make([]string, 0, len(n.Inputs))
	for k := range n.Inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func findCycle(order []string, adjacency map[string][]string) string {
	const (
		stateUnvisited = 0
		stateVisiting  = 1
		stateVisited   = 2
	)

	state := make(map[string]int, len(adjacency))
	stack := make([]string, 0, len(adjacency))
	var cycle string

	var dfs func(string) bool
	dfs = func(node string) bool {
		state[node] = stateVisiting
		stack = append(stack, node)

		for _, next := range adjacency[node] {
			switch state[next] {
			case stateVisiting:
				cycle = formatCycle(stack, next)
				return true
			case stateUnvisited:
				if dfs(next) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = stateVisited
		return false
	}

	for _, node := range order {
		if state[node] == stateUnvisited {
			if dfs(node) {
				return cycle
			}
		}
	}
	return ""
}

func formatCycle(stack []string, start string) string {
	idx := -1
	for i, n := range stack {
		if n == start {
			idx = i
			break
		}
	}
	if idx == -1 {
		return strings.Join(append(stack, start), " → ")
	}
	cycle := append([]string(nil), stack[idx:]...)
	cycle = append(cycle, start)
	return strings.Join(cycle, " → ")
}
