package templating

import "time"

// ChangeReason tags how a ledger change was produced.
type ChangeReason string

const (
	ChangeTypeMapping   ChangeReason = "type_mapping"
	ChangeTitleKeyed    ChangeReason = "title_keyed"
	ChangeEmbeddedToken ChangeReason = "embedded_token"
	ChangeTextDocument  ChangeReason = "text_substitution"
)

// Change records one input overwrite.
type Change struct {
	NodeID      string       `json:"node_id"`
	NodeType    string       `json:"node_type"`
	Input       string       `json:"input"`
	Old         any          `json:"old"`
	New         any          `json:"new"`
	Placeholder string       `json:"placeholder,omitempty"`
	Reason      ChangeReason `json:"reason"`
}

// PreservedNode records a node that was left untouched and why.
type PreservedNode struct {
	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
	Title    string `json:"title,omitempty"`
	Reason   Reason `json:"reason"`
}

// UnresolvedRef records a placeholder that could not be resolved. The input
// kept its original value.
type UnresolvedRef struct {
	NodeID      string `json:"node_id,omitempty"`
	Input       string `json:"input,omitempty"`
	Placeholder string `json:"placeholder"`
}

// Ledger is the audit trail of one processing pass.
type Ledger struct {
	Changes    []Change        `json:"changes"`
	Preserved  []PreservedNode `json:"preserved"`
	Unresolved []UnresolvedRef `json:"unresolved,omitempty"`
}

// ChangesFor returns the changes applied to nodeID.
func (l *Ledger) ChangesFor(nodeID string) []Change {
	var out []Change
	for _, c := range l.Changes {
		if c.NodeID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// Change returns the change for a node input, if one was recorded.
func (l *Ledger) Change(nodeID, input string) (Change, bool) {
	for _, c := range l.Changes {
		if c.NodeID == nodeID && c.Input == input {
			return c, true
		}
	}
	return Change{}, false
}

// IsPreserved reports whether nodeID was preserved.
func (l *Ledger) IsPreserved(nodeID string) bool {
	for _, p := range l.Preserved {
		if p.NodeID == nodeID {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with l.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	return &Ledger{
		Changes:    append([]Change(nil), l.Changes...),
		Preserved:  append([]PreservedNode(nil), l.Preserved...),
		Unresolved: append([]UnresolvedRef(nil), l.Unresolved...),
	}
}

// Stamp is the processing metadata attached to a processed graph.
type Stamp struct {
	Processor   string    `json:"processor"`
	Version     string    `json:"version"`
	ProcessedAt time.Time `json:"processed_at"`
	Ledger      *Ledger   `json:"ledger"`
}
