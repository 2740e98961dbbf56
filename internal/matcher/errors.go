package matcher

import (
	"fmt"
	"strings"
)

// ResourceResolutionError reports a requested resource that matched no
// catalog entry well enough.
type ResourceResolutionError struct {
	Kind          Kind
	Requested     string
	BestCandidate string
	BestScore     float64
	Alternatives  []Candidate
}

// NewResolutionError builds the error from a failed match result.
func NewResolutionError(res Result) *ResourceResolutionError {
	e := &ResourceResolutionError{Kind: res.Kind, Requested: res.Requested, Alternatives: res.Alternatives}
	if len(res.Alternatives) > 0 {
		e.BestCandidate = res.Alternatives[0].Name
		e.BestScore = res.Alternatives[0].Score
	}
	return e
}

func (e *ResourceResolutionError) Error() string {
	if e.BestCandidate == "" {
		return fmt.Sprintf("no %s matches %q", e.Kind, e.Requested)
	}
	names := make([]string, 0, len(e.Alternatives))
	for _, c := range e.Alternatives {
		names = append(names, c.Name)
	}
	return fmt.Sprintf("no %s matches %q (best %q scored %.1f, below %.0f; candidates: %s)",
		e.Kind, e.Requested, e.BestCandidate, e.BestScore, AcceptThreshold, strings.Join(names, ", "))
}
