package templates

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTemplateNotFound is wrapped by TemplateLoadError when no file exists for
// a candidate.
var ErrTemplateNotFound = errors.New("template not found")

// TemplateLoadError reports a candidate that could not be read.
type TemplateLoadError struct {
	Candidate string
	Path      string
	Err       error
}

func (e *TemplateLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load template %s: %v", e.Candidate, e.Err)
	}
	return fmt.Sprintf("load template %s (%s): %v", e.Candidate, e.Path, e.Err)
}

func (e *TemplateLoadError) Unwrap() error { return e.Err }

// TemplateMalformedError reports a template whose content is not a usable
// workflow document.
type TemplateMalformedError struct {
	Candidate string
	Reason    string
	Err       error
}

func (e *TemplateMalformedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed template %s: %s", e.Candidate, e.Reason)
	}
	return fmt.Sprintf("malformed template %s: %s: %v", e.Candidate, e.Reason, e.Err)
}

func (e *TemplateMalformedError) Unwrap() error { return e.Err }

// LoadError aggregates template loading failures.
type LoadError struct {
	Failures []string
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Failures) == 0 {
		return "template load failed"
	}
	return fmt.Sprintf("%d template(s) failed to load: %s", len(e.Failures), strings.Join(e.Failures, "; "))
}

// IsLoadError returns true when err represents aggregated template load failures.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
