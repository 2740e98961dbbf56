package fallback

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/Kocoro-lab/comfyflow/internal/comfy"
)

// ErrNoCandidates is returned when the candidate list is empty.
var ErrNoCandidates = errors.New("no workflow candidates")

// AllCandidatesFailedError is returned when no candidate produced a result.
// It carries every attempt and wraps the last failure.
type AllCandidatesFailedError struct {
	ExecutionID string
	Attempts    []AttemptRecord
	LastErr     error

	all error
}

func (e *AllCandidatesFailedError) Error() string {
	last := "unknown error"
	if e.LastErr != nil {
		last = e.LastErr.Error()
	}
	return fmt.Sprintf("all workflow attempts failed for execution %s after %d attempt(s); last error: %s",
		e.ExecutionID, len(e.Attempts), last)
}

func (e *AllCandidatesFailedError) Unwrap() error { return e.LastErr }

// Errors returns the error of every failed attempt, in order.
func (e *AllCandidatesFailedError) Errors() []error {
	return multierr.Errors(e.all)
}

// IsRecoverable reports whether err from one candidate should move the
// executor on to the next candidate. ctx is the request context, not the
// attempt's: an attempt that ran out of its own time is recoverable, and
// only the end of the request itself stops the loop.
func IsRecoverable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	var execErr *comfy.ExecutionError
	if errors.As(err, &execErr) && execErr.Timeout {
		return true
	}
	return !errors.Is(err, context.Canceled)
}
