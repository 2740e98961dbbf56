package fallback

import (
	"sort"
	"sync"
	"time"

	"github.com/Kocoro-lab/comfyflow/internal/complexity"
)

// AttemptRecord is one tried candidate. Records are never modified after
// they are appended.
type AttemptRecord struct {
	ExecutionID string          `json:"execution_id"`
	Candidate   string          `json:"candidate"`
	Attempt     int             `json:"attempt"`
	Mode        complexity.Mode `json:"mode,omitempty"`
	Success     bool            `json:"success"`
	Duration    time.Duration   `json:"-"`
	DurationMS  int64           `json:"duration_ms"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// CandidateStats aggregates the attempts of one candidate.
type CandidateStats struct {
	Attempts    int     `json:"attempts"`
	Successes   int     `json:"successes"`
	SuccessRate float64 `json:"success_rate"`
}

// Stats summarizes the retained history.
type Stats struct {
	TotalExecutions      int                       `json:"total_executions"`
	SuccessfulExecutions int                       `json:"successful_executions"`
	FailedExecutions     int                       `json:"failed_executions"`
	AverageDuration      time.Duration             `json:"-"`
	AverageDurationMS    int64                     `json:"average_duration_ms"`
	TotalAttempts        int                       `json:"total_attempts"`
	Candidates           map[string]CandidateStats `json:"candidates"`
	Modes                map[string]int            `json:"modes"`
}

// History is the in-memory attempt store keyed by execution id. It is safe
// for concurrent use; appends are atomic with respect to readers and Purge.
type History struct {
	mu         sync.RWMutex
	executions map[string][]AttemptRecord
	now        func() time.Time
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{executions: make(map[string][]AttemptRecord), now: time.Now}
}

// Append adds rec to its execution.
func (h *History) Append(rec AttemptRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = h.now()
	}
	rec.DurationMS = rec.Duration.Milliseconds()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.executions[rec.ExecutionID] = append(h.executions[rec.ExecutionID], rec)
}

// Attempts returns a copy of the attempts of an execution in the order they
// were made.
func (h *History) Attempts(executionID string) ([]AttemptRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	recs, ok := h.executions[executionID]
	if !ok {
		return nil, false
	}
	return append([]AttemptRecord(nil), recs...), true
}

// Len returns the number of retained executions.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.executions)
}

// Stats aggregates the retained history. The average duration covers
// successful executions and sums all of their attempts.
func (h *History) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := Stats{
		TotalExecutions: len(h.executions),
		Candidates:      make(map[string]CandidateStats),
		Modes:           make(map[string]int),
	}
	var total time.Duration
	for _, recs := range h.executions {
		var succeeded bool
		var spent time.Duration
		for _, r := range recs {
			spent += r.Duration
			s.TotalAttempts++

			cs := s.Candidates[r.Candidate]
			cs.Attempts++
			if r.Success {
				cs.Successes++
				succeeded = true
			}
			s.Candidates[r.Candidate] = cs
			if r.Mode != "" {
				s.Modes[string(r.Mode)]++
			}
		}
		if succeeded {
			s.SuccessfulExecutions++
			total += spent
		} else {
			s.FailedExecutions++
		}
	}
	for name, cs := range s.Candidates {
		if cs.Attempts > 0 {
			cs.SuccessRate = float64(cs.Successes) / float64(cs.Attempts) * 100
		}
		s.Candidates[name] = cs
	}
	if s.SuccessfulExecutions > 0 {
		s.AverageDuration = total / time.Duration(s.SuccessfulExecutions)
	}
	s.AverageDurationMS = s.AverageDuration.Milliseconds()
	return s
}

// Purge removes executions whose first attempt is older than maxAge and
// returns how many were removed.
func (h *History) Purge(maxAge time.Duration) int {
	return len(h.PurgeBefore(h.now().Add(-maxAge)))
}

// PurgeBefore removes executions whose first attempt happened before cutoff
// and returns their ids, sorted.
func (h *History) PurgeBefore(cutoff time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var removed []string
	for id, recs := range h.executions {
		if len(recs) == 0 || recs[0].Timestamp.Before(cutoff) {
			delete(h.executions, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}
