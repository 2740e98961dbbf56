// Package streaming fans execution lifecycle events out to live subscribers
// and keeps a short per-execution history for Last-Event-ID replay.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/metrics"
)

// DefaultCapacity is the per-execution replay ring size.
const DefaultCapacity = 256

// Event is one lifecycle event of an execution.
type Event struct {
	ExecutionID string         `json:"execution_id"`
	Type        string         `json:"type"`
	Candidate   string         `json:"candidate,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Seq         uint64         `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub for execution events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-execution ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a manager whose rings hold capacity events.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
		now:         time.Now,
	}
}

// Subscribe adds a subscriber channel for an execution; caller must drain and
// call Unsubscribe.
func (m *Manager) Subscribe(executionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[executionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[executionID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(executionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[executionID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		metrics.StreamSubscribers.Dec()
		if len(subs) == 0 {
			delete(m.subscribers, executionID)
		}
	}
}

// Publish sends an event to all subscribers of executionID (non-blocking).
func (m *Manager) Publish(executionID string, evt Event) {
	evt.ExecutionID = executionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now()
	}

	m.mu.Lock()
	rg := m.history[executionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[executionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// deliver under the lock so Unsubscribe cannot close a channel mid-send
	for ch := range m.subscribers[executionID] {
		select {
		case ch <- evt:
		default:
			m.logger.Debug("Dropped event for slow subscriber",
				zap.String("execution_id", executionID),
				zap.String("type", evt.Type),
			)
		}
	}
	m.mu.Unlock()
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(executionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[executionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history of executions. Live subscribers are kept.
func (m *Manager) Forget(executionIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range executionIDs {
		delete(m.history, id)
	}
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
