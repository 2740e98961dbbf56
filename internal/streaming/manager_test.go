package streaming

import (
	"sync"
	"testing"
	"time"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	// Push 4 events, which will overwrite the first
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	evs := r.since(0)
	if len(evs) != 3 || evs[0].Seq != 2 || evs[2].Seq != 4 {
		t.Fatalf("unexpected ring contents: %+v", evs)
	}
	evs = r.since(2)
	if len(evs) != 2 || evs[0].Seq != 3 || evs[1].Seq != 4 {
		t.Fatalf("unexpected replay since 2: %+v", evs)
	}
}

func TestManagerReplay(t *testing.T) {
	m := NewManager(5, nil)
	for i := 0; i < 7; i++ {
		m.Publish("exec-1", Event{Type: "progress"})
	}
	evs := m.ReplaySince("exec-1", 3)
	if len(evs) != 4 {
		t.Fatalf("expected seq 4..7, got %+v", evs)
	}
	for i, e := range evs {
		if e.Seq != uint64(i+4) {
			t.Fatalf("unexpected seq at %d: %d", i, e.Seq)
		}
		if e.ExecutionID != "exec-1" || e.Timestamp.IsZero() {
			t.Fatalf("event not stamped: %+v", e)
		}
	}
	if got := m.ReplaySince("other", 0); got != nil {
		t.Fatalf("expected no history for unknown execution, got %+v", got)
	}
}

func TestManagerSubscribe(t *testing.T) {
	m := NewManager(16, nil)
	ch := m.Subscribe("exec-1", 4)
	other := m.Subscribe("exec-2", 4)

	m.Publish("exec-1", Event{Type: "attempt_started", Candidate: "a.json", Attempt: 1})

	select {
	case e := <-ch:
		if e.Type != "attempt_started" || e.Seq != 1 || e.Candidate != "a.json" {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case e := <-other:
		t.Fatalf("event leaked to other execution: %+v", e)
	default:
	}

	m.Unsubscribe("exec-1", ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// second unsubscribe is a no-op
	m.Unsubscribe("exec-1", ch)
	m.Unsubscribe("exec-2", other)
}

func TestManagerDropsForSlowSubscriber(t *testing.T) {
	m := NewManager(16, nil)
	ch := m.Subscribe("exec-1", 1)
	defer m.Unsubscribe("exec-1", ch)

	m.Publish("exec-1", Event{Type: "a"})
	m.Publish("exec-1", Event{Type: "b"})

	if e := <-ch; e.Type != "a" {
		t.Fatalf("expected first event, got %+v", e)
	}
	if n := len(m.ReplaySince("exec-1", 0)); n != 2 {
		t.Fatalf("history should keep dropped events, got %d", n)
	}
}

func TestManagerForget(t *testing.T) {
	m := NewManager(4, nil)
	m.Publish("exec-1", Event{Type: "a"})
	m.Publish("exec-2", Event{Type: "a"})
	m.Forget("exec-1")

	if got := m.ReplaySince("exec-1", 0); len(got) != 0 {
		t.Fatalf("expected history to be dropped, got %+v", got)
	}
	if got := m.ReplaySince("exec-2", 0); len(got) != 1 {
		t.Fatalf("unrelated history dropped: %+v", got)
	}
}

func TestConcurrentPublish(t *testing.T) {
	m := NewManager(1000, nil)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.Publish("exec-1", Event{Type: "progress"})
			}
		}()
	}
	wg.Wait()

	evs := m.ReplaySince("exec-1", 0)
	if len(evs) != 500 {
		t.Fatalf("expected 500 events, got %d", len(evs))
	}
	seen := make(map[uint64]bool, len(evs))
	for _, e := range evs {
		if seen[e.Seq] {
			t.Fatalf("duplicate seq %d", e.Seq)
		}
		seen[e.Seq] = true
	}
}
