package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/fallback"
	"github.com/Kocoro-lab/comfyflow/internal/streaming"
)

const (
	subscriberBuffer  = 256
	heartbeatInterval = 15 * time.Second
)

// streamRequest holds the query options shared by the SSE and websocket
// endpoints.
type streamRequest struct {
	executionID string
	types       map[string]struct{}
	lastID      uint64
}

func parseStreamRequest(r *http.Request) (streamRequest, error) {
	req := streamRequest{
		executionID: r.URL.Query().Get("execution_id"),
		types:       map[string]struct{}{},
	}
	if req.executionID == "" {
		return req, fmt.Errorf("execution_id required")
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				req.types[t] = struct{}{}
			}
		}
	}
	// Last-Event-ID header wins over the query parameter.
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			req.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && req.lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			req.lastID = n
		}
	}
	return req, nil
}

func (s streamRequest) wants(evt streaming.Event) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[evt.Type]
	return ok
}

func terminal(evt streaming.Event) bool {
	return evt.Type == fallback.EventExecutionSucceeded || evt.Type == fallback.EventExecutionFailed
}

// handleSSE streams events for an execution via Server-Sent Events and
// closes the stream after the terminal event.
// GET /stream/sse?execution_id=<id>
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	req, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// subscribe before replaying so nothing published in between is lost
	ch := h.streams.Subscribe(req.executionID, subscriberBuffer)
	defer h.streams.Unsubscribe(req.executionID, ch)

	fmt.Fprintf(w, ": connected to execution %s\n\n", req.executionID)
	flusher.Flush()

	sent := req.lastID
	send := func(evt streaming.Event) bool {
		if evt.Seq <= sent {
			return false
		}
		sent = evt.Seq
		if req.wants(evt) {
			writeSSE(w, evt)
		}
		return terminal(evt)
	}

	if req.lastID > 0 {
		done := false
		for _, evt := range h.streams.ReplaySince(req.executionID, req.lastID) {
			done = send(evt) || done
		}
		flusher.Flush()
		if done {
			return
		}
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("execution_id", req.executionID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			done := send(evt)
			flusher.Flush()
			if done {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}
