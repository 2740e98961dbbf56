package comfy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/comfyflow/internal/tracing"
)

const eventBuffer = 64

var dialer = websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 10 * time.Second,
}

// eventStream reads backend messages on a dedicated goroutine and delivers
// normalized events until closed. The events channel is closed after the
// last event read, so a terminal event is never lost to a read error.
type eventStream struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger

	mu  sync.Mutex
	err error
}

func (c *Client) wsURL(clientID string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	u.RawQuery = "clientId=" + clientID
	return u.String()
}

func (c *Client) openEvents(ctx context.Context, clientID string) (*eventStream, error) {
	header := http.Header{}
	if tp := tracing.W3CTraceparent(ctx); tp != "" {
		header.Set("traceparent", tp)
	}
	conn, resp, err := dialer.DialContext(ctx, c.wsURL(clientID), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial event stream: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial event stream: %w", err)
	}
	s := &eventStream{
		conn:   conn,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go s.read()
	return s, nil
}

func (s *eventStream) read() {
	defer close(s.events)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in event reader", zap.Any("panic", r))
			s.setErr(fmt.Errorf("event reader panic: %v", r))
		}
	}()
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(err)
			return
		}
		// binary frames carry preview images
		if kind != websocket.TextMessage {
			continue
		}
		ev, ok := parseEvent(data)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			s.setErr(errStreamClosed)
			return
		}
	}
}

var errStreamClosed = errors.New("event stream closed")

func (s *eventStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the error that ended the reader. It is only meaningful once
// the events channel is closed.
func (s *eventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return errStreamClosed
	}
	return s.err
}

// Close stops the reader and closes the connection.
func (s *eventStream) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// parseEvent normalizes one backend message. Messages the orchestrator does
// not track are dropped.
func parseEvent(raw []byte) (Event, bool) {
	if !gjson.ValidBytes(raw) {
		return Event{}, false
	}
	msg := gjson.ParseBytes(raw)
	data := msg.Get("data")
	ev := Event{PromptID: data.Get("prompt_id").String()}
	if m, ok := data.Value().(map[string]any); ok {
		ev.Data = m
	}

	switch msg.Get("type").String() {
	case "status":
		ev.Type = EventQueueStatus
		ev.Value = int(data.Get("status.exec_info.queue_remaining").Int())
	case "execution_start":
		ev.Type = EventExecutionStarted
	case "execution_cached":
		ev.Type = EventNodeCached
	case "executing":
		node := data.Get("node")
		if !node.Exists() || node.Type == gjson.Null {
			ev.Type = EventExecutionFinished
		} else {
			ev.Type = EventNodeStarted
			ev.NodeID = node.String()
		}
	case "progress":
		ev.Type = EventProgress
		ev.NodeID = data.Get("node").String()
		ev.Value = int(data.Get("value").Int())
		ev.Max = int(data.Get("max").Int())
	case "executed":
		ev.Type = EventNodeFinished
		ev.NodeID = data.Get("node").String()
	case "execution_error":
		ev.Type = EventExecutionError
		ev.NodeID = data.Get("node_id").String()
	case "execution_interrupted":
		ev.Type = EventInterrupted
		ev.NodeID = data.Get("node_id").String()
	default:
		return Event{}, false
	}
	return ev, true
}
